package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"text2tasks/internal/config"
	"text2tasks/internal/domain"
	"text2tasks/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Webhook delivery headers.
const (
	HeaderEvent     = "X-Text2tasks-Event"
	HeaderDelivery  = "X-Text2tasks-Delivery"
	HeaderSignature = "X-Text2tasks-Signature"
)

// WebhookDispatcher polls the event log and POSTs new events to the
// configured webhooks. Each webhook keeps its own cursor; a failed delivery
// is retried on the next poll.
type WebhookDispatcher struct {
	Interval time.Duration

	engine   *engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(e *engine.Engine, hooks []config.Webhook, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebhookDispatcher{
		Interval: defaultWebhookInterval,
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done. It returns immediately when no webhook is active.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	active := 0
	for _, hook := range d.webhooks {
		if hook.Active() {
			active++
		}
	}
	if active == 0 {
		return
	}
	d.logger.Info("webhook dispatcher started", "webhooks", active, "interval", d.Interval)
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll delivers pending events to every active webhook once.
func (d *WebhookDispatcher) Poll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if !hook.Active() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger.Warn("init cursor failed", "url", hook.URL, "err", err)
		return
	}
	events, err := d.engine.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("fetch events failed", "err", err)
		return
	}
	for _, evt := range events {
		if !hook.Subscribed(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("delivery failed", "url", hook.URL, "event", evt.ID, "type", evt.Type, "err", err)
			return
		}
		d.logger.Debug("event delivered", "url", hook.URL, "event", evt.ID, "type", evt.Type)
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a webhook at the head of the log so only events written
// after startup are delivered.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set(HeaderSignature, Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the HeaderSignature value for body: "sha256=" followed by the
// hex HMAC-SHA256 keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
