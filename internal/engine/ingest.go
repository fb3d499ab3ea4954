package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"text2tasks/internal/domain"
	"text2tasks/internal/events"
	"text2tasks/internal/provider"
	"text2tasks/internal/tasks"
)

// IngestOptions describe one document to store. Vector is optional; without
// it the configured Embedder computes one.
type IngestOptions struct {
	Text         string
	Source       string
	Vector       []float32
	ExtractTasks bool
	ActorID      string
}

type IngestResult struct {
	Document domain.Document `json:"document"`
	Tasks    []domain.Task   `json:"tasks"`
	// Duplicate is set when the same text was ingested before; Document is
	// the earlier one and nothing new was written.
	Duplicate bool `json:"duplicate"`
}

// ContentHash is the hex blake3 digest used to deduplicate documents.
func ContentHash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *Engine) IngestDocument(ctx context.Context, opts IngestOptions) (IngestResult, error) {
	text := strings.TrimSpace(opts.Text)
	if text == "" {
		return IngestResult{}, errors.New("text is required")
	}
	hash := ContentHash(text)
	if res, ok, err := e.existing(hash); err != nil || ok {
		return res, err
	}

	vector := opts.Vector
	if vector == nil {
		if e.Embedder == nil {
			return IngestResult{}, errors.New("no embedder configured")
		}
		v, err := e.Embedder.Embed(ctx, text)
		if err != nil {
			return IngestResult{}, fmt.Errorf("embed document: %w", err)
		}
		vector = v
	}
	var extraction provider.Extraction
	if opts.ExtractTasks && e.Extractor != nil {
		ex, err := e.Extractor.Extract(ctx, text)
		if err != nil {
			return IngestResult{}, fmt.Errorf("extract tasks: %w", err)
		}
		extraction = ex
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return IngestResult{}, err
	}
	if err := e.docs.Validate(vector); err != nil {
		return IngestResult{}, err
	}
	// Another writer may have stored the same text while providers ran.
	if prior, ok := e.docs.FindByHash(hash); ok {
		return e.duplicateLocked(prior), nil
	}

	doc := domain.Document{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(hash)).String(),
		Text:        text,
		Source:      opts.Source,
		Summary:     strings.TrimSpace(extraction.Summary),
		ContentHash: hash,
		Vector:      vector,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.docs.Put(doc); err != nil {
		return IngestResult{}, err
	}
	created := []domain.Task{}
	for i, d := range extraction.Drafts {
		t, err := e.createLocked(e.draftTask(doc.ID, i, d), nil)
		if err != nil {
			e.resync(ctx, err)
			return IngestResult{}, fmt.Errorf("create extracted task %q: %w", d.Title, err)
		}
		created = append(created, t)
	}
	actorID := actor(opts.ActorID)
	err := e.commit(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if err := e.Events.Append(ctx, tx, events.DocumentIngested, events.KindDocument, doc.ID, actorID, events.EventPayload{
			"source": doc.Source, "content_hash": hash, "tasks": len(created),
		}); err != nil {
			return err
		}
		for _, t := range created {
			if err := e.insertTaskTx(ctx, tx, t, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	e.log().Info("document ingested", "document", doc.ID, "tasks", len(created), "chars", len([]rune(text)))
	doc.Vector = nil
	return IngestResult{Document: doc, Tasks: created}, nil
}

func (e *Engine) existing(hash string) (IngestResult, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return IngestResult{}, false, err
	}
	prior, ok := e.docs.FindByHash(hash)
	if !ok {
		return IngestResult{}, false, nil
	}
	return e.duplicateLocked(prior), true, nil
}

func (e *Engine) duplicateLocked(prior domain.Document) IngestResult {
	prior.Vector = nil
	linked := e.tasks.List(tasks.Filter{Document: prior.ID})
	slices.Reverse(linked)
	return IngestResult{Document: prior, Tasks: linked, Duplicate: true}
}

// draftTask turns an extracted draft into a task linked to its document.
// Unusable priority or due values are dropped rather than failing the ingest.
func (e *Engine) draftTask(docID string, index int, d provider.TaskDraft) domain.Task {
	prio, err := domain.ParsePriority(strings.ToLower(strings.TrimSpace(d.Priority)))
	if err != nil {
		e.log().Warn("ignoring extracted priority", "priority", d.Priority, "title", d.Title)
		prio = domain.PriorityMedium
	}
	due := strings.TrimSpace(d.DueDate)
	if err := validateDueDate(due); err != nil {
		e.log().Warn("ignoring extracted due date", "due", d.DueDate, "title", d.Title)
		due = ""
	}
	src := docID
	return domain.Task{
		ID:                newTaskID(docID + "|" + strconv.Itoa(index) + "|" + d.Title),
		Title:             strings.TrimSpace(d.Title),
		Description:       d.Description,
		Priority:          prio,
		Owner:             optionalString(strings.TrimPrefix(strings.TrimSpace(d.Owner), "@")),
		DueDate:           optionalString(due),
		SourceDocumentID:  &src,
		LinkedDocumentIDs: []string{docID},
	}
}

func (e *Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return domain.Document{}, err
	}
	d, err := e.docs.Get(id)
	if err != nil {
		return domain.Document{}, err
	}
	d.Vector = nil
	return d, nil
}

// ListDocuments returns documents newest first, without vectors.
func (e *Engine) ListDocuments(ctx context.Context, limit int) ([]domain.Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	docs := e.docs.List()
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}
