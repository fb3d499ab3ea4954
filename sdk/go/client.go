package text2taskssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal text2tasks HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

type Task struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Status            string    `json:"status"`
	Priority          string    `json:"priority"`
	Owner             *string   `json:"owner,omitempty"`
	DueDate           *string   `json:"due_date,omitempty"`
	SourceDocumentID  *string   `json:"source_document_id,omitempty"`
	DependsOn         []string  `json:"depends_on"`
	LinkedDocumentIDs []string  `json:"linked_document_ids"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Document struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type IngestResult struct {
	Document  Document `json:"document"`
	Tasks     []Task   `json:"tasks"`
	Duplicate bool     `json:"duplicate"`
}

type Score struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type Answer struct {
	Answer             string   `json:"answer"`
	SuggestedNextSteps []string `json:"suggested_next_steps"`
	Refs               []string `json:"refs"`
	Scores             []Score  `json:"scores"`
	NoContext          bool     `json:"no_context"`
}

type Insights struct {
	Task       Task   `json:"task"`
	Blockers   []Task `json:"blockers"`
	Dependents []Task `json:"dependents"`
	Depth      int    `json:"depth"`
	Critical   bool   `json:"critical"`
}

type Status struct {
	Tasks       map[string]int `json:"tasks"`
	TotalTasks  int            `json:"total_tasks"`
	Documents   int            `json:"documents"`
	Critical    int            `json:"critical"`
	Dimension   int            `json:"dimension"`
	LastEventID int64          `json:"last_event_id"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type TaskHit struct {
	Task  Task    `json:"task"`
	Score float64 `json:"score"`
}

type DocumentHit struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
	Snippet  string   `json:"snippet"`
}

type SearchResult struct {
	Query     string        `json:"query"`
	Tasks     []TaskHit     `json:"tasks"`
	Documents []DocumentHit `json:"documents"`
	Total     int           `json:"total"`
}

// SearchOptions mirrors GET /search. Kind is all, tasks or documents.
type SearchOptions struct {
	Query    string
	Kind     string
	Limit    int
	Status   string
	Priority string
	Owner    string
}

type GraphNode struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
	Depth    int    `json:"depth"`
	Critical bool   `json:"critical"`
}

type GraphEdge struct {
	Task      string `json:"task"`
	DependsOn string `json:"depends_on"`
}

type Graph struct {
	Nodes    []GraphNode `json:"nodes"`
	Edges    []GraphEdge `json:"edges"`
	Roots    []string    `json:"roots"`
	Leaves   []string    `json:"leaves"`
	MaxDepth int         `json:"max_depth"`
}

type ImportResult struct {
	Documents        int `json:"documents"`
	Tasks            int `json:"tasks"`
	SkippedDocuments int `json:"skipped_documents"`
	SkippedTasks     int `json:"skipped_tasks"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestRequest mirrors POST /documents.
type IngestRequest struct {
	Text         string    `json:"text"`
	Source       string    `json:"source,omitempty"`
	Vector       []float32 `json:"vector,omitempty"`
	ExtractTasks *bool     `json:"extract_tasks,omitempty"`
}

// AskRequest mirrors POST /ask. Zero values use the server defaults.
type AskRequest struct {
	Question      string   `json:"question"`
	TopK          int      `json:"top_k,omitempty"`
	MaxChars      int      `json:"max_chars,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

type CreateTaskRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// UpdateTaskRequest sends only non-nil fields.
type UpdateTaskRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty"`
	Owner       *string  `json:"owner,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	LinkDocs    []string `json:"link_documents,omitempty"`
	UnlinkDocs  []string `json:"unlink_documents,omitempty"`
}

// TaskFilters narrow ListTasks.
type TaskFilters struct {
	Status     string
	Priority   string
	Owner      string
	DocumentID string
	Limit      int
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Ingest stores a document and returns the tasks extracted from it.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "documents", req, &resp)
	return resp, err
}

func (c *Client) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	var resp struct {
		Items []Document `json:"items"`
	}
	endpoint := "documents"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, "documents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Ask(ctx context.Context, req AskRequest) (Answer, error) {
	var resp Answer
	err := c.do(ctx, http.MethodPost, "ask", req, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", req, &resp)
	return resp, err
}

func (c *Client) ListTasks(ctx context.Context, f TaskFilters) ([]Task, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Priority != "" {
		q.Set("priority", f.Priority)
	}
	if f.Owner != "" {
		q.Set("owner", f.Owner)
	}
	if f.DocumentID != "" {
		q.Set("document_id", f.DocumentID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, req UpdateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), req, &resp)
	return resp, err
}

// Transition moves a task to status.
func (c *Client) Transition(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/transition", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"status": status}, &resp)
	return resp, err
}

func (c *Client) AddDependency(ctx context.Context, id, dependsOn string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPut, depPath(id, dependsOn), nil, &resp)
	return resp, err
}

func (c *Client) RemoveDependency(ctx context.Context, id, dependsOn string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodDelete, depPath(id, dependsOn), nil, &resp)
	return resp, err
}

func (c *Client) Insights(ctx context.Context, id string) (Insights, error) {
	var resp Insights
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/insights", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Search(ctx context.Context, opts SearchOptions) (SearchResult, error) {
	q := url.Values{}
	q.Set("q", opts.Query)
	for k, v := range map[string]string{"kind": opts.Kind, "status": opts.Status, "priority": opts.Priority, "owner": opts.Owner} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var resp SearchResult
	err := c.do(ctx, http.MethodGet, "search?"+q.Encode(), nil, &resp)
	return resp, err
}

// DependencyGraph returns the graph below ids, or all of it when ids is empty.
func (c *Client) DependencyGraph(ctx context.Context, ids ...string) (Graph, error) {
	endpoint := "dependencies/graph"
	if len(ids) > 0 {
		endpoint += "?" + url.Values{"task_ids": {strings.Join(ids, ",")}}.Encode()
	}
	var resp Graph
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Export returns the full backup document as served, ready to pass to Import.
func (c *Client) Export(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "export", nil, &resp)
	return resp, err
}

func (c *Client) Import(ctx context.Context, backup json.RawMessage) (ImportResult, error) {
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "import", backup, &resp)
	return resp, err
}

func depPath(id, dependsOn string) string {
	return fmt.Sprintf("tasks/%s/dependencies/%s", url.PathEscape(id), url.PathEscape(dependsOn))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
