package server

import (
	"encoding/json"
	"time"

	"text2tasks/internal/domain"
	"text2tasks/internal/engine"
	"text2tasks/internal/retrieval"
	"text2tasks/internal/tasks"
)

// Request payloads

type IngestDocumentRequest struct {
	Text         string    `json:"text" minLength:"1"`
	Source       string    `json:"source,omitempty"`
	Vector       []float32 `json:"vector,omitempty" doc:"Precomputed embedding; computed by the server when omitted"`
	ExtractTasks *bool     `json:"extract_tasks,omitempty" doc:"Create tasks from action items (default true)"`
}

type AskRequest struct {
	Question      string   `json:"question" minLength:"1"`
	TopK          int      `json:"top_k,omitempty" minimum:"0"`
	MaxChars      int      `json:"max_chars,omitempty" minimum:"0"`
	MinSimilarity *float64 `json:"min_similarity,omitempty" minimum:"-1" maximum:"1"`
}

type CreateTaskRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Owner       *string  `json:"owner,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" example:"2024-06-30"`
	DependsOn   []string `json:"depends_on,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// UpdateTaskRequest changes metadata only. An empty owner or due_date clears it.
type UpdateTaskRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	Owner       *string  `json:"owner,omitempty"`
	DueDate     *string  `json:"due_date,omitempty"`
	LinkDocs    []string `json:"link_documents,omitempty"`
	UnlinkDocs  []string `json:"unlink_documents,omitempty"`
}

type TransitionRequest struct {
	Status string `json:"status" enum:"new,in_progress,blocked,done"`
}

// Response payloads

type DocumentResponse struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type IngestResponse struct {
	Document  DocumentResponse `json:"document"`
	Tasks     []TaskResponse   `json:"tasks"`
	Duplicate bool             `json:"duplicate"`
}

type TaskResponse struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	Status            string    `json:"status" enum:"new,in_progress,blocked,done"`
	Priority          string    `json:"priority" enum:"low,medium,high,urgent"`
	Owner             *string   `json:"owner,omitempty"`
	DueDate           *string   `json:"due_date,omitempty"`
	SourceDocumentID  *string   `json:"source_document_id,omitempty"`
	DependsOn         []string  `json:"depends_on"`
	LinkedDocumentIDs []string  `json:"linked_document_ids"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type AskResponse struct {
	Answer             string             `json:"answer"`
	SuggestedNextSteps []string           `json:"suggested_next_steps"`
	Refs               []string           `json:"refs"`
	Scores             []retrieval.Scored `json:"scores"`
	NoContext          bool               `json:"no_context"`
}

type InsightsResponse struct {
	Task       TaskResponse   `json:"task"`
	Blockers   []TaskResponse `json:"blockers"`
	Dependents []TaskResponse `json:"dependents"`
	Depth      int            `json:"depth"`
	Critical   bool           `json:"critical"`
}

type StatusResponse struct {
	Tasks       map[string]int `json:"tasks"`
	TotalTasks  int            `json:"total_tasks"`
	Documents   int            `json:"documents"`
	Critical    int            `json:"critical"`
	Dimension   int            `json:"dimension"`
	LastEventID int64          `json:"last_event_id"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type TaskHitResponse struct {
	Task  TaskResponse `json:"task"`
	Score float64      `json:"score"`
}

type DocumentHitResponse struct {
	Document DocumentResponse `json:"document"`
	Score    float64          `json:"score"`
	Snippet  string           `json:"snippet"`
}

type SearchResponse struct {
	Query     string                `json:"query"`
	Tasks     []TaskHitResponse     `json:"tasks"`
	Documents []DocumentHitResponse `json:"documents"`
	Total     int                   `json:"total" doc:"Matches before the limit"`
}

type GraphResponse struct {
	Nodes    []tasks.Node `json:"nodes"`
	Edges    []tasks.Edge `json:"edges"`
	Roots    []string     `json:"roots"`
	Leaves   []string     `json:"leaves"`
	MaxDepth int          `json:"max_depth"`
}

type ImportResponse struct {
	Documents        int `json:"documents"`
	Tasks            int `json:"tasks"`
	SkippedDocuments int `json:"skipped_documents"`
	SkippedTasks     int `json:"skipped_tasks"`
}

type paginatedTasks struct {
	Items []TaskResponse `json:"items"`
}

type paginatedDocuments struct {
	Items []DocumentResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:          d.ID,
		Text:        d.Text,
		Source:      d.Source,
		Summary:     d.Summary,
		ContentHash: d.ContentHash,
		CreatedAt:   d.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            string(t.Status),
		Priority:          string(t.Priority),
		Owner:             t.Owner,
		DueDate:           t.DueDate,
		SourceDocumentID:  t.SourceDocumentID,
		DependsOn:         nonNilSlice(t.DependsOn),
		LinkedDocumentIDs: nonNilSlice(t.LinkedDocumentIDs),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func ingestResponse(r engine.IngestResult) IngestResponse {
	return IngestResponse{
		Document:  documentResponse(r.Document),
		Tasks:     mapTasks(r.Tasks),
		Duplicate: r.Duplicate,
	}
}

func askResponse(r engine.AskResult) AskResponse {
	return AskResponse{
		Answer:             r.Answer,
		SuggestedNextSteps: nonNilSlice(r.NextSteps),
		Refs:               nonNilSlice(r.Refs),
		Scores:             nonNilSlice(r.Scores),
		NoContext:          r.NoContext,
	}
}

func insightsResponse(in engine.Insights) InsightsResponse {
	return InsightsResponse{
		Task:       taskResponse(in.Task),
		Blockers:   mapTasks(in.Blockers),
		Dependents: mapTasks(in.Dependents),
		Depth:      in.Depth,
		Critical:   in.Critical,
	}
}

func statusResponse(rep engine.StatusReport) StatusResponse {
	counts := make(map[string]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		counts[string(st)] = rep.Tasks[st]
	}
	return StatusResponse{
		Tasks:       counts,
		TotalTasks:  rep.TotalTasks,
		Documents:   rep.Documents,
		Critical:    rep.Critical,
		Dimension:   rep.Dimension,
		LastEventID: rep.LastEventID,
	}
}

func searchResponse(r engine.SearchResult) SearchResponse {
	resp := SearchResponse{
		Query:     r.Query,
		Tasks:     make([]TaskHitResponse, 0, len(r.Tasks)),
		Documents: make([]DocumentHitResponse, 0, len(r.Documents)),
		Total:     r.Total,
	}
	for _, h := range r.Tasks {
		resp.Tasks = append(resp.Tasks, TaskHitResponse{Task: taskResponse(h.Task), Score: h.Score})
	}
	for _, h := range r.Documents {
		resp.Documents = append(resp.Documents, DocumentHitResponse{Document: documentResponse(h.Document), Score: h.Score, Snippet: h.Snippet})
	}
	return resp
}

func graphResponse(v tasks.View) GraphResponse {
	return GraphResponse{
		Nodes:    nonNilSlice(v.Nodes),
		Edges:    nonNilSlice(v.Edges),
		Roots:    nonNilSlice(v.Roots),
		Leaves:   nonNilSlice(v.Leaves),
		MaxDepth: v.MaxDepth,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
