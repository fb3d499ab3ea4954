package domain

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusNew, StatusInProgress, StatusBlocked, StatusDone}

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return st, nil
}

// Priority orders tasks by urgency. The zero value is not valid; use PriorityMedium.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Elevated reports whether the priority is high or urgent.
func (p Priority) Elevated() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", s)
	}
	return p, nil
}

type Task struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	Status            Status    `json:"status" enum:"new,in_progress,blocked,done"`
	Priority          Priority  `json:"priority" enum:"low,medium,high,urgent"`
	Owner             *string   `json:"owner,omitempty"`
	DueDate           *string   `json:"due_date,omitempty" format:"date"`
	SourceDocumentID  *string   `json:"source_document_id,omitempty"`
	DependsOn         []string  `json:"depends_on"`
	LinkedDocumentIDs []string  `json:"linked_document_ids"`
	CreatedAt         time.Time `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy so callers cannot alias store-owned slices or pointers.
func (t Task) Clone() Task {
	c := t
	c.Owner = clonePtr(t.Owner)
	c.DueDate = clonePtr(t.DueDate)
	c.SourceDocumentID = clonePtr(t.SourceDocumentID)
	c.DependsOn = slices.Clone(t.DependsOn)
	c.LinkedDocumentIDs = slices.Clone(t.LinkedDocumentIDs)
	if c.DependsOn == nil {
		c.DependsOn = []string{}
	}
	if c.LinkedDocumentIDs == nil {
		c.LinkedDocumentIDs = []string{}
	}
	return c
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type Document struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Vector      []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// DocumentVector is the ranking view of a document.
type DocumentVector struct {
	ID        string
	Vector    []float32
	CreatedAt time.Time
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
