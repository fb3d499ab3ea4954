package engine

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"text2tasks/internal/domain"
	"text2tasks/internal/events"
	"text2tasks/internal/tasks"
)

// BackupVersion is written into every backup; Import refuses other versions.
const BackupVersion = 1

// BackupDocument is a document with its vector, which the API views omit.
type BackupDocument struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Source      string    `json:"source,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Vector      []float32 `json:"vector"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// Backup is a full workspace snapshot. Task dependencies and document links
// travel inside the tasks.
type Backup struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exported_at" format:"date-time"`
	Dimension  int              `json:"dimension"`
	Documents  []BackupDocument `json:"documents"`
	Tasks      []domain.Task    `json:"tasks"`
}

// ImportResult counts what Import wrote and what it skipped because the
// workspace already had it.
type ImportResult struct {
	Documents        int `json:"documents"`
	Tasks            int `json:"tasks"`
	SkippedDocuments int `json:"skipped_documents"`
	SkippedTasks     int `json:"skipped_tasks"`
}

// Export snapshots every document and task, oldest first.
func (e *Engine) Export(ctx context.Context) (Backup, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return Backup{}, err
	}
	b := Backup{
		Version:    BackupVersion,
		ExportedAt: e.now().UTC(),
		Dimension:  e.docs.Dimension(),
		Documents:  []BackupDocument{},
		Tasks:      e.tasks.List(tasks.Filter{}),
	}
	slices.Reverse(b.Tasks)
	for i := range b.Tasks {
		if b.Tasks[i].DependsOn == nil {
			b.Tasks[i].DependsOn = []string{}
		}
		if b.Tasks[i].LinkedDocumentIDs == nil {
			b.Tasks[i].LinkedDocumentIDs = []string{}
		}
	}
	listed := e.docs.List()
	slices.Reverse(listed)
	for _, d := range listed {
		full, err := e.docs.Get(d.ID)
		if err != nil {
			return Backup{}, err
		}
		b.Documents = append(b.Documents, BackupDocument{
			ID: full.ID, Text: full.Text, Source: full.Source, Summary: full.Summary,
			ContentHash: full.ContentHash, Vector: full.Vector, CreatedAt: full.CreatedAt,
		})
	}
	return b, nil
}

// Import adds a backup to the workspace in one transaction. Documents whose
// id or text is already stored and tasks whose id exists are skipped; links to
// a skipped duplicate document follow it to the stored copy. Nothing is
// written if any imported record is invalid, names an unknown task or
// document, closes a dependency cycle, or is done while a dependency is not.
func (e *Engine) Import(ctx context.Context, b Backup, actorID string) (ImportResult, error) {
	if b.Version != BackupVersion {
		return ImportResult{}, fmt.Errorf("invalid backup version %d, want %d", b.Version, BackupVersion)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return ImportResult{}, err
	}
	if len(b.Documents) > 0 && b.Dimension != e.docs.Dimension() {
		return ImportResult{}, &domain.InvalidVectorDimensionError{Want: e.docs.Dimension(), Got: b.Dimension}
	}

	var res ImportResult
	now := e.now().UTC()
	docIDs := map[string]string{}
	var docs []domain.Document
	seenHash := map[string]string{}
	for _, bd := range b.Documents {
		text := strings.TrimSpace(bd.Text)
		if bd.ID == "" || text == "" {
			return ImportResult{}, errors.New("backup document id and text are required")
		}
		hash := bd.ContentHash
		if hash == "" {
			hash = ContentHash(text)
		}
		if e.docs.Has(bd.ID) {
			docIDs[bd.ID] = bd.ID
			res.SkippedDocuments++
			continue
		}
		if prior, ok := e.docs.FindByHash(hash); ok {
			docIDs[bd.ID] = prior.ID
			res.SkippedDocuments++
			continue
		}
		if first, ok := seenHash[hash]; ok {
			docIDs[bd.ID] = first
			res.SkippedDocuments++
			continue
		}
		if err := e.docs.Validate(bd.Vector); err != nil {
			return ImportResult{}, fmt.Errorf("document %s: %w", bd.ID, err)
		}
		created := bd.CreatedAt
		if created.IsZero() {
			created = now
		}
		docs = append(docs, domain.Document{
			ID: bd.ID, Text: text, Source: bd.Source, Summary: bd.Summary,
			ContentHash: hash, Vector: bd.Vector, CreatedAt: created,
		})
		docIDs[bd.ID] = bd.ID
		seenHash[hash] = bd.ID
	}
	knownDoc := func(id string) (string, error) {
		if mapped, ok := docIDs[id]; ok {
			return mapped, nil
		}
		if e.docs.Has(id) {
			return id, nil
		}
		return "", &domain.DocNotFoundError{ID: id}
	}

	// Check the merged task set on a scratch store so the live one is untouched.
	scratch := tasks.NewStore(e.now)
	for _, t := range e.tasks.List(tasks.Filter{}) {
		if err := scratch.Restore(t); err != nil {
			return ImportResult{}, err
		}
	}
	var imported []domain.Task
	for _, t := range b.Tasks {
		if e.tasks.Has(t.ID) {
			res.SkippedTasks++
			continue
		}
		if strings.TrimSpace(t.Title) == "" {
			return ImportResult{}, fmt.Errorf("task %s: title is required", t.ID)
		}
		if t.DueDate != nil {
			if err := validateDueDate(*t.DueDate); err != nil {
				return ImportResult{}, fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.Before(t.CreatedAt) {
			t.UpdatedAt = t.CreatedAt
		}
		t.DependsOn = dedupe(t.DependsOn)
		links := make([]string, 0, len(t.LinkedDocumentIDs))
		for _, d := range dedupe(t.LinkedDocumentIDs) {
			mapped, err := knownDoc(d)
			if err != nil {
				return ImportResult{}, fmt.Errorf("task %s: %w", t.ID, err)
			}
			links = append(links, mapped)
		}
		t.LinkedDocumentIDs = slices.Compact(slices.Sorted(slices.Values(links)))
		if t.SourceDocumentID != nil {
			mapped, err := knownDoc(*t.SourceDocumentID)
			if err != nil {
				return ImportResult{}, fmt.Errorf("task %s: %w", t.ID, err)
			}
			t.SourceDocumentID = &mapped
		}
		if err := scratch.Restore(t); err != nil {
			return ImportResult{}, err
		}
		imported = append(imported, t)
	}
	if _, err := tasks.Build(scratch); err != nil {
		return ImportResult{}, err
	}
	for _, t := range imported {
		if t.Status != domain.StatusDone {
			continue
		}
		var pending []string
		for _, dep := range t.DependsOn {
			if d, err := scratch.Get(dep); err == nil && d.Status != domain.StatusDone {
				pending = append(pending, dep)
			}
		}
		if len(pending) > 0 {
			slices.Sort(pending)
			return ImportResult{}, &domain.DependencyNotSatisfiedError{TaskID: t.ID, Pending: pending}
		}
	}

	actorID = actor(actorID)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		for _, d := range docs {
			if err := e.Repo.InsertDocument(ctx, tx, d); err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
			if err := e.Events.Append(ctx, tx, events.DocumentIngested, events.KindDocument, d.ID, actorID, events.EventPayload{
				"source": d.Source, "content_hash": d.ContentHash, "imported": true,
			}); err != nil {
				return err
			}
		}
		for _, t := range dependenciesFirst(imported) {
			if err := e.insertTaskTx(ctx, tx, t, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	if err := e.loadLocked(ctx); err != nil {
		return ImportResult{}, fmt.Errorf("reload after import: %w", err)
	}
	res.Documents, res.Tasks = len(docs), len(imported)
	e.log().Info("backup imported", "documents", res.Documents, "tasks", res.Tasks,
		"skipped_documents", res.SkippedDocuments, "skipped_tasks", res.SkippedTasks)
	return res, nil
}

// dependenciesFirst orders ts so every task follows the tasks of ts it
// depends on. The set is known to be acyclic.
func dependenciesFirst(ts []domain.Task) []domain.Task {
	byID := make(map[string]domain.Task, len(ts))
	for _, t := range ts {
		byID[t.ID] = t
	}
	done := make(map[string]bool, len(ts))
	out := make([]domain.Task, 0, len(ts))
	var visit func(t domain.Task)
	visit = func(t domain.Task) {
		if done[t.ID] {
			return
		}
		done[t.ID] = true
		for _, dep := range t.DependsOn {
			if d, ok := byID[dep]; ok {
				visit(d)
			}
		}
		out = append(out, t)
	}
	for _, t := range ts {
		visit(t)
	}
	return out
}

var taskCSVHeader = []string{
	"id", "title", "description", "status", "priority", "owner", "due_date",
	"source_document_id", "depends_on", "linked_document_ids", "created_at", "updated_at",
}

// WriteTasksCSV writes one row per task. Id lists are joined with ";".
func WriteTasksCSV(w io.Writer, ts []domain.Task) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(taskCSVHeader); err != nil {
		return err
	}
	for _, t := range ts {
		row := []string{
			t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
			deref(t.Owner), deref(t.DueDate), deref(t.SourceDocumentID),
			strings.Join(t.DependsOn, ";"), strings.Join(t.LinkedDocumentIDs, ";"),
			t.CreatedAt.UTC().Format(time.RFC3339), t.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
