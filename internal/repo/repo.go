package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"text2tasks/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const timeLayout = time.RFC3339Nano

// WithTx runs fn inside a transaction and commits if it returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

// Documents

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	vec, err := json.Marshal(d.Vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO documents(id,text,source,summary,content_hash,vector_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.Text, nullable(d.Source), nullable(d.Summary), d.ContentHash, string(vec), formatTime(d.CreatedAt))
	return err
}

// LoadDocuments returns every document with its vector, oldest first.
func (r Repo) LoadDocuments(ctx context.Context) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,text,COALESCE(source,''),COALESCE(summary,''),content_hash,vector_json,created_at FROM documents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var (
			d       domain.Document
			vec     string
			created string
		)
		if err := rows.Scan(&d.ID, &d.Text, &d.Source, &d.Summary, &d.ContentHash, &vec, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vec), &d.Vector); err != nil {
			return nil, fmt.Errorf("document %s: decode vector: %w", d.ID, err)
		}
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Tasks

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,title,description,status,priority,owner,due_date,source_document_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), string(t.Status), string(t.Priority), nullableStringPtr(t.Owner),
		nullableStringPtr(t.DueDate), nullableStringPtr(t.SourceDocumentID), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return err
	}
	return r.ReplaceTaskDocuments(ctx, tx, t.ID, t.LinkedDocumentIDs)
}

// UpdateTask rewrites the mutable columns of a task and its document links.
// Dependency rows are written separately.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?,description=?,status=?,priority=?,owner=?,due_date=?,updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), string(t.Status), string(t.Priority), nullableStringPtr(t.Owner),
		nullableStringPtr(t.DueDate), formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.ReplaceTaskDocuments(ctx, tx, t.ID, t.LinkedDocumentIDs)
}

func (r Repo) ReplaceTaskDocuments(ctx context.Context, tx *sql.Tx, taskID string, docIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_docs WHERE task_id=?`, taskID); err != nil {
		return err
	}
	for _, d := range docIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_docs(task_id,document_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

func (r Repo) RemoveDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_id=?`, taskID, dependsOn)
	return err
}

// LoadTasks returns every task with its dependency and document sets filled in.
func (r Repo) LoadTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,COALESCE(description,''),status,priority,owner,due_date,source_document_id,created_at,updated_at FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		res   []domain.Task
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			t                 domain.Task
			status, priority  string
			owner, due, srcID sql.NullString
			created, updated  string
		)
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &owner, &due, &srcID, &created, &updated); err != nil {
			return nil, err
		}
		t.Status = domain.Status(status)
		t.Priority = domain.Priority(priority)
		t.Owner = stringPtr(owner)
		t.DueDate = stringPtr(due)
		t.SourceDocumentID = stringPtr(srcID)
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		index[t.ID] = len(res)
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := r.eachPair(ctx, `SELECT task_id,depends_on_id FROM task_deps ORDER BY task_id, depends_on_id`, func(task, dep string) {
		if i, ok := index[task]; ok {
			res[i].DependsOn = append(res[i].DependsOn, dep)
		}
	}); err != nil {
		return nil, err
	}
	if err := r.eachPair(ctx, `SELECT task_id,document_id FROM task_docs ORDER BY task_id, document_id`, func(task, doc string) {
		if i, ok := index[task]; ok {
			res[i].LinkedDocumentIDs = append(res[i].LinkedDocumentIDs, doc)
		}
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) eachPair(ctx context.Context, query string, fn func(a, b string)) error {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return err
		}
		fn(a, b)
	}
	return rows.Err()
}

// Events

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	// Before returns only events with an id lower than the cursor.
	Before int64
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
