package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"text2tasks/internal/config"
	"text2tasks/internal/domain"
	"text2tasks/internal/events"
	"text2tasks/internal/provider"
	"text2tasks/internal/provider/local"
	"text2tasks/internal/repo"
	"text2tasks/internal/retrieval"
	"text2tasks/internal/tasks"
)

const defaultActor = "local-user"

// Engine is the single writer over the in-memory stores. Every mutation is
// applied in memory under the write lock and then written through to SQLite
// in one transaction with its event. If the write fails the stores are
// reloaded from the database.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	Embedder  provider.Embedder
	Extractor provider.Extractor
	Answerer  provider.Answerer

	mu      sync.RWMutex
	docs    *retrieval.Store
	tasks   *tasks.Store
	graph   *tasks.Graph
	machine *tasks.Machine
}

// New builds an engine with local providers. Call Load before use.
func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Embedder:  local.NewEmbedder(cfg.Retrieval.Dimension),
		Extractor: local.Extractor{},
		Answerer:  local.Answerer{},
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

// Load hydrates the in-memory stores from the database, replacing whatever
// was loaded before.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) error {
	if e.Embedder != nil && e.Embedder.Dimensions() != e.Config.Retrieval.Dimension {
		return fmt.Errorf("embedder produces %d dimensions, config.retrieval.dimension is %d",
			e.Embedder.Dimensions(), e.Config.Retrieval.Dimension)
	}
	docs, err := retrieval.NewStore(e.Config.Retrieval.Dimension)
	if err != nil {
		return err
	}
	stored, err := e.Repo.LoadDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	for _, d := range stored {
		if err := docs.Put(d); err != nil {
			return fmt.Errorf("load document %s: %w", d.ID, err)
		}
	}
	ts := tasks.NewStore(e.now)
	rows, err := e.Repo.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range rows {
		if err := ts.Restore(t); err != nil {
			return fmt.Errorf("load task: %w", err)
		}
	}
	graph, err := tasks.Build(ts)
	if err != nil {
		return fmt.Errorf("load dependency graph: %w", err)
	}
	e.docs, e.tasks, e.graph, e.machine = docs, ts, graph, tasks.NewMachine(ts)
	e.log().Debug("engine loaded", "documents", docs.Len(), "tasks", ts.Len())
	return nil
}

func (e *Engine) ready() error {
	if e.tasks == nil || e.docs == nil {
		return errors.New("engine not loaded")
	}
	return nil
}

// commit writes through a mutation already applied in memory. On failure it
// reloads the stores so memory matches the database again.
func (e *Engine) commit(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := e.Repo.WithTx(ctx, fn)
	if err == nil {
		return nil
	}
	e.resync(ctx, err)
	return err
}

func (e *Engine) resync(ctx context.Context, cause error) {
	e.log().Warn("write failed, reloading state", "err", cause)
	if lerr := e.loadLocked(context.WithoutCancel(ctx)); lerr != nil {
		e.log().Error("reload after failed write", "err", lerr)
	}
}

func actor(id string) string {
	if id == "" {
		return defaultActor
	}
	return id
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	Title       string
	Description string
	Priority    string
	Owner       string
	DueDate     string
	DependsOn   []string
	DocumentIDs []string
	// Seed derives a stable id when ID is empty, so retries create the same task.
	Seed    string
	ActorID string
}

func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	prio, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	if err := validateDueDate(opts.DueDate); err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = newTaskID(opts.Seed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	deps := dedupe(opts.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return domain.Task{}, &domain.SelfDependencyError{TaskID: id}
		}
		if !e.tasks.Has(dep) {
			return domain.Task{}, &domain.TaskNotFoundError{ID: dep}
		}
	}
	docIDs := dedupe(opts.DocumentIDs)
	for _, d := range docIDs {
		if !e.docs.Has(d) {
			return domain.Task{}, &domain.DocNotFoundError{ID: d}
		}
	}
	created, err := e.createLocked(domain.Task{
		ID:                id,
		Title:             title,
		Description:       opts.Description,
		Priority:          prio,
		Owner:             optionalString(opts.Owner),
		DueDate:           optionalString(opts.DueDate),
		LinkedDocumentIDs: docIDs,
	}, deps)
	if err != nil {
		return domain.Task{}, err
	}
	err = e.commit(ctx, func(tx *sql.Tx) error {
		return e.insertTaskTx(ctx, tx, created, actor(opts.ActorID))
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Debug("task created", "task", created.ID, "depends_on", created.DependsOn)
	return created, nil
}

// createLocked inserts t and its edges in memory. A new task has no
// dependents, so its edges cannot close a cycle; deps must already exist.
func (e *Engine) createLocked(t domain.Task, deps []string) (domain.Task, error) {
	if _, err := e.tasks.Create(t); err != nil {
		return domain.Task{}, err
	}
	for _, dep := range deps {
		if err := e.graph.AddDependency(t.ID, dep); err != nil {
			e.resync(context.Background(), err)
			return domain.Task{}, err
		}
	}
	return e.tasks.Get(t.ID)
}

func (e *Engine) insertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task, actorID string) error {
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	for _, dep := range t.DependsOn {
		if err := e.Repo.AddDependency(ctx, tx, t.ID, dep); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	payload := events.EventPayload{"title": t.Title, "priority": t.Priority, "depends_on": t.DependsOn}
	if t.SourceDocumentID != nil {
		payload["source_document_id"] = *t.SourceDocumentID
	}
	return e.Events.Append(ctx, tx, events.TaskCreated, events.KindTask, t.ID, actorID, payload)
}

// TaskUpdateOptions changes task metadata. Nil fields are left alone; an empty
// Owner or DueDate clears it.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *string
	Owner       *string
	DueDate     *string
	LinkDocs    []string
	UnlinkDocs  []string
	ActorID     string
}

func (e *Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	var prio domain.Priority
	if opts.Priority != nil {
		p := domain.Priority(*opts.Priority)
		if !p.Valid() {
			return domain.Task{}, fmt.Errorf("invalid priority %q", *opts.Priority)
		}
		prio = p
	}
	if opts.DueDate != nil {
		if err := validateDueDate(*opts.DueDate); err != nil {
			return domain.Task{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	before, err := e.tasks.Get(opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	for _, d := range opts.LinkDocs {
		if !e.docs.Has(d) {
			return domain.Task{}, &domain.DocNotFoundError{ID: d}
		}
	}

	// Inputs are validated above, so the setters below cannot fail halfway.
	var changed []string
	apply := func(field string, fn func() (domain.Task, error)) {
		if err != nil {
			return
		}
		var t domain.Task
		if t, err = fn(); err == nil && !reflect.DeepEqual(t, before) {
			if !slices.Contains(changed, field) {
				changed = append(changed, field)
			}
			before = t
		}
	}
	if opts.Title != nil {
		apply("title", func() (domain.Task, error) { return e.tasks.SetTitle(opts.ID, strings.TrimSpace(*opts.Title)) })
	}
	if opts.Description != nil {
		apply("description", func() (domain.Task, error) { return e.tasks.SetDescription(opts.ID, *opts.Description) })
	}
	if opts.Priority != nil {
		apply("priority", func() (domain.Task, error) { return e.tasks.SetPriority(opts.ID, prio) })
	}
	if opts.Owner != nil {
		apply("owner", func() (domain.Task, error) { return e.tasks.SetOwner(opts.ID, opts.Owner) })
	}
	if opts.DueDate != nil {
		apply("due_date", func() (domain.Task, error) { return e.tasks.SetDueDate(opts.ID, opts.DueDate) })
	}
	for _, d := range opts.LinkDocs {
		apply("linked_document_ids", func() (domain.Task, error) { return e.tasks.LinkDocument(opts.ID, d) })
	}
	for _, d := range opts.UnlinkDocs {
		apply("linked_document_ids", func() (domain.Task, error) { return e.tasks.UnlinkDocument(opts.ID, d) })
	}
	if err != nil {
		e.resync(ctx, err)
		return domain.Task{}, err
	}
	updated, err := e.tasks.Get(opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(changed) == 0 {
		return updated, nil
	}
	err = e.commit(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTask(ctx, tx, updated); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TaskUpdated, events.KindTask, updated.ID, actor(opts.ActorID),
			events.EventPayload{"fields": changed})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Debug("task updated", "task", updated.ID, "fields", changed)
	return updated, nil
}

// TransitionOptions moves a task to another status.
type TransitionOptions struct {
	ID      string
	Status  string
	ActorID string
}

func (e *Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	before, err := e.tasks.Get(opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	to := domain.Status(opts.Status)
	after, err := e.machine.Transition(opts.ID, to)
	if err != nil {
		return domain.Task{}, err
	}
	if after.Status == before.Status {
		return after, nil
	}
	err = e.commit(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTask(ctx, tx, after); err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TaskStatus, events.KindTask, after.ID, actor(opts.ActorID),
			events.EventPayload{"from": before.Status, "to": after.Status})
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Debug("task status", "task", after.ID, "from", before.Status, "to", after.Status)
	return after, nil
}

// DependencyOptions names one depends-on edge.
type DependencyOptions struct {
	TaskID    string
	DependsOn string
	ActorID   string
}

func (e *Engine) AddDependency(ctx context.Context, opts DependencyOptions) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	before, err := e.tasks.Get(opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.graph.AddDependency(opts.TaskID, opts.DependsOn); err != nil {
		return domain.Task{}, err
	}
	after, err := e.tasks.Get(opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if slices.Contains(before.DependsOn, opts.DependsOn) {
		return after, nil
	}
	err = e.commit(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.AddDependency(ctx, tx, opts.TaskID, opts.DependsOn); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
		if err := e.Repo.UpdateTask(ctx, tx, after); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return e.Events.Append(ctx, tx, events.DependencyAdded, events.KindTask, opts.TaskID, actor(opts.ActorID),
			events.EventPayload{"depends_on": opts.DependsOn})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return after, nil
}

func (e *Engine) RemoveDependency(ctx context.Context, opts DependencyOptions) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	before, err := e.tasks.Get(opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.graph.RemoveDependency(opts.TaskID, opts.DependsOn); err != nil {
		return domain.Task{}, err
	}
	after, err := e.tasks.Get(opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !slices.Contains(before.DependsOn, opts.DependsOn) {
		return after, nil
	}
	err = e.commit(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.RemoveDependency(ctx, tx, opts.TaskID, opts.DependsOn); err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		if err := e.Repo.UpdateTask(ctx, tx, after); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return e.Events.Append(ctx, tx, events.DependencyRemoved, events.KindTask, opts.TaskID, actor(opts.ActorID),
			events.EventPayload{"depends_on": opts.DependsOn})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return after, nil
}

func (e *Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return domain.Task{}, err
	}
	return e.tasks.Get(id)
}

// TaskFilters narrow ListTasks. Empty fields match everything.
type TaskFilters struct {
	Status   string
	Priority string
	Owner    string
	Document string
	Limit    int
}

func (f TaskFilters) filter() (tasks.Filter, error) {
	filter := tasks.Filter{Owner: f.Owner, Document: f.Document}
	if f.Status != "" {
		st, err := domain.ParseStatus(f.Status)
		if err != nil {
			return tasks.Filter{}, err
		}
		filter.Status = st
	}
	if f.Priority != "" {
		p, err := domain.ParsePriority(f.Priority)
		if err != nil {
			return tasks.Filter{}, err
		}
		filter.Priority = p
	}
	return filter, nil
}

func (e *Engine) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	filter, err := f.filter()
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	res := e.tasks.List(filter)
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (e *Engine) Blockers(ctx context.Context, id string) ([]domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.graph.Blockers(id)
}

func (e *Engine) Dependents(ctx context.Context, id string) ([]domain.Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.graph.Dependents(id)
}

func (e *Engine) Depth(ctx context.Context, id string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.graph.Depth(id)
}

func (e *Engine) IsCriticalPath(ctx context.Context, id string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.graph.IsCriticalPath(id)
}

// Insights bundles the graph answers for one task.
type Insights struct {
	Task       domain.Task   `json:"task"`
	Blockers   []domain.Task `json:"blockers"`
	Dependents []domain.Task `json:"dependents"`
	Depth      int           `json:"depth"`
	Critical   bool          `json:"critical"`
}

func (e *Engine) Insights(ctx context.Context, id string) (Insights, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return Insights{}, err
	}
	var (
		in  Insights
		err error
	)
	if in.Task, err = e.tasks.Get(id); err != nil {
		return Insights{}, err
	}
	if in.Blockers, err = e.graph.Blockers(id); err != nil {
		return Insights{}, err
	}
	if in.Dependents, err = e.graph.Dependents(id); err != nil {
		return Insights{}, err
	}
	if in.Depth, err = e.graph.Depth(id); err != nil {
		return Insights{}, err
	}
	if in.Critical, err = e.graph.IsCriticalPath(id); err != nil {
		return Insights{}, err
	}
	return in, nil
}

// DependencyGraph returns the tasks named by ids and everything they depend
// on, or the whole graph when ids is empty.
func (e *Engine) DependencyGraph(ctx context.Context, ids ...string) (tasks.View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.ready(); err != nil {
		return tasks.View{}, err
	}
	return e.graph.View(dedupe(ids)...)
}

// StatusReport summarizes the workspace.
type StatusReport struct {
	Tasks       map[domain.Status]int `json:"tasks"`
	TotalTasks  int                   `json:"total_tasks"`
	Documents   int                   `json:"documents"`
	Critical    int                   `json:"critical"`
	Dimension   int                   `json:"dimension"`
	LastEventID int64                 `json:"last_event_id"`
}

func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	e.mu.RLock()
	if err := e.ready(); err != nil {
		e.mu.RUnlock()
		return StatusReport{}, err
	}
	rep := StatusReport{
		Tasks:      e.tasks.CountByStatus(),
		TotalTasks: e.tasks.Len(),
		Documents:  e.docs.Len(),
		Dimension:  e.docs.Dimension(),
	}
	for _, t := range e.tasks.List(tasks.Filter{}) {
		if t.Status == domain.StatusDone {
			continue
		}
		if ok, _ := e.graph.IsCriticalPath(t.ID); ok {
			rep.Critical++
		}
	}
	e.mu.RUnlock()
	last, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	rep.LastEventID = last
	return rep, nil
}

func (e *Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e *Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, limit, cursor)
}

// UpdateRetrieval swaps the ranking settings at runtime. The dimension is
// fixed for the life of the store and cannot change here.
func (e *Engine) UpdateRetrieval(r config.Retrieval) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.Dimension != e.Config.Retrieval.Dimension {
		return fmt.Errorf("retrieval.dimension cannot change at runtime (%d -> %d)", e.Config.Retrieval.Dimension, r.Dimension)
	}
	cfg := *e.Config
	cfg.Retrieval = r
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.Config = &cfg
	e.log().Info("retrieval settings reloaded", "top_k", r.TopK, "max_chars", r.MaxChars, "min_similarity", r.MinSimilarity)
	return nil
}

func newTaskID(seed string) string {
	if seed == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func validateDueDate(v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, v); err != nil {
		return fmt.Errorf("invalid due date %q: want YYYY-MM-DD", v)
	}
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
