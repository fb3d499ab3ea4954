// Package tasks owns task records and the two engines that mutate them: the
// status state machine and the dependency graph.
//
// Nothing here locks. The caller serializes writes to a Store and must not
// interleave them with reads of the same Store.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"text2tasks/internal/domain"
)

var ErrTaskExists = errors.New("task already exists")

// record is the store-owned form of a task. Set-valued fields live in maps and
// are materialized as sorted slices on read.
type record struct {
	task domain.Task
	deps map[string]struct{}
	docs map[string]struct{}
}

// Store is the keyed collection of tasks. Status changes go through Machine,
// depends-on changes go through Graph, and metadata changes go through the
// setters below.
type Store struct {
	now     func() time.Time
	records map[string]*record
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, records: make(map[string]*record)}
}

// Create inserts a new task in status new. DependsOn on the input is ignored;
// edges are added through Graph.
func (s *Store) Create(t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		return domain.Task{}, errors.New("task id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if _, ok := s.records[t.ID]; ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if !t.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("invalid priority %q", t.Priority)
	}
	now := s.now().UTC()
	t.Status = domain.StatusNew
	t.CreatedAt = now
	t.UpdatedAt = now
	r := &record{task: t.Clone(), deps: map[string]struct{}{}, docs: toSet(t.LinkedDocumentIDs)}
	r.task.DependsOn = nil
	r.task.LinkedDocumentIDs = nil
	s.records[t.ID] = r
	return r.view(), nil
}

// Restore inserts a persisted task verbatim, timestamps and edges included.
// Edges are not validated here; Build checks them.
func (s *Store) Restore(t domain.Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, ok := s.records[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}
	r := &record{task: t.Clone(), deps: toSet(t.DependsOn), docs: toSet(t.LinkedDocumentIDs)}
	r.task.DependsOn = nil
	r.task.LinkedDocumentIDs = nil
	s.records[t.ID] = r
	return nil
}

func (s *Store) Get(id string) (domain.Task, error) {
	r, err := s.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	return r.view(), nil
}

func (s *Store) Has(id string) bool {
	_, ok := s.records[id]
	return ok
}

func (s *Store) Len() int { return len(s.records) }

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status   domain.Status
	Priority domain.Priority
	Owner    string
	Document string
}

func (f Filter) match(r *record) bool {
	if f.Status != "" && r.task.Status != f.Status {
		return false
	}
	if f.Priority != "" && r.task.Priority != f.Priority {
		return false
	}
	if f.Owner != "" && (r.task.Owner == nil || *r.task.Owner != f.Owner) {
		return false
	}
	if f.Document != "" {
		if _, ok := r.docs[f.Document]; !ok {
			return false
		}
	}
	return true
}

// List returns matching tasks newest first, ties broken by id descending.
func (s *Store) List(f Filter) []domain.Task {
	out := []domain.Task{}
	for _, r := range s.records {
		if f.match(r) {
			out = append(out, r.view())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// CountByStatus returns the number of tasks per status. Every status has an entry.
func (s *Store) CountByStatus() map[domain.Status]int {
	counts := make(map[domain.Status]int, len(domain.Statuses))
	for _, st := range domain.Statuses {
		counts[st] = 0
	}
	for _, r := range s.records {
		counts[r.task.Status]++
	}
	return counts
}

func (s *Store) SetTitle(id, title string) (domain.Task, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Task{}, errors.New("title is required")
	}
	return s.update(id, func(t *domain.Task) bool {
		if t.Title == title {
			return false
		}
		t.Title = title
		return true
	})
}

func (s *Store) SetDescription(id, description string) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) bool {
		if t.Description == description {
			return false
		}
		t.Description = description
		return true
	})
}

func (s *Store) SetPriority(id string, p domain.Priority) (domain.Task, error) {
	if !p.Valid() {
		return domain.Task{}, fmt.Errorf("invalid priority %q", p)
	}
	return s.update(id, func(t *domain.Task) bool {
		if t.Priority == p {
			return false
		}
		t.Priority = p
		return true
	})
}

// SetOwner assigns the owner. nil or empty clears it.
func (s *Store) SetOwner(id string, owner *string) (domain.Task, error) {
	return s.update(id, func(t *domain.Task) bool {
		return setOptional(&t.Owner, owner)
	})
}

// SetDueDate sets the due date (YYYY-MM-DD). nil or empty clears it.
func (s *Store) SetDueDate(id string, due *string) (domain.Task, error) {
	if due != nil && *due != "" {
		if _, err := time.Parse(time.DateOnly, *due); err != nil {
			return domain.Task{}, fmt.Errorf("invalid due date %q: want YYYY-MM-DD", *due)
		}
	}
	return s.update(id, func(t *domain.Task) bool {
		return setOptional(&t.DueDate, due)
	})
}

func (s *Store) LinkDocument(id, docID string) (domain.Task, error) {
	r, err := s.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, ok := r.docs[docID]; !ok {
		r.docs[docID] = struct{}{}
		s.touch(r)
	}
	return r.view(), nil
}

func (s *Store) UnlinkDocument(id, docID string) (domain.Task, error) {
	r, err := s.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	if _, ok := r.docs[docID]; ok {
		delete(r.docs, docID)
		s.touch(r)
	}
	return r.view(), nil
}

func (s *Store) update(id string, apply func(t *domain.Task) bool) (domain.Task, error) {
	r, err := s.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	if apply(&r.task) {
		s.touch(r)
	}
	return r.view(), nil
}

func (s *Store) lookup(id string) (*record, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{ID: id}
	}
	return r, nil
}

// touch bumps updated_at, never moving it backwards.
func (s *Store) touch(r *record) {
	now := s.now().UTC()
	if now.Before(r.task.UpdatedAt) {
		now = r.task.UpdatedAt
	}
	r.task.UpdatedAt = now
}

func (s *Store) setStatus(r *record, st domain.Status) {
	r.task.Status = st
	s.touch(r)
}

// depIDs returns the direct dependencies of a record in id order.
func (r *record) depIDs() []string {
	return sortedKeys(r.deps)
}

func (r *record) view() domain.Task {
	t := r.task.Clone()
	t.DependsOn = sortedKeys(r.deps)
	t.LinkedDocumentIDs = sortedKeys(r.docs)
	return t
}

func setOptional(dst **string, v *string) bool {
	if v == nil || *v == "" {
		if *dst == nil {
			return false
		}
		*dst = nil
		return true
	}
	if *dst != nil && **dst == *v {
		return false
	}
	val := *v
	*dst = &val
	return true
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return m
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
