package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"text2tasks/internal/domain"
)

// stepClock advances by one minute on every call.
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newTestStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	clk := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewStore(clk.Now), clk
}

func mustCreate(t *testing.T, s *Store, id string, opts ...func(*domain.Task)) domain.Task {
	t.Helper()
	task := domain.Task{ID: id, Title: "task " + id}
	for _, o := range opts {
		o(&task)
	}
	created, err := s.Create(task)
	require.NoError(t, err)
	return created
}

func withPriority(p domain.Priority) func(*domain.Task) {
	return func(t *domain.Task) { t.Priority = p }
}

func TestCreateDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	task := mustCreate(t, s, "a")
	assert.Equal(t, domain.StatusNew, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
	assert.Equal(t, []string{}, task.DependsOn)

	_, err := s.Create(domain.Task{ID: "a", Title: "again"})
	assert.ErrorIs(t, err, ErrTaskExists)

	_, err = s.Create(domain.Task{ID: "b", Title: "  "})
	assert.Error(t, err)

	_, err = s.Create(domain.Task{ID: "c", Title: "x", Priority: "critical"})
	assert.Error(t, err)
}

func TestCreateIgnoresStatusAndDependsOn(t *testing.T) {
	s, _ := newTestStore(t)
	task, err := s.Create(domain.Task{ID: "a", Title: "x", Status: domain.StatusDone, DependsOn: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, task.Status)
	assert.Empty(t, task.DependsOn)
}

func TestSettersBumpUpdatedAt(t *testing.T) {
	s, _ := newTestStore(t)
	task := mustCreate(t, s, "a")
	owner := "lan"
	due := "2024-02-01"

	steps := []struct {
		name string
		fn   func() (domain.Task, error)
	}{
		{"title", func() (domain.Task, error) { return s.SetTitle("a", "renamed") }},
		{"description", func() (domain.Task, error) { return s.SetDescription("a", "details") }},
		{"priority", func() (domain.Task, error) { return s.SetPriority("a", domain.PriorityUrgent) }},
		{"owner", func() (domain.Task, error) { return s.SetOwner("a", &owner) }},
		{"due", func() (domain.Task, error) { return s.SetDueDate("a", &due) }},
		{"link", func() (domain.Task, error) { return s.LinkDocument("a", "doc-1") }},
		{"unlink", func() (domain.Task, error) { return s.UnlinkDocument("a", "doc-1") }},
	}
	prev := task.UpdatedAt
	for _, st := range steps {
		got, err := st.fn()
		require.NoError(t, err, st.name)
		assert.True(t, got.UpdatedAt.After(prev), st.name)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt), st.name)
		prev = got.UpdatedAt
	}

	final, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", final.Title)
	assert.Equal(t, domain.PriorityUrgent, final.Priority)
	assert.Equal(t, "lan", *final.Owner)
	assert.Equal(t, "2024-02-01", *final.DueDate)
	assert.Empty(t, final.LinkedDocumentIDs)
}

func TestSetterWithSameValueIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	task := mustCreate(t, s, "a")
	got, err := s.SetPriority("a", domain.PriorityMedium)
	require.NoError(t, err)
	assert.Equal(t, task.UpdatedAt, got.UpdatedAt)

	got, err = s.SetOwner("a", nil)
	require.NoError(t, err)
	assert.Equal(t, task.UpdatedAt, got.UpdatedAt)
}

func TestSetterValidation(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, "a")
	bad := "next friday"
	_, err := s.SetDueDate("a", &bad)
	assert.Error(t, err)
	_, err = s.SetPriority("a", "p0")
	assert.Error(t, err)
	_, err = s.SetTitle("a", "")
	assert.Error(t, err)
	_, err = s.SetTitle("missing", "x")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(func() time.Time { return now })
	mustCreate(t, s, "a")
	now = now.Add(-time.Hour)
	got, err := s.SetTitle("a", "clock went back")
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	mustCreate(t, s, "a")
	got, err := s.Get("a")
	require.NoError(t, err)
	got.Title = "mutated"
	got.Status = domain.StatusDone
	again, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "task a", again.Title)
	assert.Equal(t, domain.StatusNew, again.Status)
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	owner := "minh"
	mustCreate(t, s, "a", withPriority(domain.PriorityHigh))
	mustCreate(t, s, "b")
	mustCreate(t, s, "c", func(t *domain.Task) { t.Owner = &owner; t.LinkedDocumentIDs = []string{"d1"} })

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	assert.Len(t, s.List(Filter{Priority: domain.PriorityHigh}), 1)
	assert.Len(t, s.List(Filter{Owner: "minh"}), 1)
	assert.Len(t, s.List(Filter{Document: "d1"}), 1)
	assert.Len(t, s.List(Filter{Status: domain.StatusDone}), 0)

	counts := s.CountByStatus()
	assert.Equal(t, 3, counts[domain.StatusNew])
	assert.Equal(t, 0, counts[domain.StatusDone])
}

func TestRestoreKeepsPersistedFields(t *testing.T) {
	s, _ := newTestStore(t)
	created := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	err := s.Restore(domain.Task{
		ID: "r", Title: "restored", Status: domain.StatusBlocked, Priority: domain.PriorityLow,
		DependsOn: []string{"x"}, CreatedAt: created, UpdatedAt: created.Add(time.Hour),
	})
	require.NoError(t, err)
	got, err := s.Get("r")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, got.Status)
	assert.Equal(t, []string{"x"}, got.DependsOn)
	assert.Equal(t, created, got.CreatedAt)

	assert.Error(t, s.Restore(domain.Task{ID: "bad", Status: "review", Priority: domain.PriorityLow}))
}
