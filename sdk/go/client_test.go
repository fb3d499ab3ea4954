package text2taskssdk

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"text2tasks/internal/config"
	"text2tasks/internal/db"
	"text2tasks/internal/engine"
	"text2tasks/internal/migrate"
	"text2tasks/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	e := engine.New(conn, config.Default())
	require.NoError(t, e.Load(ctx))
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	c.ActorID = "sdk-test"
	return c
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	require.NoError(t, c.Health(ctx))

	ing, err := c.Ingest(ctx, IngestRequest{Text: "Launch review\n- [ ] book the venue @dana !urgent"})
	require.NoError(t, err)
	require.Len(t, ing.Tasks, 1)
	venue := ing.Tasks[0]
	assert.Equal(t, "book the venue", venue.Title)
	assert.Equal(t, "urgent", venue.Priority)

	invite, err := c.CreateTask(ctx, CreateTaskRequest{Title: "Send invites", DependsOn: []string{venue.ID}})
	require.NoError(t, err)

	_, err = c.Transition(ctx, invite.ID, "done")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "dependency_not_satisfied", apiErr.Code)

	_, err = c.AddDependency(ctx, venue.ID, invite.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "cycle_detected", apiErr.Code)

	in, err := c.Insights(ctx, invite.ID)
	require.NoError(t, err)
	assert.True(t, in.Critical)
	assert.Equal(t, 1, in.Depth)
	require.Len(t, in.Blockers, 1)
	assert.Equal(t, venue.ID, in.Blockers[0].ID)

	owner := "erin"
	updated, err := c.UpdateTask(ctx, invite.ID, UpdateTaskRequest{Owner: &owner})
	require.NoError(t, err)
	require.NotNil(t, updated.Owner)
	assert.Equal(t, "erin", *updated.Owner)

	list, err := c.ListTasks(ctx, TaskFilters{Owner: "erin"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	ans, err := c.Ask(ctx, AskRequest{Question: "who books the venue"})
	require.NoError(t, err)
	assert.False(t, ans.NoContext)
	assert.Equal(t, []string{ing.Document.ID}, ans.Refs)

	evts, err := c.Events(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "sdk-test", evts[0].ActorID)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 1, st.Documents)
}

func TestClientNotFound(t *testing.T) {
	c := newClient(t)
	_, err := c.GetTask(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestClientSearchGraphAndBackup(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	schema, err := c.CreateTask(ctx, CreateTaskRequest{Title: "Migrate schema"})
	require.NoError(t, err)
	api, err := c.CreateTask(ctx, CreateTaskRequest{Title: "Expose schema API", DependsOn: []string{schema.ID}})
	require.NoError(t, err)

	found, err := c.Search(ctx, SearchOptions{Query: "schema", Kind: "tasks"})
	require.NoError(t, err)
	assert.Equal(t, 2, found.Total)
	require.Len(t, found.Tasks, 2)

	g, err := c.DependencyGraph(ctx, api.ID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.Equal(t, []GraphEdge{{Task: api.ID, DependsOn: schema.ID}}, g.Edges)
	assert.Equal(t, 1, g.MaxDepth)

	backup, err := c.Export(ctx)
	require.NoError(t, err)

	other := newClient(t)
	res, err := other.Import(ctx, backup)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Tasks: 2}, res)
	got, err := other.GetTask(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.ID}, got.DependsOn)
}
