package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"text2tasks/internal/config"
	"text2tasks/internal/db"
	"text2tasks/internal/engine"
	"text2tasks/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retrieval.Dimension = 64
	e := engine.New(conn, cfg)
	if err := e.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (s *testServer) createTask(t *testing.T, title string, deps ...string) TaskResponse {
	t.Helper()
	body := map[string]any{"title": title}
	if len(deps) > 0 {
		body["depends_on"] = deps
	}
	res, data := doJSON(t, s.client, http.MethodPost, s.URL+"/v1/tasks", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	return created
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"ok"`) {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	for _, p := range []string{"/v1/tasks/{id}/transition", "/v1/tasks/{id}/dependencies/{dep_id}", "/v1/ask"} {
		if !strings.Contains(string(data), p) {
			t.Fatalf("openapi missing %s", p)
		}
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs: %d", res.StatusCode)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	dep := srv.createTask(t, "Write report")
	task := srv.createTask(t, "Send report", dep.ID)
	if len(task.DependsOn) != 1 || task.DependsOn[0] != dep.ID {
		t.Fatalf("unexpected depends_on: %v", task.DependsOn)
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", map[string]any{"status": "done"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "dependency_not_satisfied" {
		t.Fatalf("unexpected code %s", apiErr.Code)
	}
	pending, _ := apiErr.Details["pending"].([]any)
	if len(pending) != 1 || pending[0] != dep.ID {
		t.Fatalf("unexpected pending: %v", apiErr.Details)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+dep.ID+"/transition", map[string]any{"status": "done"}, map[string]string{ActorHeader: "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dep done: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", map[string]any{"status": "done"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task done: %d %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" {
		t.Fatalf("expected done, got %s", done.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", map[string]any{"status": "blocked"}, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?entity_id="+dep.ID+"&type=task.status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].ActorID != "alice" {
		t.Fatalf("unexpected events: %+v", evts.Items)
	}
}

func TestDependencyErrors(t *testing.T) {
	srv := newTestServer(t)
	a := srv.createTask(t, "A")
	b := srv.createTask(t, "B", a.ID)

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/tasks/"+a.ID+"/dependencies/"+b.ID, nil, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "cycle_detected" {
		t.Fatalf("expected cycle_detected, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/tasks/"+a.ID+"/dependencies/"+a.ID, nil, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "self_dependency" {
		t.Fatalf("expected self_dependency, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/tasks/"+a.ID+"/dependencies/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodDelete, srv.URL+"/v1/tasks/"+b.ID+"/dependencies/"+a.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove dependency: %d %s", res.StatusCode, string(data))
	}
	var updated TaskResponse
	_ = json.Unmarshal(data, &updated)
	if len(updated.DependsOn) != 0 {
		t.Fatalf("expected no dependencies, got %v", updated.DependsOn)
	}
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/tasks/"+a.ID+"/dependencies/"+b.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add reversed dependency: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/"+b.ID+"/insights", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("insights: %d %s", res.StatusCode, string(data))
	}
	var in InsightsResponse
	_ = json.Unmarshal(data, &in)
	if len(in.Dependents) != 1 || in.Dependents[0].ID != a.ID || in.Depth != 0 || in.Critical {
		t.Fatalf("unexpected insights: %+v", in)
	}
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "  "}, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "bad_request" {
		t.Fatalf("expected bad_request, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "x", "due_date": "tomorrow"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for due date, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{"text": "hello", "vector": []float32{1, 0}}, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "invalid_vector_dimension" {
		t.Fatalf("expected invalid_vector_dimension, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestUpdateTaskMetadata(t *testing.T) {
	srv := newTestServer(t)
	task := srv.createTask(t, "Draft")
	res, data := doJSON(t, srv.client, http.MethodPatch, srv.URL+"/v1/tasks/"+task.ID, map[string]any{
		"title":    "Final",
		"priority": "urgent",
		"owner":    "bob",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(data))
	}
	var updated TaskResponse
	_ = json.Unmarshal(data, &updated)
	if updated.Title != "Final" || updated.Priority != "urgent" || updated.Owner == nil || *updated.Owner != "bob" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks?owner=bob&priority=urgent", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list paginatedTasks
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != task.ID {
		t.Fatalf("unexpected list: %+v", list.Items)
	}
}

func TestIngestAndAsk(t *testing.T) {
	srv := newTestServer(t)
	text := "Quarterly planning notes\nTODO: prepare the budget draft @carol due:2024-03-01 !high\nThe budget review happens in March."
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{"text": text, "source": "meeting"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var ing IngestResponse
	_ = json.Unmarshal(data, &ing)
	if ing.Duplicate || len(ing.Tasks) != 1 {
		t.Fatalf("unexpected ingest: %+v", ing)
	}
	if ing.Tasks[0].SourceDocumentID == nil || *ing.Tasks[0].SourceDocumentID != ing.Document.ID {
		t.Fatalf("task not linked to document: %+v", ing.Tasks[0])
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{"text": text}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("re-ingest: %d %s", res.StatusCode, string(data))
	}
	var again IngestResponse
	_ = json.Unmarshal(data, &again)
	if !again.Duplicate || again.Document.ID != ing.Document.ID {
		t.Fatalf("expected duplicate of %s, got %+v", ing.Document.ID, again)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/documents/"+ing.Document.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get document: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/ask", map[string]any{"question": "when is the budget review"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ask: %d %s", res.StatusCode, string(data))
	}
	var ans AskResponse
	_ = json.Unmarshal(data, &ans)
	if ans.NoContext || len(ans.Refs) != 1 || ans.Refs[0] != ing.Document.ID {
		t.Fatalf("unexpected answer: %+v", ans)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var st StatusResponse
	_ = json.Unmarshal(data, &st)
	if st.Documents != 1 || st.TotalTasks != 1 || st.Tasks["new"] != 1 || st.Dimension != 64 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, title := range []string{"one", "two", "three"} {
		srv.createTask(t, title)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?limit=2&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("unexpected second page: %+v", next)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	for i, b := range bodies {
		if !bytes.Equal(b, bodies[0]) || !strings.Contains(string(b), "/v1/dependencies/graph") {
			t.Fatalf("response %d differs or misses the graph route", i)
		}
	}
}

func TestSearchOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	text := "Vendor sync\nTODO: renew the vendor contract @erin\nLunch was fine."
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/documents", map[string]any{"text": text, "source": "sync"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	srv.createTask(t, "Order lunch")

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/search?q=vendor+contract", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search: %d %s", res.StatusCode, string(data))
	}
	var found SearchResponse
	_ = json.Unmarshal(data, &found)
	if len(found.Tasks) != 1 || len(found.Documents) != 1 || found.Total != 2 {
		t.Fatalf("unexpected search result: %+v", found)
	}
	if !strings.Contains(strings.ToLower(found.Documents[0].Snippet), "vendor") {
		t.Fatalf("snippet misses match: %q", found.Documents[0].Snippet)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/search?q=vendor&kind=documents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search documents: %d %s", res.StatusCode, string(data))
	}
	found = SearchResponse{}
	_ = json.Unmarshal(data, &found)
	if len(found.Tasks) != 0 || len(found.Documents) != 1 {
		t.Fatalf("kind filter ignored: %+v", found)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/search", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without q, got %d %s", res.StatusCode, string(data))
	}
}

func TestDependencyGraphOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	schema := srv.createTask(t, "Schema")
	api := srv.createTask(t, "API", schema.ID)
	srv.createTask(t, "Unrelated")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dependencies/graph", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("graph: %d %s", res.StatusCode, string(data))
	}
	var g GraphResponse
	_ = json.Unmarshal(data, &g)
	if len(g.Nodes) != 3 || len(g.Edges) != 1 || g.MaxDepth != 1 {
		t.Fatalf("unexpected graph: %+v", g)
	}
	if g.Edges[0].Task != api.ID || g.Edges[0].DependsOn != schema.ID {
		t.Fatalf("unexpected edge: %+v", g.Edges[0])
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dependencies/graph?task_ids="+api.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("subgraph: %d %s", res.StatusCode, string(data))
	}
	g = GraphResponse{}
	_ = json.Unmarshal(data, &g)
	if len(g.Nodes) != 2 || len(g.Roots) != 1 || g.Roots[0] != schema.ID || len(g.Leaves) != 1 || g.Leaves[0] != api.ID {
		t.Fatalf("unexpected subgraph: %+v", g)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/dependencies/graph?task_ids=ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestExportImportOverHTTP(t *testing.T) {
	src := newTestServer(t)
	res, data := doJSON(t, src.client, http.MethodPost, src.URL+"/v1/documents", map[string]any{"text": "Standup\nTODO: fix the login bug !urgent"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("ingest: %d %s", res.StatusCode, string(data))
	}
	var ing IngestResponse
	_ = json.Unmarshal(data, &ing)
	follow := src.createTask(t, "Release hotfix", ing.Tasks[0].ID)

	res, data = doJSON(t, src.client, http.MethodGet, src.URL+"/v1/export/tasks.csv?priority=urgent", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.HasPrefix(res.Header.Get("Content-Type"), "text/csv") {
		t.Fatalf("csv: %d %s %s", res.StatusCode, res.Header.Get("Content-Type"), string(data))
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 || !strings.HasPrefix(lines[0], "id,title") {
		t.Fatalf("unexpected csv: %q", string(data))
	}

	res, data = doJSON(t, src.client, http.MethodGet, src.URL+"/v1/export", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", res.StatusCode, string(data))
	}
	var backup engine.Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if len(backup.Documents) != 1 || len(backup.Tasks) != 2 || len(backup.Documents[0].Vector) != 64 {
		t.Fatalf("unexpected backup: %d documents, %d tasks", len(backup.Documents), len(backup.Tasks))
	}

	dst := newTestServer(t)
	res, data = doJSON(t, dst.client, http.MethodPost, dst.URL+"/v1/import", backup, map[string]string{ActorHeader: "restorer"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, string(data))
	}
	var imported ImportResponse
	_ = json.Unmarshal(data, &imported)
	if imported.Documents != 1 || imported.Tasks != 2 {
		t.Fatalf("unexpected import result: %+v", imported)
	}
	res, data = doJSON(t, dst.client, http.MethodGet, dst.URL+"/v1/tasks/"+follow.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get imported task: %d %s", res.StatusCode, string(data))
	}
	var got TaskResponse
	_ = json.Unmarshal(data, &got)
	if len(got.DependsOn) != 1 || got.DependsOn[0] != ing.Tasks[0].ID {
		t.Fatalf("dependencies lost: %+v", got)
	}

	res, data = doJSON(t, dst.client, http.MethodPost, dst.URL+"/v1/import", backup, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("re-import: %d %s", res.StatusCode, string(data))
	}
	imported = ImportResponse{}
	_ = json.Unmarshal(data, &imported)
	if imported.Tasks != 0 || imported.SkippedTasks != 2 || imported.SkippedDocuments != 1 {
		t.Fatalf("re-import should skip everything: %+v", imported)
	}

	backup.Version = 99
	res, data = doJSON(t, dst.client, http.MethodPost, dst.URL+"/v1/import", backup, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for version, got %d %s", res.StatusCode, string(data))
	}
}

type captured struct {
	event     string
	delivery  string
	signature string
	body      []byte
}

func TestWebhookDispatcherDelivers(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu  sync.Mutex
		got []captured
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{
			event:     r.Header.Get(HeaderEvent),
			delivery:  r.Header.Get(HeaderDelivery),
			signature: r.Header.Get(HeaderSignature),
			body:      body,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv.createTask(t, "before start")
	d := NewWebhookDispatcher(srv.Engine, []config.Webhook{{URL: hook.URL, Events: []string{"task.status"}, Secret: "s3cret"}}, nil)
	ctx := context.Background()
	d.Poll(ctx)

	task := srv.createTask(t, "after start")
	if _, err := srv.Engine.Transition(ctx, engine.TransitionOptions{ID: task.ID, Status: "in_progress"}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	d.Poll(ctx)
	d.Poll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].event != "task.status" || got[0].delivery == "" {
		t.Fatalf("unexpected headers: %+v", got[0])
	}
	if got[0].signature != Sign("s3cret", got[0].body) {
		t.Fatalf("bad signature %s", got[0].signature)
	}
	var evt webhookEvent
	if err := json.Unmarshal(got[0].body, &evt); err != nil {
		t.Fatalf("unmarshal delivery: %v", err)
	}
	if evt.EntityID != task.ID || !strings.Contains(string(evt.Payload), `"in_progress"`) {
		t.Fatalf("unexpected delivery: %+v", evt)
	}
}

func TestWebhookDispatcherRetriesAndStops(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu    sync.Mutex
		calls int
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine, []config.Webhook{{URL: hook.URL}}, nil)
	d.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	d.Poll(ctx)
	srv.createTask(t, "retry me")

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a retry, got %d calls", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls)
	}
}
