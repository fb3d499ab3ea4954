package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"text2tasks/internal/domain"
	"text2tasks/internal/engine"
	"text2tasks/internal/repo"
	"text2tasks/internal/tasks"
)

// ActorHeader names the caller recorded on events. Requests without it act
// as the default local user.
const ActorHeader = "X-Actor-Id"

const maxImportBytes = 64 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition done -> blocked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"pending\":[\"a1\"]}"`
}

type requestKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the text2tasks API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request validation failures are caller mistakes.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		})
	})
	hcfg := huma.DefaultConfig("text2tasks API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerAsk(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSearch(group, cfg.Engine)
	registerBackup(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	var (
		se          huma.StatusError
		notFound    *domain.TaskNotFoundError
		docNotFound *domain.DocNotFoundError
		illegal     *domain.IllegalTransitionError
		pending     *domain.DependencyNotSatisfiedError
		cycle       *domain.CycleDetectedError
		self        *domain.SelfDependencyError
		dimension   *domain.InvalidVectorDimensionError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.As(err, &notFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"task_id": notFound.ID})
	case errors.As(err, &docNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"document_id": docNotFound.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &illegal):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{"from": illegal.From, "to": illegal.To})
	case errors.As(err, &pending):
		return newAPIError(http.StatusConflict, "dependency_not_satisfied", err.Error(), map[string]any{"task_id": pending.TaskID, "pending": pending.Pending})
	case errors.As(err, &cycle):
		return newAPIError(http.StatusConflict, "cycle_detected", err.Error(), map[string]any{"task_id": cycle.TaskID, "depends_on": cycle.DependsOn})
	case errors.Is(err, tasks.ErrTaskExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &self):
		return newAPIError(http.StatusBadRequest, "self_dependency", err.Error(), map[string]any{"task_id": self.TaskID})
	case errors.As(err, &dimension):
		return newAPIError(http.StatusBadRequest, "invalid_vector_dimension", err.Error(), map[string]any{"want": dimension.Want, "got": dimension.Got})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// actorFromContext returns the caller named by ActorHeader, or "" for the default actor.
func actorFromContext(ctx context.Context) string {
	if h, ok := ctx.(interface{ Header(string) string }); ok {
		if v := strings.TrimSpace(h.Header(ActorHeader)); v != "" {
			return v
		}
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		return strings.TrimSpace(req.Header.Get(ActorHeader))
	}
	return ""
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	serve := func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	}
	r.Get(specPath, serve)
	if specPath != "/openapi.json" {
		r.Get("/openapi.json", serve)
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>text2tasks API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Send X-Actor-Id to attribute changes in the event log.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		rep, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(rep)}, nil
	})
}

func registerDocuments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Ingest a document and extract tasks",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestDocumentRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", map[string]any{"field": "text"})
		}
		extract := true
		if input.Body.ExtractTasks != nil {
			extract = *input.Body.ExtractTasks
		}
		res, err := e.IngestDocument(ctx, engine.IngestOptions{
			Text:         input.Body.Text,
			Source:       input.Body.Source,
			Vector:       input.Body.Vector,
			ExtractTasks: extract,
			ActorID:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: ingestResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedDocuments `json:"body"`
	}, error) {
		docs, err := e.ListDocuments(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDocuments{Items: make([]DocumentResponse, 0, len(docs))}
		for _, d := range docs {
			resp.Items = append(resp.Items, documentResponse(d))
		}
		return &struct {
			Body paginatedDocuments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})
}

func registerAsk(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ask",
		Method:      http.MethodPost,
		Path:        "/ask",
		Summary:     "Answer a question from stored documents",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AskRequest `json:"body"`
	}) (*struct {
		Body AskResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Question) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "question is required", map[string]any{"field": "question"})
		}
		res, err := e.Ask(ctx, engine.AskOptions{
			Question:      input.Body.Question,
			TopK:          input.Body.TopK,
			MaxChars:      input.Body.MaxChars,
			MinSimilarity: input.Body.MinSimilarity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AskResponse `json:"body"`
		}{Body: askResponse(res)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Priority:    stringOrEmpty(input.Body.Priority),
			Owner:       stringOrEmpty(input.Body.Owner),
			DueDate:     stringOrEmpty(input.Body.DueDate),
			DependsOn:   input.Body.DependsOn,
			DocumentIDs: input.Body.DocumentIDs,
			ActorID:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"new,in_progress,blocked,done"`
		Priority string `query:"priority" enum:"low,medium,high,urgent"`
		Owner    string `query:"owner"`
		Document string `query:"document_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, engine.TaskFilters{
			Status:   input.Status,
			Priority: input.Priority,
			Owner:    input.Owner,
			Document: input.Document,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task metadata",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Owner:       input.Body.Owner,
			DueDate:     input.Body.DueDate,
			LinkDocs:    input.Body.LinkDocs,
			UnlinkDocs:  input.Body.UnlinkDocs,
			ActorID:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/transition",
		Summary:     "Move a task to another status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Transition(ctx, engine.TransitionOptions{
			ID:      input.ID,
			Status:  input.Body.Status,
			ActorID: actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-insights",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/insights",
		Summary:     "Blockers, dependents, depth and critical path flag",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InsightsResponse `json:"body"`
	}, error) {
		in, err := e.Insights(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InsightsResponse `json:"body"`
		}{Body: insightsResponse(in)}, nil
	})
}

func registerDependencies(api huma.API, e *engine.Engine) {
	type depPath struct {
		ID    string `path:"id"`
		DepID string `path:"dep_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "add-dependency",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/dependencies/{dep_id}",
		Summary:     "Make a task depend on another",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *depPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.AddDependency(ctx, engine.DependencyOptions{
			TaskID:    input.ID,
			DependsOn: input.DepID,
			ActorID:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-dependency",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/dependencies/{dep_id}",
		Summary:     "Remove a dependency edge",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *depPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.RemoveDependency(ctx, engine.DependencyOptions{
			TaskID:    input.ID,
			DependsOn: input.DepID,
			ActorID:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dependency-graph",
		Method:      http.MethodGet,
		Path:        "/dependencies/graph",
		Summary:     "Dependency graph, whole or below the given tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskIDs string `query:"task_ids" doc:"Comma separated task ids"`
	}) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		var ids []string
		for _, id := range strings.Split(input.TaskIDs, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		v, err := e.DependencyGraph(ctx, ids...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: graphResponse(v)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,document"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSearch(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "search",
		Method:      http.MethodGet,
		Path:        "/search",
		Summary:     "Keyword search over tasks and documents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Query    string `query:"q" required:"true" minLength:"1"`
		Kind     string `query:"kind" enum:"all,tasks,documents" default:"all"`
		Limit    int    `query:"limit" default:"30"`
		Status   string `query:"status" enum:"new,in_progress,blocked,done"`
		Priority string `query:"priority" enum:"low,medium,high,urgent"`
		Owner    string `query:"owner"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		res, err := e.Search(ctx, engine.SearchOptions{
			Query: input.Query,
			Kind:  input.Kind,
			Limit: normalizeLimit(input.Limit),
			Filters: engine.TaskFilters{
				Status:   input.Status,
				Priority: input.Priority,
				Owner:    input.Owner,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: searchResponse(res)}, nil
	})
}

func registerBackup(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export",
		Method:      http.MethodGet,
		Path:        "/export",
		Summary:     "Full backup of documents, vectors and tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Backup `json:"body"`
	}, error) {
		b, err := e.Export(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Backup `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-tasks-csv",
		Method:      http.MethodGet,
		Path:        "/export/tasks.csv",
		Summary:     "Tasks as CSV",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"new,in_progress,blocked,done"`
		Priority string `query:"priority" enum:"low,medium,high,urgent"`
		Owner    string `query:"owner"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		items, err := e.ListTasks(ctx, engine.TaskFilters{
			Status:   input.Status,
			Priority: input.Priority,
			Owner:    input.Owner,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var buf strings.Builder
		if err := engine.WriteTasksCSV(&buf, items); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "text/csv; charset=utf-8",
			ContentDisposition: `attachment; filename="tasks.csv"`,
			Body:               []byte(buf.String()),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "import",
		Method:       http.MethodPost,
		Path:         "/import",
		Summary:      "Merge a backup into the workspace",
		MaxBodyBytes: maxImportBytes,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body engine.Backup `json:"body"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		res, err := e.Import(ctx, input.Body, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse(res)}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
