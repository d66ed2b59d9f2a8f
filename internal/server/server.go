package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"finrisk/internal/domain"
	"finrisk/internal/engine"
	"finrisk/internal/repo"
	"finrisk/internal/retrieval"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_operation"`
	Message string         `json:"message" example:"required checkpoints cannot be skipped"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the study API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request decoding errors are 400 bad_request; 422 is reserved
			// for checkpoint payload validation.
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
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("FinRisk Study API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerDefinitions(group, cfg.Engine)
	registerSynthetic(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if data, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return data
	}
	return nil
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
	if err == nil {
		return nil
	}
	var upstream *engine.UpstreamError
	if errors.As(err, &upstream) {
		return newAPIError(upstream.StatusCode, "upstream_error", upstream.Message, nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrRetryLimit):
		return newAPIError(http.StatusConflict, "retry_limit_exceeded", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidOperation):
		return newAPIError(http.StatusBadRequest, "invalid_operation", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

// validationFailedError shapes the 422 returned for a rejected checkpoint
// submission. Each issue keeps its field key so the form can annotate inline.
func validationFailedError(outcome engine.SubmitOutcome) huma.StatusError {
	issues := make([]map[string]string, 0, len(outcome.Issues))
	for _, issue := range outcome.Issues {
		issues = append(issues, map[string]string{"key": issue.Key, "message": issue.Message})
	}
	return newAPIError(http.StatusUnprocessableEntity, "validation_failed",
		"Checkpoint submission validation failed", map[string]any{
			"issues":          issues,
			"attempt_count":   outcome.Instance.AttemptCount,
			"max_retries":     outcome.Definition.MaxRetries,
			"retry_available": outcome.RetryAvailable(),
		})
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>FinRisk Study API Docs</title>
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

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a study session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ParticipantID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "participant_id is required", nil)
		}
		state, err := e.StartSession(ctx, input.Body.ParticipantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		state, err := e.GetSessionState(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-session-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/next-phase",
		Summary:     "Advance session to the next phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		state, err := e.NextPhase(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/complete",
		Summary:     "Complete a session",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		session, err := e.CompleteSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: session}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/query",
		Summary:     "Run retrieval for a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"task_id"`
		Body   QueryTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.QueryTask(ctx, input.TaskID, input.Body.Query)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-task-summary",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/generate",
		Summary:     "Generate the risk summary",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   GenerateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.GenerateTask(ctx, input.TaskID, input.Body.SelectedNodeIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-task-nodes",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/select-nodes",
		Summary:     "Record node triage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   SelectNodesRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		order := input.Body.SelectionOrder
		if len(order) == 0 {
			order = input.Body.SelectedNodeIDs
		}
		task, err := e.SelectNodes(ctx, input.TaskID, input.Body.SelectedNodeIDs, input.Body.RejectedNodeIDs, order)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-task-summary",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/edit-summary",
		Summary:     "Store the participant's edited summary",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   EditSummaryRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		task, err := e.EditSummary(ctx, input.TaskID, input.Body.EditedText, input.Body.FlaggedSpans)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete a task",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.CompleteTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-checkpoints",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/checkpoints",
		Summary:     "Resolve checkpoints at a pipeline position",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID   string `path:"task_id"`
		Position string `query:"pipeline_position" enum:"after_retrieval,after_generation,post_generation"`
	}) (*struct {
		Body []CheckpointInstanceResponse `json:"body"`
	}, error) {
		position := domain.PipelinePosition(input.Position)
		if !position.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid pipeline_position %q", input.Position), nil)
		}
		resolved, err := e.ResolveCheckpoints(ctx, input.TaskID, position)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CheckpointInstanceResponse `json:"body"`
		}{Body: mapInstances(resolved)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/checkpoints/{instance_id}",
		Summary:     "Get checkpoint instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID     string `path:"task_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body CheckpointInstanceResponse `json:"body"`
	}, error) {
		cp, err := e.GetInstance(ctx, input.TaskID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointInstanceResponse `json:"body"`
		}{Body: instanceResponse(cp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-checkpoint",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoints/{instance_id}/submit",
		Summary:     "Submit checkpoint data",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID     string                  `path:"task_id"`
		InstanceID string                  `path:"instance_id"`
		Body       SubmitCheckpointRequest `json:"body"`
	}) (*struct {
		Body CheckpointInstanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		payload := input.Body.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		outcome, err := e.Submit(ctx, input.TaskID, input.InstanceID, payload)
		if err != nil {
			return nil, handleError(err)
		}
		if !outcome.Accepted() {
			return nil, validationFailedError(outcome)
		}
		return &struct {
			Body CheckpointInstanceResponse `json:"body"`
		}{Body: instanceResponse(engine.ResolvedCheckpoint{Definition: outcome.Definition, Instance: outcome.Instance})}, nil
	})

	registerCheckpointTransition(api, "skip-checkpoint", "skip", "Skip an optional checkpoint", e.Skip)
	registerCheckpointTransition(api, "retry-checkpoint", "retry", "Retry a failed checkpoint", e.Retry)
	registerCheckpointTransition(api, "timeout-checkpoint", "timeout", "Expire an unattended checkpoint", e.Timeout)
}

func registerCheckpointTransition(api huma.API, opID, action, summary string, fn func(context.Context, string, string) (engine.ResolvedCheckpoint, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/checkpoints/{instance_id}/" + action,
		Summary:     summary,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID     string `path:"task_id"`
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body CheckpointInstanceResponse `json:"body"`
	}, error) {
		cp, err := fn(ctx, input.TaskID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckpointInstanceResponse `json:"body"`
		}{Body: instanceResponse(cp)}, nil
	})
}

func registerDefinitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-definitions",
		Method:      http.MethodGet,
		Path:        "/checkpoint-definitions",
		Summary:     "List checkpoint definitions",
	}, func(ctx context.Context, input *struct {
		EnabledOnly bool `query:"enabled_only"`
	}) (*struct {
		Body []domain.CheckpointDefinition `json:"body"`
	}, error) {
		defs, err := e.ListDefinitions(ctx, input.EnabledOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CheckpointDefinition `json:"body"`
		}{Body: nonNilSlice(defs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-definition",
		Method:        http.MethodPost,
		Path:          "/checkpoint-definitions",
		Summary:       "Create checkpoint definition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.CheckpointDefinition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := engine.DefinitionCreateOptions{
			ControlType:                 input.Body.ControlType,
			Label:                       input.Body.Label,
			FieldSchema:                 input.Body.FieldSchema,
			PipelinePosition:            domain.PipelinePosition(input.Body.PipelinePosition),
			ApplicableModes:             input.Body.ApplicableModes,
			TimeoutSeconds:              input.Body.TimeoutSeconds,
			MaxRetries:                  input.Body.MaxRetries,
			CircuitBreakerThreshold:     input.Body.CircuitBreakerThreshold,
			CircuitBreakerWindowMinutes: input.Body.CircuitBreakerWindowMinutes,
			Enabled:                     input.Body.Enabled,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.SortOrder != nil {
			opts.SortOrder = *input.Body.SortOrder
		}
		if input.Body.Required != nil {
			opts.Required = *input.Body.Required
		}
		def, err := e.CreateDefinition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CheckpointDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-definition",
		Method:      http.MethodGet,
		Path:        "/checkpoint-definitions/{id}",
		Summary:     "Get checkpoint definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CheckpointDefinition `json:"body"`
	}, error) {
		def, err := e.GetDefinition(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CheckpointDefinition `json:"body"`
		}{Body: def}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-definition",
		Method:      http.MethodPatch,
		Path:        "/checkpoint-definitions/{id}",
		Summary:     "Update checkpoint definition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UpdateDefinitionRequest `json:"body"`
	}) (*struct {
		Body domain.CheckpointDefinition `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var bodyMap map[string]json.RawMessage
		_ = json.Unmarshal(bodyBytes(ctx), &bodyMap)
		opts := engine.DefinitionUpdateOptions{
			Label:                       input.Body.Label,
			Description:                 input.Body.Description,
			FieldSchema:                 input.Body.FieldSchema,
			SortOrder:                   input.Body.SortOrder,
			ApplicableModes:             input.Body.ApplicableModes,
			Required:                    input.Body.Required,
			MaxRetries:                  input.Body.MaxRetries,
			CircuitBreakerThreshold:     input.Body.CircuitBreakerThreshold,
			CircuitBreakerWindowMinutes: input.Body.CircuitBreakerWindowMinutes,
			Enabled:                     input.Body.Enabled,
		}
		if input.Body.PipelinePosition != nil {
			position := domain.PipelinePosition(*input.Body.PipelinePosition)
			opts.PipelinePosition = &position
		}
		if raw, ok := bodyMap["timeout_seconds"]; ok {
			if string(raw) == "null" {
				opts.ClearTimeout = true
			} else {
				opts.TimeoutSeconds = input.Body.TimeoutSeconds
			}
		}
		def, err := e.UpdateDefinition(ctx, input.ID, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CheckpointDefinition `json:"body"`
		}{Body: def}, nil
	})

	registerDefinitionToggle(api, e, "enable-definition", "enable", "Enable checkpoint definition", true)
	registerDefinitionToggle(api, e, "disable-definition", "disable", "Disable checkpoint definition", false)
}

func registerDefinitionToggle(api huma.API, e engine.Engine, opID, action, summary string, enabled bool) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/checkpoint-definitions/{id}/" + action,
		Summary:     summary,
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CheckpointDefinition `json:"body"`
	}, error) {
		def, err := e.SetDefinitionEnabled(ctx, input.ID, enabled)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CheckpointDefinition `json:"body"`
		}{Body: def}, nil
	})
}

func registerSynthetic(api huma.API, e engine.Engine) {
	synthetic := retrieval.NewSynthetic(e.Config)

	huma.Register(api, huma.Operation{
		OperationID: "synthetic-retrieve",
		Method:      http.MethodPost,
		Path:        "/synthetic/retrieve",
		Summary:     "Standalone mock retrieval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SyntheticRetrieveRequest `json:"body"`
	}) (*struct {
		Body retrieval.SyntheticRetrieveResult `json:"body"`
	}, error) {
		if input.Body.Ticker == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ticker is required", nil)
		}
		result, err := synthetic.Retrieve(input.Body.Ticker, input.Body.Query, input.Body.Scenario)
		if err != nil {
			var mockErr *retrieval.MockError
			if errors.As(err, &mockErr) {
				return nil, newAPIError(mockErr.StatusCode, "upstream_error", mockErr.Message, nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body retrieval.SyntheticRetrieveResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "synthetic-generate",
		Method:      http.MethodPost,
		Path:        "/synthetic/generate",
		Summary:     "Standalone mock generation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SyntheticGenerateRequest `json:"body"`
	}) (*struct {
		Body retrieval.SyntheticGenerateResult `json:"body"`
	}, error) {
		if input.Body.Ticker == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ticker is required", nil)
		}
		result := synthetic.Generate(input.Body.Ticker, input.Body.Query, input.Body.RetrievalID, input.Body.Scenario, input.Body.Nodes)
		return &struct {
			Body retrieval.SyntheticGenerateResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SessionID  string `query:"session_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.SessionID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if n := len(items); n > 0 && n == normalizeEventLimit(input.Limit) {
			resp.NextCursor = fmt.Sprintf("%d", items[n-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeEventLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
