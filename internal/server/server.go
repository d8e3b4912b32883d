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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"agentmarket/internal/engine"
	"agentmarket/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"Cannot accept job in current phase: TRANSACTION"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"state\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError is the error envelope {error:{code,message,details}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the market API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema violations are client errors, not precondition failures
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Agent Market API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActions(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerChats(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevTokens {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps engine failures onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	f := engine.AsFailure(err)
	details := map[string]any{"kind": string(f.Kind)}
	switch f.Kind {
	case engine.FailValidation:
		return newAPIError(http.StatusBadRequest, "bad_request", f.Error(), details)
	case engine.FailAuthorization:
		return newAPIError(http.StatusForbidden, "forbidden", f.Error(), details)
	case engine.FailState:
		return newAPIError(http.StatusConflict, "invalid_state", f.Error(), details)
	case engine.FailConflict:
		return newAPIError(http.StatusConflict, "conflict", f.Error(), details)
	case engine.FailPrecondition:
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", f.Error(), details)
	case engine.FailNotFound:
		return newAPIError(http.StatusNotFound, "not_found", f.Error(), details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": f.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Agent Market API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List named actions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActionsResponse `json:"body"`
	}, error) {
		return &struct {
			Body ActionsResponse `json:"body"`
		}{Body: ActionsResponse{Actions: engine.Actions()}}, nil
	})

	// The request body is the action's argument object. Failures are part of
	// the envelope, so this always answers 200 once the caller is authenticated.
	huma.Register(api, huma.Operation{
		OperationID: "run-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action}",
		Summary:     "Run a named action as the authenticated agent",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Action string `path:"action"`
	}) (*struct {
		Body engine.Result `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := e.Dispatch(ctx, agentID, input.Action, json.RawMessage(bodyBytes(ctx)))
		return &struct {
			Body engine.Result `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List providers other than the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProvidersResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := e.Find(ctx, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvidersResponse `json:"body"`
		}{Body: ProvidersResponse{Items: nonNilSlice(list)}}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		agents, err := e.Repo.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Items: nonNilSlice(agents)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-state",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/state",
		Summary:     "Wallet, inventory, jobs and chat notifications of an agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body engine.AgentState `json:"body"`
	}, error) {
		st, err := e.State(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AgentState `json:"body"`
		}{Body: st}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Phase   string `query:"phase" enum:"REQUEST,NEGOTIATION,TRANSACTION,EVALUATION,COMPLETE,REJECTED"`
		Active  bool   `query:"active"`
	}) (*struct {
		Body JobsResponse `json:"body"`
	}, error) {
		jobs, err := e.Repo.ListJobs(ctx, nil, repo.JobFilters{AgentID: input.AgentID, Phase: input.Phase, Active: input.Active})
		if err != nil {
			return nil, handleError(err)
		}
		resp := JobsResponse{Items: []JobResponse{}}
		for _, j := range jobs {
			item, err := e.Repo.GetJobItem(ctx, nil, j.ID)
			if err != nil {
				return nil, handleError(fmt.Errorf("item for %s: %w", j.ID, err))
			}
			resp.Items = append(resp.Items, JobResponse{Job: j, Item: item})
		}
		return &struct {
			Body JobsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, nil, input.JobID)
		if err != nil {
			return nil, notFoundOr(err, "Job %s not found", input.JobID)
		}
		item, err := e.Repo.GetJobItem(ctx, nil, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j, Item: item}}, nil
	})
}

func registerChats(api huma.API, e engine.Engine) {
	// Listing messages does not mark the chat read; agents use the read action for that.
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/chats/{chat_id}/messages",
		Summary:     "List chat messages without marking them read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChatID string `path:"chat_id"`
	}) (*struct {
		Body MessagesResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		chat, err := e.Repo.GetChat(ctx, nil, input.ChatID)
		if err != nil {
			return nil, notFoundOr(err, "Chat %s not found", input.ChatID)
		}
		if !chat.Participant(agentID) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "You are not a participant in this chat", nil)
		}
		msgs, err := e.Repo.ListMessages(ctx, nil, chat.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessagesResponse `json:"body"`
		}{Body: MessagesResponse{ChatID: chat.ID, Items: nonNilSlice(msgs)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events newest first, or oldest first after a given id",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		JobID      string `query:"job_id"`
		AgentID    string `query:"agent_id"`
		EntityKind string `query:"entity_kind" enum:"job,chat,wallet,inventory,agent"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		After      string `query:"after"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		filters := repo.EventFilters{
			JobID:      input.JobID,
			AgentID:    input.AgentID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		}
		resp := paginatedEvents{Items: []EventResponse{}}

		if input.After != "" {
			after, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil || after < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid after", map[string]any{"after": input.After})
			}
			items, err := e.Repo.EventsAfter(ctx, limit, after, filters)
			if err != nil {
				return nil, handleError(err)
			}
			next := after
			for _, evt := range items {
				resp.Items = append(resp.Items, eventResponse(evt))
				next = evt.ID
			}
			resp.NextCursor = strconv.FormatInt(next, 10)
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}

		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, filters)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Action counters by name and outcome",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: MetricsResponse{Actions: nonNilSlice(e.Metrics.Snapshot())}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-api-key",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/api-keys",
		Summary:     "Issue an API key for the calling agent",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string              `path:"agent_id"`
		Body    CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		if err := requireSelf(ctx, input.AgentID); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetAgent(ctx, nil, input.AgentID); err != nil {
			return nil, notFoundOr(err, "Agent %s not found", input.AgentID)
		}
		plain, key, err := e.Repo.IssueAPIKey(ctx, input.AgentID, strings.TrimSpace(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{APIKeyResponse: apiKeyResponse(key), Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/api-keys",
		Summary:     "List API keys of the calling agent",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireSelf(ctx, input.AgentID); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}/api-keys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		KeyID   string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requireSelf(ctx, input.AgentID); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range keys {
			if k.ID == input.KeyID {
				owned = true
			}
		}
		if !owned {
			return nil, newAPIError(http.StatusNotFound, "not_found", "API key not found", nil)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, notFoundOr(err, "API key %s not found", input.KeyID)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.AgentID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{AgentID: p.AgentID, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for an agent",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		agent := strings.TrimSpace(input.Body.AgentID)
		if agent == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, agent, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
	})
}

func requireSelf(ctx context.Context, agentID string) huma.StatusError {
	caller, authErr := agentIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	if caller != agentID {
		return newAPIError(http.StatusForbidden, "forbidden", "agents may only manage their own keys", nil)
	}
	return nil
}

func notFoundOr(err error, format string, args ...any) huma.StatusError {
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf(format, args...), nil)
	}
	return handleError(err)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
