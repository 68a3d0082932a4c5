package server

import (
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

	"flowrequest/internal/ai"
	"flowrequest/internal/domain"
	"flowrequest/internal/engine"
	"flowrequest/internal/repo"
	"flowrequest/internal/roster"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"flow not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the FlowRequest API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("FlowRequest API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDecompose(group, cfg.Engine)
	registerFlows(group, cfg.Engine)
	registerInbound(group, cfg.Engine)
	registerTeam(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerAnalyses(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrReplyNotAllowed) || errors.Is(err, engine.ErrToggleNotAllowed) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotFlowCreator) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrUserHasOpenWork) {
		return newAPIError(http.StatusConflict, "user_has_open_work", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "could not be resolved"),
		strings.Contains(lowered, "no sub-requests"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>FlowRequest API Docs</title>
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

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerDecompose(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decompose",
		Method:      http.MethodPost,
		Path:        "/decompose",
		Summary:     "Break an input down into task proposals",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DecomposeRequest `json:"body"`
	}) (*struct {
		Body BreakdownResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		image, err := imageFromRequest(input.Body.ImageBase64, input.Body.ImageMimeType)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.Decompose(ctx, input.Body.Input, image, userID)
		if err != nil {
			return nil, handleError(err)
		}
		res := BreakdownResponse{Title: b.Title}
		for _, s := range b.Subtasks {
			res.Subtasks = append(res.Subtasks, ProposalRequest{
				Title:       s.Title,
				Description: s.Description,
				TaskType:    s.TaskType,
				RoleKey:     s.RoleKey,
				Broadcast:   s.Scope == ai.ScopeAllOfRole,
				Urgent:      s.SuggestedDeadline == "URGENT",
			})
		}
		return &struct {
			Body BreakdownResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/flows",
		Summary:       "Create and dispatch a flow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateFlowRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.FlowCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Tags:        input.Body.Tags,
			CreatorID:   userID,
		}
		for _, p := range input.Body.Proposals {
			due := p.DueDate
			if due == "" && p.Urgent {
				due = e.DueDate(true)
			}
			opts.Proposals = append(opts.Proposals, roster.Proposal{
				Title:       p.Title,
				Description: p.Description,
				TaskType:    p.TaskType,
				RoleKey:     p.RoleKey,
				AssigneeID:  p.AssigneeID,
				Broadcast:   p.Broadcast,
				DueDate:     due,
			})
		}
		f, err := e.CreateFlow(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flows for the dashboard",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		View   string `query:"view" enum:"mine,team" default:"mine"`
		Bucket string `query:"bucket" enum:"to_action,active,archive,all" default:"all"`
		Search string `query:"q"`
		Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []FlowResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		flows, err := e.ListFlows(ctx, engine.ListOptions{
			ViewerID: userID,
			View:     input.View,
			Bucket:   input.Bucket,
			Search:   input.Search,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now()
		res := make([]FlowResponse, 0, len(flows))
		for _, f := range flows {
			res = append(res, flowResponse(f, e.IsStale(f, userID, now)))
		}
		return &struct {
			Body []FlowResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get flow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.Repo.GetFlow(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f, e.IsStale(f, userID, e.Now()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-reply",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/sub_requests/{sub_id}/reply",
		Summary:     "Record an assignee reply",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		FlowID string       `path:"flow_id"`
		SubID  string       `path:"sub_id"`
		Body   ReplyRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		f, err := e.RecordReply(ctx, input.FlowID, input.SubID, input.Body.Text, input.Body.Verdict, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-approval",
		Method:      http.MethodPost,
		Path:        "/flows/{flow_id}/sub_requests/{sub_id}/toggle",
		Summary:     "Toggle a sub-request between DONE and SENT",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
		SubID  string `path:"sub_id"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.ToggleApproval(ctx, input.FlowID, input.SubID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f, false)}, nil
	})
}

func registerInbound(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "inbound-reply",
		Method:      http.MethodPost,
		Path:        "/inbound",
		Summary:     "Ingest an inbound e-mail reply",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body InboundRequest `json:"body"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.FlowID == "" || input.Body.SenderEmail == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "flow_id and sender_email are required", nil)
		}
		f, err := e.RecordInboundReply(ctx, input.Body.FlowID, input.Body.SenderEmail, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(f, false)}, nil
	})
}

func registerTeam(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-team",
		Method:      http.MethodGet,
		Path:        "/team",
		Summary:     "List team directory",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]UserResponse, 0, len(users))
		for _, u := range users {
			res = append(res, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-team-member",
		Method:        http.MethodPost,
		Path:          "/team",
		Summary:       "Add team member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.AddUser(ctx, userFromRequest(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team-member",
		Method:      http.MethodPut,
		Path:        "/team/{user_id}",
		Summary:     "Update team member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string      `path:"user_id"`
		Body   UserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		u := userFromRequest(input.Body)
		u.ID = input.UserID
		u, err := e.UpdateUser(ctx, u, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-team-member",
		Method:      http.MethodDelete,
		Path:        "/team/{user_id}",
		Summary:     "Remove team member",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveUser(ctx, input.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List delegation rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MappingResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		mappings, err := e.Repo.ListMappings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]MappingResponse, 0, len(mappings))
		for _, m := range mappings {
			res = append(res, mappingResponse(m))
		}
		return &struct {
			Body []MappingResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upsert-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create or replace a delegation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body MappingRequest `json:"body"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpsertMapping(ctx, mappingFromRequest(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: mappingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{mapping_id}",
		Summary:     "Delete a delegation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MappingID string `path:"mapping_id"`
	}) (*struct{}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMapping(ctx, input.MappingID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-keyword",
		Method:      http.MethodPost,
		Path:        "/rules/{mapping_id}/keywords",
		Summary:     "Add a keyword to a rule group",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MappingID string         `path:"mapping_id"`
		Body      KeywordRequest `json:"body"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AddKeyword(ctx, input.MappingID, input.Body.Group, input.Body.Keyword, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: mappingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-keyword",
		Method:      http.MethodDelete,
		Path:        "/rules/{mapping_id}/keywords",
		Summary:     "Remove a keyword from a rule group",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MappingID string `path:"mapping_id"`
		Group     string `query:"group"`
		Keyword   string `query:"keyword"`
	}) (*struct {
		Body MappingResponse `json:"body"`
	}, error) {
		actorID, authErr := requireAdmin(ctx, e.Repo)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RemoveKeyword(ctx, input.MappingID, input.Group, input.Keyword, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MappingResponse `json:"body"`
		}{Body: mappingResponse(m)}, nil
	})
}

func registerAnalyses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-analysis",
		Method:      http.MethodPost,
		Path:        "/analyses",
		Summary:     "Run a standalone analysis",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RunAnalysisRequest `json:"body"`
	}) (*struct {
		Body struct {
			Content string            `json:"content"`
			Saved   *AnalysisResponse `json:"saved,omitempty"`
		} `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		image, err := imageFromRequest(input.Body.ImageBase64, input.Body.ImageMimeType)
		if err != nil {
			return nil, handleError(err)
		}
		content, saved, err := e.RunAnalysis(ctx, input.Body.Input, image, input.Body.Title, userID, input.Body.Save)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Content string            `json:"content"`
				Saved   *AnalysisResponse `json:"saved,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Content = content
		if saved != nil {
			r := analysisResponse(*saved)
			out.Body.Saved = &r
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-analyses",
		Method:      http.MethodGet,
		Path:        "/analyses",
		Summary:     "List saved analyses",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AnalysisResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAnalyses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AnalysisResponse, 0, len(items))
		for _, a := range items {
			res = append(res, analysisResponse(a))
		}
		return &struct {
			Body []AnalysisResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-analysis",
		Method:      http.MethodGet,
		Path:        "/analyses/{analysis_id}",
		Summary:     "Get a saved analysis",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AnalysisID string `path:"analysis_id"`
	}) (*struct {
		Body AnalysisResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAnalysis(ctx, input.AnalysisID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalysisResponse `json:"body"`
		}{Body: analysisResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-analysis",
		Method:      http.MethodDelete,
		Path:        "/analyses/{analysis_id}",
		Summary:     "Delete a saved analysis",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AnalysisID string `path:"analysis_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAnalysis(ctx, input.AnalysisID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
		FlowID     string `query:"flow_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.FlowID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out.Body.Items = append(out.Body.Items, eventResponse(evt))
		}
		if len(items) == input.Limit && len(items) > 0 {
			out.Body.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return out, nil
	})
}

func userFromRequest(r UserRequest) domain.User {
	return domain.User{
		ID:      r.ID,
		Name:    r.Name,
		Email:   r.Email,
		Role:    r.Role,
		RoleKey: r.RoleKey,
		IsAdmin: r.IsAdmin,
	}
}

func mappingFromRequest(r MappingRequest) domain.RoleMapping {
	m := domain.RoleMapping{ID: r.ID, Role: r.Role}
	for _, g := range r.Groups {
		m.Groups = append(m.Groups, domain.KeywordGroup{Name: g.Name, Keywords: g.Keywords})
	}
	return m
}

func imageFromRequest(data, mimeType string) (*ai.Image, error) {
	if data == "" {
		return nil, nil
	}
	if mimeType == "" {
		return nil, errors.New("image_mime_type is required with image_base64")
	}
	return &ai.Image{Data: data, MimeType: mimeType}, nil
}
