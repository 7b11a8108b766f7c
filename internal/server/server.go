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

	"gateline/internal/domain"
	"gateline/internal/escalate"
	"gateline/internal/governance"
	"gateline/internal/guard"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   governance.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_blocked"`
	Message string         `json:"message" example:"gate score below threshold"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"score\":60}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerGate(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerPreflight(group, cfg.Engine)
	registerGuard(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerRequirements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "no gate configured"),
		strings.Contains(lowered, "terminal phase"):
		return newAPIError(http.StatusConflict, "no_transition", msg, nil)
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
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
    <title>Gateline API Docs</title>
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

func registerStatus(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountWorkItemsByPhase(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		queue := e.Tracker.Queue(ctx)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"engine_id":           e.Config.Engine.ID,
			"phase_counts":        counts,
			"pending_escalations": len(queue.Items),
			"overdue_escalations": queue.OverdueCount,
		}}, nil
	})
}

func registerItems(api huma.API, e governance.Engine) {
	type itemPath struct {
		ItemID string `path:"item_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := e.CreateWorkItem(ctx, governance.WorkItemCreateOptions{
			ID:          strPtrValue(input.Body.ID),
			Title:       input.Body.Title,
			Description: strPtrValue(input.Body.Description),
			Scope:       strPtrValue(input.Body.Scope),
			Type:        input.Body.Type,
			ParentID:    strPtrValue(input.Body.ParentID),
			Attrs:       input.Body.Attrs,
			ActorID:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Phase  string `query:"phase"`
		Type   string `query:"type"`
		Parent string `query:"parent"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body struct {
			Items []WorkItemResponse `json:"items"`
		} `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			Status: input.Status,
			Phase:  input.Phase,
			Type:   input.Type,
			Parent: input.Parent,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []WorkItemResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapWorkItems(items)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Set work item status",
	}, func(ctx context.Context, input *struct {
		itemPath
		Force bool `query:"force"`
		Body  SetStatusRequest
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		w, err := e.SetStatus(ctx, input.ItemID, input.Body.Status, actor, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-gate-results",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/gate-results",
		Summary:     "Gate evaluation history",
	}, func(ctx context.Context, input *struct {
		itemPath
		Limit int `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body struct {
			Results []domain.GateResult `json:"results"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		results, err := e.Repo.ListGateResults(ctx, input.ItemID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Results []domain.GateResult `json:"results"`
			} `json:"body"`
		}{}
		out.Body.Results = results
		if out.Body.Results == nil {
			out.Body.Results = []domain.GateResult{}
		}
		return out, nil
	})
}

func registerGate(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/advance",
		Summary:     "Evaluate the phase gate and optionally advance",
		Description: "Scores the gate guarding the item's current phase. A failed gate routes a failure event through pattern detection; set apply=true to advance on pass.",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   AdvanceRequest
	}) (*struct {
		Body governance.Report `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		rep, err := e.EvaluateTransition(ctx, governance.TransitionRequest{
			WorkItemID: input.ItemID,
			Evidence:   toEvidence(input.Body.Evidence),
			ActorID:    actor,
			Apply:      input.Body.Apply,
			Force:      input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body governance.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEscalations(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "escalation-queue",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "Pending escalations ordered by SLA urgency",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body escalate.Queue `json:"body"`
	}, error) {
		q := e.Tracker.Queue(ctx)
		return &struct {
			Body escalate.Queue `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-decision",
		Method:      http.MethodPost,
		Path:        "/escalations/{decision_id}/resolve",
		Summary:     "Resolve a pending escalation decision",
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		if err := e.ResolveDecision(ctx, input.DecisionID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": input.DecisionID, "status": "resolved"}}, nil
	})
}

func registerPreflight(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preflight",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/preflight",
		Summary:     "Coordinator preflight check",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body governance.PreflightReport `json:"body"`
	}, error) {
		rep, err := e.Preflight(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body governance.PreflightReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerGuard(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "guard-check",
		Method:      http.MethodPost,
		Path:        "/guard/check",
		Summary:     "Assess an operation against persistence rules",
	}, func(ctx context.Context, input *struct {
		Body GuardCheckRequest
	}) (*struct {
		Body guard.Assessment `json:"body"`
	}, error) {
		op, err := guardOperation(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		a := e.Guard.Validate(ctx, op)
		return &struct {
			Body guard.Assessment `json:"body"`
		}{Body: a}, nil
	})
}

func guardOperation(req GuardCheckRequest) (guard.Operation, error) {
	switch req.Operation {
	case "create-record":
		return guard.CreateRecord{WorkItemID: req.WorkItemID, RecordKind: req.RecordKind, Narrative: req.Narrative}, nil
	case "create-artifact-file":
		return guard.CreateArtifactFile{WorkItemID: req.WorkItemID, TargetPath: req.TargetPath}, nil
	case "check-duplicate":
		return guard.CheckDuplicate{WorkItemID: req.WorkItemID, RecordKind: req.RecordKind}, nil
	case "check-store-compliance":
		return guard.CheckStoreCompliance{}, nil
	case "comprehensive":
		return guard.Comprehensive{
			WorkItemID: req.WorkItemID,
			RecordKind: req.RecordKind,
			TargetPath: req.TargetPath,
			Narrative:  req.Narrative,
		}, nil
	default:
		return nil, fmt.Errorf("invalid guard operation %q", req.Operation)
	}
}

func registerHandoffs(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-handoff",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/handoffs",
		Summary:       "Create a handoff record through the guard",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   CreateHandoffRequest
	}) (*struct {
		Body struct {
			Handoff    *domain.Handoff  `json:"handoff,omitempty"`
			Assessment guard.Assessment `json:"assessment"`
		} `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		h, a, err := e.CreateHandoff(ctx, governance.HandoffCreateOptions{
			WorkItemID: input.ItemID,
			Kind:       input.Body.Kind,
			Narrative:  input.Body.Narrative,
			ActorID:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Handoff    *domain.Handoff  `json:"handoff,omitempty"`
				Assessment guard.Assessment `json:"assessment"`
			} `json:"body"`
		}{}
		out.Body.Assessment = a
		if a.Verdict != guard.VerdictBlocked {
			out.Body.Handoff = &h
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/handoffs",
		Summary:     "List handoffs for a work item",
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body struct {
			Handoffs []domain.Handoff `json:"handoffs"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkItem(ctx, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		hs, err := e.Repo.ListHandoffs(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Handoffs []domain.Handoff `json:"handoffs"`
			} `json:"body"`
		}{}
		out.Body.Handoffs = hs
		if out.Body.Handoffs == nil {
			out.Body.Handoffs = []domain.Handoff{}
		}
		return out, nil
	})
}

func registerRequirements(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-requirement",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/requirements",
		Summary:       "Attach a requirements document",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   AttachRequirementRequest
	}) (*struct {
		Body domain.RequirementDoc `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requirement body is required", nil)
		}
		d, err := e.AttachRequirementDoc(ctx, input.ItemID, input.Body.Body, input.Body.DocRef, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RequirementDoc `json:"body"`
		}{Body: d}, nil
	})
}

func registerEvents(api huma.API, e governance.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after" doc:"Return events with id greater than this cursor"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		var (
			evts []domain.Event
			err  error
		)
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, input.Limit, input.After)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = evts
		if out.Body.Events == nil {
			out.Body.Events = []domain.Event{}
		}
		return out, nil
	})
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
