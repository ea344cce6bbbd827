package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/lifecycle"
	"crewline/internal/repo"
)

// Config for the HTTP handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	// WebhookSecret authenticates the record system's notifications.
	WebhookSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unauthorized"`
	Message string         `json:"message" example:"authentication required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the webhook boundary, the completion
// link endpoint and the admin API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	router.Post("/hooks/crm", handleWebhook(cfg.Engine, cfg.WebhookSecret))
	router.Get("/complete", handleComplete(cfg.Engine))

	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerPosts(group, cfg.Engine)
	registerReconcile(group, cfg.Engine)
	registerEvents(group, cfg.Repo)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

type statusBody struct {
	Stats         engine.Stats `json:"stats"`
	Teams         int          `json:"teams"`
	ReferenceZone string       `json:"reference_zone"`
	DedupEnabled  bool         `json:"dedup_enabled"`
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Engine status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusBody `json:"body"`
	}, error) {
		return &struct {
			Body statusBody `json:"body"`
		}{Body: statusBody{
			Stats:         e.Stats(),
			Teams:         len(e.Config.Teams),
			ReferenceZone: e.Config.Timezone.Reference,
			DedupEnabled:  e.Config.DedupEnabled(),
		}}, nil
	})
}

type teamBody struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
}

func registerTeams(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "teams-list",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List configured crews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []teamBody `json:"body"`
	}, error) {
		out := make([]teamBody, 0, len(e.Config.Teams))
		for _, t := range e.Config.Teams {
			out = append(out, teamBody{ID: t.ID, Name: t.Name, Channel: t.Channel})
		}
		return &struct {
			Body []teamBody `json:"body"`
		}{Body: out}, nil
	})
}

type postBody struct {
	ActivityID string           `json:"activity_id"`
	Record     lifecycle.Record `json:"record"`
}

func registerPosts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "posts-list",
		Method:      http.MethodGet,
		Path:        "/posts",
		Summary:     "List tracked channel posts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []postBody `json:"body"`
	}, error) {
		records := e.Posts.Records()
		out := make([]postBody, 0, len(records))
		for id, rec := range records {
			out = append(out, postBody{ActivityID: id, Record: rec})
		}
		return &struct {
			Body []postBody `json:"body"`
		}{Body: out}, nil
	})
}

type reconcileRequest struct {
	Body struct {
		// OffsetDays selects the target date: 0 for today, N for the
		// look-ahead runner.
		OffsetDays int `json:"offset_days" minimum:"0" maximum:"30"`
	} `json:"body"`
}

func registerReconcile(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Reconcile all open activities",
	}, func(ctx context.Context, input *reconcileRequest) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		n, err := e.RunForDate(ctx, input.Body.OffsetDays)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", "reconcile failed", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"activities": n, "target": e.TargetDate(input.Body.OffsetDays)}}, nil
	})
}

type eventsQuery struct {
	After int64 `query:"after" minimum:"0"`
	Limit int   `query:"limit" minimum:"0" maximum:"500"`
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "events-list",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the audit log",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if r.DB == nil {
			return nil, newAPIError(http.StatusNotFound, "", "audit log not configured", nil)
		}
		evts, err := r.EventsAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", "read events", nil)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
