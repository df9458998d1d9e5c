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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"opex/internal/approval"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/links"
	"opex/internal/migrate"
	"opex/internal/repo"
	"opex/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Sessions session.Store
	Links    links.Builder
	Public   PublicConfig
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_current_approver"`
	Message string         `json:"message" example:"you are not the current approver of this request"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"request_id\":\"3f1c\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the opex API and the public
// decision-link route.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewMemoryStore()
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
	router.Use(middleware.RequestID)
	router.Use(accessLog(cfg.Log))
	router.Use(middleware.Recoverer)
	router.Use(limitBody(maxBodyBytes))
	router.Use(newPublicLimiter(cfg.Public).middleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Sessions))
	hcfg := huma.DefaultConfig("Opex API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerPublicDecision(api, cfg.Engine, cfg.Links)
	registerApprovers(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerActionItems(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerSessionAuth(group, cfg.Engine, cfg.Auth, cfg.Sessions)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	switch {
	case errors.Is(err, approval.ErrRequestNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, approval.ErrAlreadyFinalized):
		return newAPIError(http.StatusConflict, "already_finalized", err.Error(), nil)
	case errors.Is(err, approval.ErrNotCurrentApprover):
		// the expected address is never echoed back
		return newAPIError(http.StatusForbidden, "not_current_approver", "you are not the current approver of this request", nil)
	case errors.Is(err, approval.ErrPersistenceConflict):
		return newAPIError(http.StatusConflict, "persistence_conflict", err.Error(), nil)
	case errors.Is(err, approval.ErrInvalidAction):
		return newAPIError(http.StatusBadRequest, "invalid_action", err.Error(), nil)
	case errors.Is(err, links.ErrInvalidToken):
		return newAPIError(http.StatusUnauthorized, "invalid_token", "decision link is invalid or expired", nil)
	case errors.Is(err, session.ErrNotFound):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "session expired", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			// path only: decision links carry addresses and tokens in the query
			log.Info().
				Str("req_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Opex API</title>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="docs"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>SwaggerUIBundle({url: %q, dom_id: "#docs", persistAuthorization: true});</script>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// Accepted credentials, in the order the auth middleware tries them.
var securitySchemes = []struct {
	name   string
	scheme *huma.SecurityScheme
}{
	{"bearer", &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}},
	{"apiKey", &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}},
	{"session", &huma.SecurityScheme{Type: "apiKey", In: "cookie", Name: session.CookieName}},
}

// decorateOpenAPI documents the error envelope on every operation and marks
// which operations need credentials.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	var anyOf []map[string][]string
	for _, s := range securitySchemes {
		oas.Components.SecuritySchemes[s.name] = s.scheme
		anyOf = append(anyOf, map[string][]string{s.name: {}})
	}
	oas.Security = anyOf

	anonymous := map[string]bool{}
	for _, p := range publicPaths(basePath) {
		anonymous[p] = true
	}
	envelope := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = envelope
			if anonymous[route] || strings.HasPrefix(route, "/public/") {
				op.Security = []map[string][]string{}
			} else {
				op.Security = anyOf
			}
		}
	}
}

type HealthResponse struct {
	Status        string `json:"status" enum:"ok,degraded"`
	Database      string `json:"database"`
	SchemaVersion int    `json:"schema_version"`
}

// registerHealth reports the process as degraded, not down, when the
// database is unreachable so probes can tell the two apart.
func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := HealthResponse{Status: "ok", Database: string(e.Repo.Dialect)}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := e.DB.PingContext(pingCtx); err != nil {
			out.Status = "degraded"
		} else if v, err := migrate.Version(e.DB); err == nil {
			out.SchemaVersion = v
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: out}, nil
	})
}

const maxBodyBytes = 1 << 20

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
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

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
