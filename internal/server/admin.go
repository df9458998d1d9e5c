package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/session"
)

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List approval rules",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []approval.Rule `json:"body"`
	}, error) {
		items, err := e.ListRules(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []approval.Rule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Add an approval rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body approval.Rule `json:"body"`
	}, error) {
		rule, err := e.AddRule(ctx, input.Body.rule())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body approval.Rule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/rules/{id}",
		Summary:       "Remove an approval rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.RemoveRule(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-rules",
		Method:      http.MethodPost,
		Path:        "/rules/preview",
		Summary:     "Role list the active rules produce for the given attributes",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PreviewRulesRequest `json:"body"`
	}) (*struct {
		Body PreviewRulesResponse `json:"body"`
	}, error) {
		if err := auth.Require(ctx, e.Access, domain.FormCleaning, "create"); err != nil {
			return nil, handleError(err)
		}
		req := domain.Request{Store: input.Body.Store, Category: input.Body.Category, Attributes: input.Body.Attributes}
		roles, err := e.PreviewRoles(ctx, req.RuleContext())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewRulesResponse `json:"body"`
		}{Body: PreviewRulesResponse{Roles: nonNilSlice(roles)}}, nil
	})
}

func registerActionItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-action-item",
		Method:        http.MethodPost,
		Path:          "/action-items",
		Summary:       "Record an action-plan item with a deadline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateActionItemRequest `json:"body"`
	}) (*struct {
		Body domain.ActionItem `json:"body"`
	}, error) {
		deadline, err := time.Parse(time.RFC3339, strings.TrimSpace(input.Body.Deadline))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deadline must be RFC3339", map[string]any{"deadline": input.Body.Deadline})
		}
		item, err := e.CreateActionItem(ctx, engine.ActionItemOptions{
			RequestID:  input.Body.RequestID,
			Store:      input.Body.Store,
			Title:      input.Body.Title,
			OwnerName:  input.Body.OwnerName,
			OwnerEmail: input.Body.OwnerEmail,
			Deadline:   deadline,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-items",
		Method:      http.MethodGet,
		Path:        "/action-items",
		Summary:     "List action-plan items",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" doc:"open or done"`
		Overdue bool   `query:"overdue"`
	}) (*struct {
		Body []domain.ActionItem `json:"body"`
	}, error) {
		items, err := e.ListActionItems(ctx, input.Status, input.Overdue)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionItem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action-item",
		Method:      http.MethodPost,
		Path:        "/action-items/{id}/complete",
		Summary:     "Complete an action item and resolve its escalation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ActionItem `json:"body"`
	}, error) {
		item, err := e.CompleteActionItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"open or resolved"`
		Kind   string `query:"kind" doc:"request or action_item"`
	}) (*struct {
		Body []domain.Escalation `json:"body"`
	}, error) {
		items, err := e.ListEscalations(ctx, input.Status, input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Escalation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-escalations",
		Method:      http.MethodPost,
		Path:        "/escalations/sweep",
		Summary:     "Run the escalation sweep now",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SweepReport `json:"body"`
	}, error) {
		report, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SweepReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		perms := principal.Permissions
		if c, ok := e.Access.(auth.Checker); ok {
			perms = c.Permissions(principal)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: whoAmI(principal, perms)}, nil
	})
}

func registerSessionAuth(api huma.API, e engine.Engine, authCfg AuthConfig, sessions session.Store) {
	ttl := authCfg.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if authCfg.DevLogin {
		huma.Register(api, huma.Operation{
			OperationID: "dev-login",
			Method:      http.MethodPost,
			Path:        "/auth/dev/login",
			Summary:     "DEV ONLY: sign in as a directory user",
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			Body DevLoginRequest `json:"body"`
		}) (*struct {
			SetCookie http.Cookie      `header:"Set-Cookie"`
			Body      DevLoginResponse `json:"body"`
		}, error) {
			email := strings.TrimSpace(input.Body.Email)
			if email == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
			}
			u, err := e.Repo.GetUserByEmail(ctx, email)
			if err != nil {
				return nil, handleError(err)
			}
			if !u.Active {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "user is inactive", nil)
			}
			s, err := sessions.Create(ctx, session.Session{UserID: u.ID, Email: u.Email, Name: u.Name, Roles: u.RoleNames()}, ttl)
			if err != nil {
				return nil, handleError(err)
			}
			out := DevLoginResponse{SessionID: s.ID, ExpiresAt: s.ExpiresAt.Format(time.RFC3339)}
			if authCfg.JWTSecret != "" {
				if out.Token, err = signToken(authCfg.JWTSecret, u, ttl); err != nil {
					return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
				}
			}
			return &struct {
				SetCookie http.Cookie      `header:"Set-Cookie"`
				Body      DevLoginResponse `json:"body"`
			}{
				SetCookie: http.Cookie{
					Name:     session.CookieName,
					Value:    s.ID,
					Path:     "/",
					Expires:  s.ExpiresAt,
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				},
				Body: out,
			}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "End the cookie session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
			if err := sessions.Delete(ctx, id); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct{}{}, nil
	})
}
