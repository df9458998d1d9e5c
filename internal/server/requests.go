package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/engine/auth"
	"opex/internal/links"
	"opex/internal/repo"
)

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit an extra cleaning agents request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCleaningRequest `json:"body"`
	}) (*struct {
		Body CreateRequestResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requester := approval.Identity{ID: principal.UserID, Name: principal.Name, Email: principal.Email}
		if sel := input.Body.Requester; sel != nil && strings.TrimSpace(sel.Email) != "" {
			if !approval.SameEmail(sel.Email, principal.Email) {
				if err := auth.Require(ctx, e.Access, domain.FormCleaning, "submit_for_others"); err != nil {
					return nil, handleError(err)
				}
			}
			requester = *sel
		}
		res, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
			ID:          input.Body.ID,
			Store:       input.Body.Store,
			Category:    input.Body.Category,
			Description: input.Body.Description,
			NeededBy:    input.Body.NeededBy,
			Attributes:  input.Body.Attributes,
			Requester:   requester,
			Selections:  input.Body.Selections,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := CreateRequestResponse{Request: res.Request}
		for _, d := range res.Dropped {
			out.DroppedRoles = append(out.DroppedRoles, d.Role)
		}
		return &struct {
			Body CreateRequestResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"PendingApproval, FullyApproved or Rejected"`
		Store     string `query:"store"`
		Approver  string `query:"approver" doc:"current approver e-mail"`
		Requester string `query:"requester" doc:"requester e-mail"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Request `json:"body"`
	}, error) {
		items, err := e.ListRequests(ctx, repo.RequestFilters{
			Status:        input.Status,
			Store:         input.Store,
			ApproverEmail: input.Approver,
			RequesterMail: input.Requester,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Request `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a request with its chain and history",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := e.Snapshot(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		snap.History = nonNilSlice(snap.History)
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-events",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/events",
		Summary:     "Audit events of a request",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := auth.Require(ctx, e.Access, domain.FormCleaning, "view"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEvents(ctx, "request", input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decision",
		Summary:     "Approve or reject the current step as the signed-in approver",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Email == "" {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "principal has no e-mail address", nil)
		}
		action, err := approval.ParseAction(input.Body.Action)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Decide(ctx, engine.DecideOptions{
			RequestID:  input.ID,
			ActorEmail: principal.Email,
			Action:     action,
			Comments:   input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(res)}, nil
	})
}

// registerPublicDecision mounts the route e-mailed decision links point at.
// It sits outside the API base path and needs no session.
func registerPublicDecision(api huma.API, e engine.Engine, lb links.Builder) {
	huma.Register(api, huma.Operation{
		OperationID: "public-decision",
		Method:      http.MethodPost,
		Path:        "/public/requests/{id}/decision",
		Summary:     "Decide through an e-mailed link",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body PublicDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		out, err := publicDecide(ctx, e, lb, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "public-decision-link",
		Method:      http.MethodGet,
		Path:        "/public/requests/{id}/decision",
		Summary:     "Decide by following an e-mailed link",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Action   string `query:"action" enum:"approve,reject" required:"true"`
		Email    string `query:"email"`
		Token    string `query:"token"`
		Comments string `query:"comments"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		out, err := publicDecide(ctx, e, lb, input.ID, PublicDecisionRequest{
			Action:   input.Action,
			Email:    input.Email,
			Token:    input.Token,
			Comments: input.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func publicDecide(ctx context.Context, e engine.Engine, lb links.Builder, requestID string, in PublicDecisionRequest) (DecisionResponse, error) {
	action, err := approval.ParseAction(in.Action)
	if err != nil {
		return DecisionResponse{}, err
	}
	opts := engine.DecideOptions{RequestID: requestID, Action: action, Comments: in.Comments}
	if lb.Signed {
		if strings.TrimSpace(in.Token) == "" {
			return DecisionResponse{}, links.ErrInvalidToken
		}
		claims, err := lb.Verify(in.Token, requestID)
		if err != nil {
			return DecisionResponse{}, err
		}
		step := claims.Step
		opts.ActorEmail = claims.Email
		opts.Step = &step
	} else {
		opts.ActorEmail = strings.TrimSpace(in.Email)
		if opts.ActorEmail == "" {
			return DecisionResponse{}, engine.ValidationError{Field: "email", Message: "is required"}
		}
	}
	ctx = auth.WithPrincipal(ctx, auth.Principal{
		Email:       opts.ActorEmail,
		Permissions: []string{auth.Permission(domain.FormCleaning, "approve")},
		Via:         "link",
	})
	res, err := e.Decide(ctx, opts)
	if errors.Is(err, approval.ErrAlreadyFinalized) {
		out := DecisionResponse{Success: false, RequestID: requestID, Message: "This request has already been finalized."}
		if req, gerr := e.Repo.GetRequest(ctx, nil, requestID); gerr == nil {
			out.Status = string(req.OverallStatus)
		}
		return out, nil
	}
	if err != nil {
		return DecisionResponse{}, err
	}
	return decisionResponse(res), nil
}

func registerApprovers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvers",
		Method:      http.MethodGet,
		Path:        "/approvers",
		Summary:     "Candidate approvers for a role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role  string `query:"role" required:"true"`
		Store string `query:"store"`
	}) (*struct {
		Body []approval.Identity `json:"body"`
	}, error) {
		items, err := e.Candidates(ctx, input.Role, input.Store)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []approval.Identity `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
