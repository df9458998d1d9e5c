package server

import (
	"fmt"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/engine"
	"opex/internal/engine/auth"
)

// Request payloads

type CreateCleaningRequest struct {
	ID          string                        `json:"id,omitempty"`
	Store       string                        `json:"store"`
	Category    string                        `json:"category"`
	Description string                        `json:"description,omitempty"`
	NeededBy    string                        `json:"needed_by,omitempty" example:"2025-03-05"`
	Attributes  map[string]string             `json:"attributes,omitempty"`
	Requester   *approval.Identity            `json:"requester,omitempty" doc:"defaults to the caller"`
	Selections  map[string]approval.Selection `json:"selections,omitempty" doc:"explicit approver per role"`
}

type DecisionRequest struct {
	Action   string `json:"action" enum:"approve,reject"`
	Comments string `json:"comments,omitempty"`
}

type PublicDecisionRequest struct {
	Action   string `json:"action" enum:"approve,reject"`
	Email    string `json:"email,omitempty" doc:"approver address from the link"`
	Token    string `json:"token,omitempty" doc:"signed link token"`
	Comments string `json:"comments,omitempty"`
}

type PreviewRulesRequest struct {
	Store      string            `json:"store,omitempty"`
	Category   string            `json:"category,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type CreateActionItemRequest struct {
	RequestID  string `json:"request_id,omitempty"`
	Store      string `json:"store,omitempty"`
	Title      string `json:"title"`
	OwnerName  string `json:"owner_name,omitempty"`
	OwnerEmail string `json:"owner_email"`
	Deadline   string `json:"deadline" format:"date-time"`
}

type DevLoginRequest struct {
	Email string `json:"email"`
}

// Response payloads

type CreateRequestResponse struct {
	Request      domain.Request `json:"request"`
	DroppedRoles []string       `json:"dropped_roles,omitempty"`
}

type DecisionResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RequestID    string `json:"requestId"`
	Status       string `json:"status" enum:"PendingApproval,FullyApproved,Rejected"`
	NextApprover string `json:"nextApprover,omitempty"`
}

type PreviewRulesResponse struct {
	Roles []string `json:"roles"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Via         string   `json:"via"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token     string `json:"token,omitempty"`
	SessionID string `json:"session_id"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

func decisionResponse(res engine.DecideResult) DecisionResponse {
	out := DecisionResponse{
		Success:      true,
		RequestID:    res.Request.ID,
		Status:       string(res.Request.OverallStatus),
		NextApprover: res.NextApproverRole(),
	}
	switch res.Request.OverallStatus {
	case approval.StatusApproved:
		out.Message = "Request fully approved."
	case approval.StatusRejected:
		out.Message = "Request rejected."
	default:
		out.Message = fmt.Sprintf("Step approved; waiting for %s.", out.NextApprover)
	}
	return out
}

func whoAmI(p auth.Principal, perms []string) WhoAmIResponse {
	return WhoAmIResponse{
		UserID:      p.UserID,
		Email:       p.Email,
		Name:        p.Name,
		Via:         p.Via,
		Roles:       nonNilSlice(p.Roles),
		Permissions: nonNilSlice(perms),
	}
}

type RuleRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	TriggerField    string `json:"trigger_field" example:"category"`
	TriggerOperator string `json:"trigger_operator" enum:"equals,contains"`
	TriggerValue    string `json:"trigger_value"`
	ActionType      string `json:"action_type" enum:"skip,add"`
	TargetApprover  string `json:"target_approver" example:"HR"`
	Priority        int    `json:"priority,omitempty"`
	Active          *bool  `json:"is_active,omitempty"`
}

func (r RuleRequest) rule() approval.Rule {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return approval.Rule{
		ID:              r.ID,
		Name:            r.Name,
		TriggerField:    r.TriggerField,
		TriggerOperator: approval.Operator(r.TriggerOperator),
		TriggerValue:    r.TriggerValue,
		ActionType:      approval.RuleAction(r.ActionType),
		TargetApprover:  r.TargetApprover,
		Priority:        r.Priority,
		Active:          active,
	}
}
