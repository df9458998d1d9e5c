package domain

import (
	"strings"

	"opex/internal/approval"
)

// FormCleaning is the form code of the extra cleaning agents request.
const FormCleaning = "cleaning"

type Request struct {
	ID                   string                 `json:"id"`
	FormCode             string                 `json:"form_code"`
	Store                string                 `json:"store"`
	Category             string                 `json:"category"`
	Description          string                 `json:"description,omitempty"`
	NeededBy             *string                `json:"needed_by,omitempty"`
	Attributes           map[string]string      `json:"attributes,omitempty"`
	Requester            approval.Identity      `json:"requester"`
	Chain                approval.Chain         `json:"approval_chain"`
	CurrentStep          int                    `json:"current_step"`
	OverallStatus        approval.OverallStatus `json:"overall_status" enum:"PendingApproval,FullyApproved,Rejected"`
	CurrentApproverEmail *string                `json:"current_approver_email,omitempty"`
	CurrentApproverRole  *string                `json:"current_approver_role,omitempty"`
	StepStartedAt        string                 `json:"step_started_at" format:"date-time"`
	CreatedAt            string                 `json:"created_at" format:"date-time"`
	UpdatedAt            string                 `json:"updated_at" format:"date-time"`
}

// State extracts the chain state machine view of the request.
func (r Request) State() approval.State {
	return approval.State{Chain: r.Chain.Clone(), CurrentStep: r.CurrentStep, Status: r.OverallStatus}
}

// SetState copies a state back, keeping the denormalised approver columns in
// step with the chain.
func (r *Request) SetState(st approval.State) {
	r.Chain = st.Chain
	r.CurrentStep = st.CurrentStep
	r.OverallStatus = st.Status
	email, role := st.CurrentApprover()
	r.CurrentApproverEmail = optional(email)
	r.CurrentApproverRole = optional(role)
}

// RuleContext is the attribute map approval rules are evaluated against.
func (r Request) RuleContext() map[string]string {
	ctx := make(map[string]string, len(r.Attributes)+2)
	for k, v := range r.Attributes {
		ctx[k] = v
	}
	ctx["category"] = r.Category
	ctx["store"] = r.Store
	return ctx
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// Snapshot is a request with its ordered decision history.
type Snapshot struct {
	Request Request                 `json:"request"`
	History []approval.HistoryEntry `json:"history"`
}

type UserRole struct {
	Role  string `json:"role"`
	Store string `json:"store,omitempty"`
}

type User struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Active    bool       `json:"active"`
	Roles     []UserRole `json:"roles,omitempty"`
	CreatedAt string     `json:"created_at" format:"date-time"`
}

func (u User) Identity() approval.Identity {
	return approval.Identity{ID: u.ID, Name: u.Name, Email: u.Email}
}

// RoleNames lists distinct role names regardless of store scope.
func (u User) RoleNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range u.Roles {
		if !seen[r.Role] {
			seen[r.Role] = true
			out = append(out, r.Role)
		}
	}
	return out
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload"`
}

const (
	NotificationPending = "pending"
	NotificationSending = "sending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is one outbox row awaiting delivery.
type Notification struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	To            string            `json:"to"`
	RequestID     string            `json:"request_id,omitempty"`
	Fields        map[string]string `json:"fields"`
	Status        string            `json:"status" enum:"pending,sending,sent,failed"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt string            `json:"next_attempt_at" format:"date-time"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

const (
	ActionItemOpen = "open"
	ActionItemDone = "done"
)

type ActionItem struct {
	ID          string  `json:"id"`
	RequestID   *string `json:"request_id,omitempty"`
	Store       string  `json:"store"`
	Title       string  `json:"title"`
	OwnerName   string  `json:"owner_name"`
	OwnerEmail  string  `json:"owner_email"`
	Deadline    string  `json:"deadline" format:"date-time"`
	Status      string  `json:"status" enum:"open,done"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

const (
	EscalationOpen     = "open"
	EscalationResolved = "resolved"

	ItemRequest    = "request"
	ItemActionItem = "action_item"
)

type Escalation struct {
	ID          string  `json:"id"`
	ItemKind    string  `json:"item_kind" enum:"request,action_item"`
	ItemID      string  `json:"item_id"`
	Reason      string  `json:"reason"`
	TargetRole  string  `json:"target_role"`
	TargetName  string  `json:"target_name,omitempty"`
	TargetEmail string  `json:"target_email,omitempty"`
	Status      string  `json:"status" enum:"open,resolved"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}
