package approval

import (
	"strings"
	"time"
)

// Decision is one approve/reject event from an acting identity.
type Decision struct {
	ActorEmail string
	Action     Action
	Comments   string
	At         time.Time
}

// Outcome describes what a decision changed.
type Outcome struct {
	StepIndex int
	Decided   Step
	Status    OverallStatus
	Next      *Step
}

// NextApproverRole is empty when the request became terminal.
func (o Outcome) NextApproverRole() string {
	if o.Next == nil {
		return ""
	}
	return o.Next.Role
}

// HistoryEntry is the append-only audit record of one decided step.
type HistoryEntry struct {
	RequestID     string    `json:"requestId"`
	StepIndex     int       `json:"stepIndex"`
	Role          string    `json:"role"`
	ApproverEmail string    `json:"approverEmail"`
	ApproverName  string    `json:"approverName"`
	Action        string    `json:"action"`
	Comments      string    `json:"comments,omitempty"`
	ActionDate    time.Time `json:"actionDate"`
}

// History builds the audit entry for the decided step.
func (o Outcome) History(requestID string) HistoryEntry {
	at := time.Time{}
	if o.Decided.DecidedAt != nil {
		at = *o.Decided.DecidedAt
	}
	return HistoryEntry{
		RequestID:     requestID,
		StepIndex:     o.StepIndex,
		Role:          o.Decided.Role,
		ApproverEmail: o.Decided.Email,
		ApproverName:  o.Decided.Name,
		Action:        string(o.Decided.Status),
		Comments:      o.Decided.Comments,
		ActionDate:    at,
	}
}

// SameEmail compares addresses the way the directory does.
func SameEmail(a, b string) bool {
	a = strings.TrimSpace(a)
	return a != "" && strings.EqualFold(a, strings.TrimSpace(b))
}

// Decide applies a decision and returns the successor state. The receiver is
// never modified; on error the caller keeps the original state untouched.
func (s State) Decide(d Decision) (State, Outcome, error) {
	if s.Terminal() {
		return s, Outcome{}, ErrAlreadyFinalized
	}
	step, ok := s.Current()
	if !ok {
		return s, Outcome{}, ErrAlreadyFinalized
	}
	if !SameEmail(d.ActorEmail, step.Email) {
		return s, Outcome{}, ErrNotCurrentApprover
	}
	if d.Action != Approve && d.Action != Reject {
		return s, Outcome{}, ErrInvalidAction
	}
	at := d.At.UTC()
	if d.At.IsZero() {
		at = time.Now().UTC()
	}

	next := State{Chain: s.Chain.Clone(), CurrentStep: s.CurrentStep, Status: s.Status}
	decided := &next.Chain[next.CurrentStep]
	decided.Comments = strings.TrimSpace(d.Comments)
	decided.DecidedAt = &at

	out := Outcome{StepIndex: s.CurrentStep}
	switch d.Action {
	case Reject:
		decided.Status = StepRejected
		next.Status = StatusRejected
	case Approve:
		decided.Status = StepApproved
		next.CurrentStep++
		if next.CurrentStep < len(next.Chain) {
			upcoming := next.Chain[next.CurrentStep]
			out.Next = &upcoming
		} else {
			next.Status = StatusApproved
		}
	}
	out.Decided = *decided
	out.Status = next.Status
	return next, out, nil
}
