// Package approval holds the storage-agnostic approval-chain core: chain
// construction from rules, approver resolution and the advancement state
// machine. Nothing here touches the database.
package approval

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type StepStatus string

const (
	StepPending  StepStatus = "Pending"
	StepApproved StepStatus = "Approved"
	StepRejected StepStatus = "Rejected"
)

type OverallStatus string

const (
	StatusPending  OverallStatus = "PendingApproval"
	StatusApproved OverallStatus = "FullyApproved"
	StatusRejected OverallStatus = "Rejected"
)

// Terminal reports whether no further decision is accepted.
func (s OverallStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type Action string

const (
	Approve Action = "approve"
	Reject  Action = "reject"
)

// ParseAction accepts approve/reject in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case Approve:
		return Approve, nil
	case Reject:
		return Reject, nil
	}
	return "", ErrInvalidAction
}

// Identity is a person reachable by e-mail.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Step is one approver slot. The JSON shape is the persisted chain format;
// DecidedAt keeps the historical `approvedAt` key for both outcomes.
type Step struct {
	Role      string     `json:"role"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Status    StepStatus `json:"status,omitempty"`
	Comments  string     `json:"comments,omitempty"`
	DecidedAt *time.Time `json:"approvedAt,omitempty"`
}

func (s Step) Identity() Identity {
	return Identity{ID: s.ID, Name: s.Name, Email: s.Email}
}

// Chain is the ordered list of approver steps for one request.
type Chain []Step

func (c Chain) Clone() Chain {
	if c == nil {
		return Chain{}
	}
	out := make(Chain, len(c))
	for i, s := range c {
		if s.DecidedAt != nil {
			t := *s.DecidedAt
			s.DecidedAt = &t
		}
		out[i] = s
	}
	return out
}

// Roles lists the step roles in order.
func (c Chain) Roles() []string {
	out := make([]string, 0, len(c))
	for _, s := range c {
		out = append(out, s.Role)
	}
	return out
}

// MarshalChain encodes the chain into its persisted JSON form.
func MarshalChain(c Chain) (string, error) {
	if c == nil {
		c = Chain{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal approval chain: %w", err)
	}
	return string(data), nil
}

// UnmarshalChain decodes a persisted chain. Steps written without a status
// are treated as pending.
func UnmarshalChain(raw string) (Chain, error) {
	if strings.TrimSpace(raw) == "" {
		return Chain{}, nil
	}
	var c Chain
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal approval chain: %w", err)
	}
	for i := range c {
		if c[i].Status == "" {
			c[i].Status = StepPending
		}
	}
	if c == nil {
		c = Chain{}
	}
	return c, nil
}

// State is the chain together with its cursor and overall status.
type State struct {
	Chain       Chain         `json:"chain"`
	CurrentStep int           `json:"currentStep"`
	Status      OverallStatus `json:"overallStatus"`
}

// NewState starts a freshly built chain. An empty chain is approved at once.
func NewState(chain Chain) State {
	chain = chain.Clone()
	for i := range chain {
		chain[i].Status = StepPending
		chain[i].Comments = ""
		chain[i].DecidedAt = nil
	}
	st := State{Chain: chain, Status: StatusPending}
	if len(chain) == 0 {
		st.Status = StatusApproved
	}
	return st
}

func (s State) Terminal() bool { return s.Status.Terminal() }

// Current returns the step awaiting a decision.
func (s State) Current() (Step, bool) {
	if s.Terminal() || s.CurrentStep < 0 || s.CurrentStep >= len(s.Chain) {
		return Step{}, false
	}
	return s.Chain[s.CurrentStep], true
}

// CurrentApprover returns the denormalised e-mail and role of the pending
// step, both empty once the request is terminal.
func (s State) CurrentApprover() (email, role string) {
	step, ok := s.Current()
	if !ok {
		return "", ""
	}
	return step.Email, step.Role
}

// Check verifies the chain invariants against the cursor and status.
func (s State) Check() error {
	n := len(s.Chain)
	if s.CurrentStep < 0 {
		return fmt.Errorf("current step %d is negative", s.CurrentStep)
	}
	switch s.Status {
	case StatusPending:
		if s.CurrentStep >= n {
			return fmt.Errorf("pending request has current step %d beyond chain of %d", s.CurrentStep, n)
		}
	case StatusApproved:
		if s.CurrentStep != n {
			return fmt.Errorf("approved request stopped at step %d of %d", s.CurrentStep, n)
		}
	case StatusRejected:
		if s.CurrentStep >= n {
			return fmt.Errorf("rejected request has current step %d beyond chain of %d", s.CurrentStep, n)
		}
	default:
		return fmt.Errorf("unknown overall status %q", s.Status)
	}
	for i, step := range s.Chain {
		switch {
		case i < s.CurrentStep:
			if step.Status != StepApproved {
				return fmt.Errorf("step %d before current step is %s", i, step.Status)
			}
		case i == s.CurrentStep:
			want := StepPending
			if s.Status == StatusRejected {
				want = StepRejected
			}
			if step.Status != want {
				return fmt.Errorf("current step %d is %s, want %s", i, step.Status, want)
			}
		default:
			if step.Status != StepPending || step.DecidedAt != nil {
				return fmt.Errorf("step %d after current step is already decided", i)
			}
		}
		if step.Status == StepPending && step.DecidedAt != nil {
			return fmt.Errorf("pending step %d carries a decision time", i)
		}
	}
	return nil
}
