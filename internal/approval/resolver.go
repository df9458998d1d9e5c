package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Selection is the requester's explicit pick for a role on the form.
type Selection struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s Selection) empty() bool {
	return strings.TrimSpace(s.ID) == "" && strings.TrimSpace(s.Email) == ""
}

// Directory is the identity lookup the resolver falls back to.
type Directory interface {
	FindUser(ctx context.Context, id string) (Identity, bool, error)
	UsersByRole(ctx context.Context, role, store string) ([]Identity, error)
}

// Resolver maps a role to a concrete approver.
type Resolver struct {
	Dir Directory
}

// Resolve prefers the explicit selection, then a directory lookup of the
// selected id, then the first role member for the store.
func (r Resolver) Resolve(ctx context.Context, role, store string, sel *Selection) (Identity, error) {
	if sel != nil && !sel.empty() {
		id := Identity{
			ID:    strings.TrimSpace(sel.ID),
			Name:  strings.TrimSpace(sel.Name),
			Email: strings.TrimSpace(sel.Email),
		}
		if id.Email != "" && id.Name != "" {
			return id, nil
		}
		if id.ID == "" || r.Dir == nil {
			if id.Email != "" {
				return id, nil
			}
			return Identity{}, fmt.Errorf("%s: %w", role, ErrUnresolvedApprover)
		}
		found, ok, err := r.Dir.FindUser(ctx, id.ID)
		if err != nil {
			return Identity{}, err
		}
		if !ok {
			if id.Email != "" {
				return id, nil
			}
			return Identity{}, fmt.Errorf("%s: selected user %s: %w", role, id.ID, ErrUnresolvedApprover)
		}
		if id.Email == "" {
			id.Email = found.Email
		}
		if id.Name == "" {
			id.Name = found.Name
		}
		return id, nil
	}
	if r.Dir == nil {
		return Identity{}, fmt.Errorf("%s: %w", role, ErrUnresolvedApprover)
	}
	candidates, err := r.Dir.UsersByRole(ctx, role, store)
	if err != nil {
		return Identity{}, err
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.Email) != "" {
			return c, nil
		}
	}
	return Identity{}, fmt.Errorf("%s: %w", role, ErrUnresolvedApprover)
}

// Candidates lists possible approvers for a role, for the submission form.
func (r Resolver) Candidates(ctx context.Context, role, store string) ([]Identity, error) {
	if r.Dir == nil {
		return nil, nil
	}
	return r.Dir.UsersByRole(ctx, role, store)
}

// DroppedStep records a role that produced no usable approver.
type DroppedStep struct {
	Role   string
	Reason error
}

// BuildChain resolves each role in order. Roles that cannot be resolved to
// an identity with an e-mail are dropped; only directory failures abort.
func (r Resolver) BuildChain(ctx context.Context, roles []string, store string, selections map[string]Selection) (Chain, []DroppedStep, error) {
	chain := Chain{}
	var dropped []DroppedStep
	for _, role := range roles {
		var sel *Selection
		if s, ok := selections[role]; ok {
			sel = &s
		}
		id, err := r.Resolve(ctx, role, store, sel)
		if err != nil {
			if errors.Is(err, ErrUnresolvedApprover) {
				dropped = append(dropped, DroppedStep{Role: role, Reason: err})
				continue
			}
			return nil, nil, fmt.Errorf("resolve %s: %w", role, err)
		}
		if strings.TrimSpace(id.Email) == "" {
			dropped = append(dropped, DroppedStep{Role: role, Reason: fmt.Errorf("%s: no e-mail: %w", role, ErrUnresolvedApprover)})
			continue
		}
		chain = append(chain, Step{
			Role:   role,
			ID:     id.ID,
			Name:   id.Name,
			Email:  id.Email,
			Status: StepPending,
		})
	}
	return chain, dropped, nil
}
