package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID      string   `json:"user_id,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Via         string   `json:"via"`
}

// Actor is the audit name for the principal.
func (p Principal) Actor() string {
	switch {
	case p.Email != "":
		return p.Email
	case p.UserID != "":
		return p.UserID
	default:
		return p.Via
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// System is the principal for local operators and background workers.
func System(name string) Principal {
	return Principal{UserID: name, Permissions: []string{"*"}, Via: "system"}
}

// Permission formats a form/action pair.
func Permission(formCode, action string) string {
	return formCode + ":" + action
}

// PermissionChecker answers whether the principal in ctx may perform action
// on the given form.
type PermissionChecker interface {
	CanAccess(ctx context.Context, formCode, action string) (bool, error)
}

// Checker resolves permissions from role grants. DefaultRole applies to
// every principal.
type Checker struct {
	Roles       map[string][]string
	DefaultRole string
}

func (c Checker) CanAccess(ctx context.Context, formCode, action string) (bool, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return false, nil
	}
	return Allows(c.Permissions(p), formCode, action), nil
}

// Permissions lists the principal's effective grants, sorted.
func (c Checker) Permissions(p Principal) []string {
	set := map[string]struct{}{}
	for _, perm := range p.Permissions {
		set[perm] = struct{}{}
	}
	roles := append([]string(nil), p.Roles...)
	if c.DefaultRole != "" {
		roles = append(roles, c.DefaultRole)
	}
	for _, role := range roles {
		for _, perm := range c.Roles[role] {
			set[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Allows matches "*", "form:*" and "form:action" grants.
func Allows(perms []string, formCode, action string) bool {
	want := Permission(formCode, action)
	for _, perm := range perms {
		perm = strings.TrimSpace(perm)
		if perm == "*" || perm == want || perm == formCode+":*" {
			return true
		}
	}
	return false
}

// Require turns a denied check into a ForbiddenError.
func Require(ctx context.Context, c PermissionChecker, formCode, action string) error {
	if c == nil {
		return nil
	}
	ok, err := c.CanAccess(ctx, formCode, action)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: Permission(formCode, action)}
	}
	return nil
}
