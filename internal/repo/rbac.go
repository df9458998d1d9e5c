package repo

import (
	"context"
	"database/sql"
	"strings"

	"opex/internal/domain"
)

// AssignRole grants a role to a user, optionally scoped to one store.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, role, store string) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO user_roles(user_id, role, store) VALUES (?,?,?) ON CONFLICT DO NOTHING`),
		userID, role, strings.TrimSpace(store))
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, role, store string) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`DELETE FROM user_roles WHERE user_id=? AND role=? AND store=?`), userID, role, strings.TrimSpace(store))
	return err
}

// ReplaceRoles makes the user's grants exactly roles.
func (r Repo) ReplaceRoles(ctx context.Context, tx *sql.Tx, userID string, roles []domain.UserRole) error {
	current, err := r.userRoles(ctx, tx, userID)
	if err != nil {
		return err
	}
	want := make(map[domain.UserRole]bool, len(roles))
	for _, ur := range roles {
		ur.Store = strings.TrimSpace(ur.Store)
		want[ur] = true
	}
	for _, ur := range current {
		if !want[ur] {
			if err := r.RevokeRole(ctx, tx, userID, ur.Role, ur.Store); err != nil {
				return err
			}
		}
	}
	for ur := range want {
		if err := r.AssignRole(ctx, tx, userID, ur.Role, ur.Store); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) userRoles(ctx context.Context, tx *sql.Tx, userID string) ([]domain.UserRole, error) {
	rows, err := r.on(tx).QueryContext(ctx, r.q(`SELECT role, store FROM user_roles WHERE user_id=? ORDER BY role, store`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.UserRole
	for rows.Next() {
		var ur domain.UserRole
		if err := rows.Scan(&ur.Role, &ur.Store); err != nil {
			return nil, err
		}
		roles = append(roles, ur)
	}
	return roles, rows.Err()
}
