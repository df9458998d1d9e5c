package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"opex/internal/approval"
	"opex/internal/domain"
)

// UpsertUser creates or refreshes a directory user by id.
func (r Repo) UpsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("email required")
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO users(id, name, email, active, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, active=excluded.active`),
		u.ID, u.Name, strings.TrimSpace(u.Email), boolInt(u.Active), u.CreatedAt)
	return err
}

const userColumns = `id, name, email, active, created_at`

func scanUser(row scanner) (domain.User, error) {
	var (
		u      domain.User
		active int
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	u.Active = active == 1
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id))
	if err != nil {
		return u, err
	}
	u.Roles, err = r.userRoles(ctx, nil, u.ID)
	return u, err
}

// GetUserByEmail matches the address case-insensitively.
func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, r.q(`SELECT `+userColumns+` FROM users WHERE lower(email)=lower(?)`), strings.TrimSpace(email)))
	if err != nil {
		return u, err
	}
	u.Roles, err = r.userRoles(ctx, nil, u.ID)
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Roles, err = r.userRoles(ctx, nil, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// Directory adapts the users tables to approval.Directory.
type Directory struct {
	Repo Repo
}

func (d Directory) FindUser(ctx context.Context, id string) (approval.Identity, bool, error) {
	u, err := scanUser(d.Repo.DB.QueryRowContext(ctx, d.Repo.q(`SELECT `+userColumns+` FROM users WHERE id=? AND active=1`), id))
	if errors.Is(err, ErrNotFound) {
		return approval.Identity{}, false, nil
	}
	if err != nil {
		return approval.Identity{}, false, err
	}
	return u.Identity(), true, nil
}

// UsersByRole lists active members of a role. Members scoped to the store
// come first, then unscoped members, each ordered by name.
func (d Directory) UsersByRole(ctx context.Context, role, store string) ([]approval.Identity, error) {
	rows, err := d.Repo.DB.QueryContext(ctx, d.Repo.q(`SELECT u.id, u.name, u.email, ur.store FROM users u
JOIN user_roles ur ON ur.user_id = u.id
WHERE ur.role=? AND u.active=1 AND (ur.store=? OR ur.store='')
ORDER BY CASE WHEN ur.store='' THEN 1 ELSE 0 END, u.name, u.id`), role, strings.TrimSpace(store))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	var out []approval.Identity
	for rows.Next() {
		var (
			id    approval.Identity
			scope string
		)
		if err := rows.Scan(&id.ID, &id.Name, &id.Email, &scope); err != nil {
			return nil, err
		}
		if seen[id.ID] {
			continue
		}
		seen[id.ID] = true
		out = append(out, id)
	}
	return out, rows.Err()
}
