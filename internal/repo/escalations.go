package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"opex/internal/domain"
)

const actionItemColumns = `id, request_id, store, title, owner_name, owner_email, deadline, status, created_at, completed_at`

func scanActionItem(row scanner) (domain.ActionItem, error) {
	var (
		item      domain.ActionItem
		requestID sql.NullString
		completed sql.NullString
	)
	err := row.Scan(&item.ID, &requestID, &item.Store, &item.Title, &item.OwnerName, &item.OwnerEmail, &item.Deadline, &item.Status, &item.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	item.RequestID = stringPtr(requestID)
	item.CompletedAt = stringPtr(completed)
	return item, err
}

func (r Repo) InsertActionItemTx(ctx context.Context, tx *sql.Tx, item domain.ActionItem) error {
	switch {
	case item.ID == "":
		return errors.New("id required")
	case strings.TrimSpace(item.Title) == "":
		return errors.New("title required")
	case strings.TrimSpace(item.OwnerEmail) == "":
		return errors.New("owner_email required")
	case item.Deadline == "":
		return errors.New("deadline required")
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO action_items(`+actionItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		item.ID, nullableStringPtr(item.RequestID), item.Store, item.Title, item.OwnerName, item.OwnerEmail, item.Deadline,
		item.Status, item.CreatedAt, nullableStringPtr(item.CompletedAt))
	return err
}

func (r Repo) GetActionItem(ctx context.Context, tx *sql.Tx, id string) (domain.ActionItem, error) {
	return scanActionItem(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+actionItemColumns+` FROM action_items WHERE id=?`), id))
}

// CompleteActionItemTx marks an open item done. It reports false when the
// item was already done.
func (r Repo) CompleteActionItemTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE action_items SET status='done', completed_at=? WHERE id=? AND status='open'`), now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListActionItems filters by status; overdueAt, when set, keeps only items
// whose deadline is before it.
func (r Repo) ListActionItems(ctx context.Context, status, overdueAt string) ([]domain.ActionItem, error) {
	query := `SELECT ` + actionItemColumns + ` FROM action_items`
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if overdueAt != "" {
		clauses = append(clauses, "deadline < ?")
		args = append(args, overdueAt)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY deadline, id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.ActionItem
	for rows.Next() {
		item, err := scanActionItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const escalationColumns = `id, item_kind, item_id, reason, target_role, COALESCE(target_name,''), COALESCE(target_email,''), status, created_at, resolved_at`

func scanEscalation(row scanner) (domain.Escalation, error) {
	var (
		esc      domain.Escalation
		resolved sql.NullString
	)
	err := row.Scan(&esc.ID, &esc.ItemKind, &esc.ItemID, &esc.Reason, &esc.TargetRole, &esc.TargetName, &esc.TargetEmail, &esc.Status, &esc.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return esc, ErrNotFound
	}
	esc.ResolvedAt = stringPtr(resolved)
	return esc, err
}

// OpenEscalationTx records an escalation unless one is already open for the
// same item. It reports whether a row was created.
func (r Repo) OpenEscalationTx(ctx context.Context, tx *sql.Tx, esc domain.Escalation) (bool, error) {
	if esc.ID == "" {
		return false, errors.New("id required")
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO escalations(id, item_kind, item_id, reason, target_role, target_name, target_email, status, created_at)
VALUES (?,?,?,?,?,?,?,'open',?)
ON CONFLICT (item_kind, item_id) WHERE status = 'open' DO NOTHING`),
		esc.ID, esc.ItemKind, esc.ItemID, esc.Reason, esc.TargetRole, nullable(esc.TargetName), nullable(esc.TargetEmail), esc.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ResolveEscalationsTx closes any open escalation for the item.
func (r Repo) ResolveEscalationsTx(ctx context.Context, tx *sql.Tx, kind, itemID, now string) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE escalations SET status='resolved', resolved_at=? WHERE item_kind=? AND item_id=? AND status='open'`),
		now, kind, itemID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListEscalations(ctx context.Context, status, kind string) ([]domain.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if kind != "" {
		clauses = append(clauses, "item_kind=?")
		args = append(args, kind)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, esc)
	}
	return res, rows.Err()
}
