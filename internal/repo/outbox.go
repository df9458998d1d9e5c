package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"opex/internal/domain"
)

const notificationColumns = `id, kind, to_address, COALESCE(request_id,''), fields_json, status, attempts, COALESCE(last_error,''), next_attempt_at, created_at, updated_at`

func scanNotification(row scanner) (domain.Notification, error) {
	var (
		n      domain.Notification
		fields string
	)
	err := row.Scan(&n.ID, &n.Kind, &n.To, &n.RequestID, &fields, &n.Status, &n.Attempts, &n.LastError, &n.NextAttemptAt, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if err := json.Unmarshal([]byte(fields), &n.Fields); err != nil {
		return n, fmt.Errorf("notification %s fields: %w", n.ID, err)
	}
	return n, nil
}

// EnqueueNotification stores a pending outbox row due immediately.
func (r Repo) EnqueueNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) (domain.Notification, error) {
	if strings.TrimSpace(n.To) == "" {
		return n, errors.New("recipient required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Fields == nil {
		n.Fields = map[string]string{}
	}
	data, err := json.Marshal(n.Fields)
	if err != nil {
		return n, err
	}
	n.Status = domain.NotificationPending
	if n.NextAttemptAt == "" {
		n.NextAttemptAt = n.CreatedAt
	}
	n.UpdatedAt = n.CreatedAt
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO notifications(id, kind, to_address, request_id, fields_json, status, attempts, next_attempt_at, created_at, updated_at)
VALUES (?,?,?,?,?,?,0,?,?,?)`),
		n.ID, n.Kind, n.To, nullable(n.RequestID), string(data), n.Status, n.NextAttemptAt, n.CreatedAt, n.UpdatedAt)
	return n, err
}

// ClaimDueNotifications moves due rows to sending and returns them. Rows
// stuck in sending since before staleBefore are reclaimed. Each row is
// claimed with its own conditional update so two dispatchers never send
// the same row.
func (r Repo) ClaimDueNotifications(ctx context.Context, now, staleBefore string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, r.q(fmt.Sprintf(`SELECT `+notificationColumns+` FROM notifications
WHERE (status='pending' AND next_attempt_at <= ?) OR (status='sending' AND updated_at < ?)
ORDER BY next_attempt_at, created_at, id LIMIT %d`, limit)), now, staleBefore)
	if err != nil {
		return nil, err
	}
	var due []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var claimed []domain.Notification
	for _, n := range due {
		res, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET status='sending', updated_at=? WHERE id=? AND status=? AND updated_at=?`),
			now, n.ID, n.Status, n.UpdatedAt)
		if err != nil {
			return claimed, err
		}
		if c, _ := res.RowsAffected(); c == 1 {
			n.Status = domain.NotificationSending
			n.UpdatedAt = now
			claimed = append(claimed, n)
		}
	}
	return claimed, nil
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET status='sent', attempts=attempts+1, last_error=NULL, updated_at=? WHERE id=?`), now, id)
	return err
}

// MarkNotificationFailed records a failed attempt. When retryAt is empty the
// row is parked as failed, otherwise it goes back to pending.
func (r Repo) MarkNotificationFailed(ctx context.Context, id, errMsg, retryAt, now string) error {
	status := domain.NotificationFailed
	next := now
	if retryAt != "" {
		status = domain.NotificationPending
		next = retryAt
	}
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET status=?, attempts=attempts+1, last_error=?, next_attempt_at=?, updated_at=? WHERE id=?`),
		status, errMsg, next, now, id)
	return err
}

// RequeueNotification puts a failed row back in the queue.
func (r Repo) RequeueNotification(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE notifications SET status='pending', next_attempt_at=?, updated_at=? WHERE id=? AND status='failed'`), now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, r.q(`SELECT `+notificationColumns+` FROM notifications WHERE id=?`), id))
}

// ListNotifications returns outbox rows, newest first.
func (r Repo) ListNotifications(ctx context.Context, status, requestID string, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	var (
		clauses []string
		args    []any
	)
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	if requestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, requestID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
