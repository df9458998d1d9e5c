package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"opex/internal/approval"
	"opex/internal/db"
	"opex/internal/domain"
)

// Repo is the relational store. Every query is written with `?` placeholders
// and rebound for the configured dialect.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// FormatTime is the timestamp layout stored in every TEXT time column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const requestColumns = `id,form_code,store,category,COALESCE(description,''),needed_by,attributes_json,COALESCE(requester_id,''),requester_name,requester_email,approval_chain,current_step,overall_status,current_approver_email,current_approver_role,step_started_at,created_at,updated_at`

func scanRequest(row scanner) (domain.Request, error) {
	var (
		req          domain.Request
		neededBy     sql.NullString
		attrs        string
		chain        string
		status       string
		approverMail sql.NullString
		approverRole sql.NullString
	)
	err := row.Scan(&req.ID, &req.FormCode, &req.Store, &req.Category, &req.Description, &neededBy, &attrs,
		&req.Requester.ID, &req.Requester.Name, &req.Requester.Email, &chain, &req.CurrentStep, &status,
		&approverMail, &approverRole, &req.StepStartedAt, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.NeededBy = stringPtr(neededBy)
	req.OverallStatus = approval.OverallStatus(status)
	req.CurrentApproverEmail = stringPtr(approverMail)
	req.CurrentApproverRole = stringPtr(approverRole)
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &req.Attributes); err != nil {
			return req, fmt.Errorf("request %s attributes: %w", req.ID, err)
		}
	}
	req.Chain, err = approval.UnmarshalChain(chain)
	if err != nil {
		return req, fmt.Errorf("request %s: %w", req.ID, err)
	}
	return req, nil
}

// InsertRequestTx writes a new request, chain blob and structured columns
// together.
func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	if req.ID == "" {
		return errors.New("id required")
	}
	blob, err := approval.MarshalChain(req.Chain)
	if err != nil {
		return err
	}
	attrs := "{}"
	if len(req.Attributes) > 0 {
		b, err := json.Marshal(req.Attributes)
		if err != nil {
			return fmt.Errorf("marshal attributes: %w", err)
		}
		attrs = string(b)
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO requests(id,form_code,store,category,description,needed_by,attributes_json,requester_id,requester_name,requester_email,approval_chain,current_step,overall_status,current_approver_email,current_approver_role,step_started_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		req.ID, req.FormCode, req.Store, req.Category, nullable(req.Description), nullableStringPtr(req.NeededBy), attrs,
		nullable(req.Requester.ID), req.Requester.Name, req.Requester.Email, blob, req.CurrentStep, string(req.OverallStatus),
		nullableStringPtr(req.CurrentApproverEmail), nullableStringPtr(req.CurrentApproverRole), req.StepStartedAt, req.CreatedAt, req.UpdatedAt)
	return err
}

// UpdateRequestStateTx persists chain, cursor, status and the denormalised
// approver columns in one statement, guarded by the step the caller read.
// A lost race reports approval.ErrPersistenceConflict.
func (r Repo) UpdateRequestStateTx(ctx context.Context, tx *sql.Tx, req domain.Request, expectedStep int) error {
	blob, err := approval.MarshalChain(req.Chain)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE requests SET approval_chain=?, current_step=?, overall_status=?, current_approver_email=?, current_approver_role=?, step_started_at=?, updated_at=?
WHERE id=? AND current_step=? AND overall_status=?`),
		blob, req.CurrentStep, string(req.OverallStatus), nullableStringPtr(req.CurrentApproverEmail), nullableStringPtr(req.CurrentApproverRole),
		req.StepStartedAt, req.UpdatedAt, req.ID, expectedStep, string(approval.StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrPersistenceConflict
	}
	return nil
}

// GetRequest loads a request, inside tx when one is given.
func (r Repo) GetRequest(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	return scanRequest(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+requestColumns+` FROM requests WHERE id=?`), id))
}

type RequestFilters struct {
	Status        string
	Store         string
	ApproverEmail string
	RequesterMail string
	Limit         int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "overall_status=?")
		args = append(args, f.Status)
	}
	if f.Store != "" {
		clauses = append(clauses, "store=?")
		args = append(args, f.Store)
	}
	if f.ApproverEmail != "" {
		clauses = append(clauses, "lower(current_approver_email)=lower(?)")
		args = append(args, f.ApproverEmail)
	}
	if f.RequesterMail != "" {
		clauses = append(clauses, "lower(requester_email)=lower(?)")
		args = append(args, f.RequesterMail)
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// StalePendingRequests returns pending requests whose current step started
// before the cutoff.
func (r Repo) StalePendingRequests(ctx context.Context, before string) ([]domain.Request, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+requestColumns+` FROM requests WHERE overall_status=? AND step_started_at < ? ORDER BY step_started_at, id`),
		string(approval.StatusPending), before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// InsertHistoryTx appends an audit entry. A second entry for the same step
// is reported as a persistence conflict.
func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h approval.HistoryEntry) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO approval_history(request_id,step_index,role,approver_email,approver_name,action,comments,action_date) VALUES (?,?,?,?,?,?,?,?)`),
		h.RequestID, h.StepIndex, h.Role, h.ApproverEmail, h.ApproverName, h.Action, nullable(h.Comments), FormatTime(h.ActionDate))
	if isUniqueViolation(err) {
		return approval.ErrPersistenceConflict
	}
	return err
}

func (r Repo) ListHistory(ctx context.Context, requestID string) ([]approval.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT request_id,step_index,role,approver_email,approver_name,action,COALESCE(comments,''),action_date FROM approval_history WHERE request_id=? ORDER BY step_index`), requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []approval.HistoryEntry{}
	for rows.Next() {
		var (
			h  approval.HistoryEntry
			at string
		)
		if err := rows.Scan(&h.RequestID, &h.StepIndex, &h.Role, &h.ApproverEmail, &h.ApproverName, &h.Action, &h.Comments, &at); err != nil {
			return nil, err
		}
		h.ActionDate, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("history action_date: %w", err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
