package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"opex/internal/approval"
)

const ruleColumns = `id, name, trigger_field, trigger_operator, trigger_value, action_type, target_approver, priority, is_active`

func scanRule(row scanner) (approval.Rule, error) {
	var (
		rule   approval.Rule
		op     string
		action string
		active int
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.TriggerField, &op, &rule.TriggerValue, &action, &rule.TargetApprover, &rule.Priority, &active)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	rule.TriggerOperator = approval.Operator(op)
	rule.ActionType = approval.RuleAction(action)
	rule.Active = active == 1
	return rule, err
}

// ListRules returns rules in evaluation order.
func (r Repo) ListRules(ctx context.Context, activeOnly bool) ([]approval.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY priority, name, id`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []approval.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r Repo) GetRule(ctx context.Context, id string) (approval.Rule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, r.q(`SELECT `+ruleColumns+` FROM approval_rules WHERE id=?`), id))
}

// InsertRule validates and stores a rule, assigning an id when missing.
func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule approval.Rule) (approval.Rule, error) {
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO approval_rules(`+ruleColumns+`, created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		rule.ID, rule.Name, rule.TriggerField, string(rule.TriggerOperator), rule.TriggerValue, string(rule.ActionType),
		rule.TargetApprover, rule.Priority, boolInt(rule.Active), FormatTime(time.Now()))
	if isUniqueViolation(err) {
		return rule, errors.New("rule " + rule.Name + " already exists")
	}
	return rule, err
}

func (r Repo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM approval_rules WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedRules inserts the given rules only when the table is empty, so edits
// made through the API survive restarts.
func (r Repo) SeedRules(ctx context.Context, rules []approval.Rule) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_rules`).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	for _, rule := range rules {
		if _, err := r.InsertRule(ctx, tx, rule); err != nil {
			return 0, err
		}
	}
	return len(rules), tx.Commit()
}
