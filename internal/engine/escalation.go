package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/events"
	"opex/internal/repo"
)

type SweepReport struct {
	StaleRequests    int `json:"stale_requests"`
	OverdueActions   int `json:"overdue_actions"`
	Opened           int `json:"opened"`
	AlreadyEscalated int `json:"already_escalated"`
}

type escalationCandidate struct {
	esc    domain.Escalation
	fields map[string]string
}

// Sweep escalates requests stuck on one step longer than
// escalation.pending_after and action items past their deadline. At most
// one escalation is open per item; running it twice opens nothing new.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	if err := e.require(ctx, "escalations", "sweep"); err != nil {
		return SweepReport{}, err
	}
	var report SweepReport
	now := e.now()
	cfg := e.Config.Escalation

	var candidates []escalationCandidate
	if cfg.PendingAfter > 0 {
		stale, err := e.Repo.StalePendingRequests(ctx, repo.FormatTime(now.Add(-cfg.PendingAfter)))
		if err != nil {
			return report, err
		}
		report.StaleRequests = len(stale)
		for _, req := range stale {
			email, role := req.State().CurrentApprover()
			c, err := e.candidate(ctx, domain.ItemRequest, req.ID, req.Store, cfg.PendingTargetRole,
				fmt.Sprintf("pending with %s for more than %s", role, cfg.PendingAfter))
			if err != nil {
				return report, err
			}
			c.fields["item_title"] = fmt.Sprintf("%s request for %s", req.Category, req.Store)
			c.fields["owner"] = email
			c.fields["since"] = req.StepStartedAt
			candidates = append(candidates, c)
		}
	}
	overdue, err := e.Repo.ListActionItems(ctx, domain.ActionItemOpen, repo.FormatTime(now))
	if err != nil {
		return report, err
	}
	report.OverdueActions = len(overdue)
	for _, item := range overdue {
		c, err := e.candidate(ctx, domain.ItemActionItem, item.ID, item.Store, cfg.ActionItemTargetRole,
			fmt.Sprintf("action item past its deadline %s", item.Deadline))
		if err != nil {
			return report, err
		}
		c.fields["item_title"] = item.Title
		c.fields["owner"] = item.OwnerEmail
		c.fields["since"] = item.Deadline
		candidates = append(candidates, c)
	}

	var opened []escalationCandidate
	for _, c := range candidates {
		ok, err := e.openEscalation(ctx, c.esc)
		if err != nil {
			return report, err
		}
		if !ok {
			report.AlreadyEscalated++
			continue
		}
		report.Opened++
		opened = append(opened, c)
	}
	for _, c := range opened {
		e.Log.Info().Str("item_kind", c.esc.ItemKind).Str("item_id", c.esc.ItemID).Str("target_role", c.esc.TargetRole).Msg("escalation opened")
		e.notifier().OnEscalation(ctx, c.esc, c.fields)
	}
	return report, nil
}

func (e Engine) candidate(ctx context.Context, kind, itemID, store, targetRole, reason string) (escalationCandidate, error) {
	esc := domain.Escalation{
		ID:         uuid.NewString(),
		ItemKind:   kind,
		ItemID:     itemID,
		Reason:     reason,
		TargetRole: targetRole,
		Status:     domain.EscalationOpen,
		CreatedAt:  repo.FormatTime(e.now()),
	}
	members, err := e.resolver().Candidates(ctx, targetRole, store)
	if err != nil {
		return escalationCandidate{}, err
	}
	if len(members) > 0 {
		esc.TargetName = members[0].Name
		esc.TargetEmail = members[0].Email
	}
	return escalationCandidate{esc: esc, fields: map[string]string{"store": store}}, nil
}

func (e Engine) openEscalation(ctx context.Context, esc domain.Escalation) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.OpenEscalationTx(ctx, tx, esc)
	if err != nil || !ok {
		return false, err
	}
	if err := e.events().Append(ctx, tx, "escalation.opened", esc.ItemKind, esc.ItemID, actorOf(ctx), events.EventPayload{
		"escalation_id": esc.ID,
		"target_role":   esc.TargetRole,
		"target_email":  esc.TargetEmail,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// RunEscalations sweeps on every tick until ctx is cancelled.
func (e Engine) RunEscalations(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := e.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			e.Log.Error().Err(err).Msg("escalation sweep failed")
		case report.Opened > 0:
			e.Log.Info().Int("opened", report.Opened).Msg("escalation sweep")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type ActionItemOptions struct {
	RequestID  string
	Store      string
	Title      string
	OwnerName  string
	OwnerEmail string
	Deadline   time.Time
}

// CreateActionItem records a follow-up task, optionally linked to a request.
func (e Engine) CreateActionItem(ctx context.Context, opts ActionItemOptions) (domain.ActionItem, error) {
	if err := e.require(ctx, "actions", "create"); err != nil {
		return domain.ActionItem{}, err
	}
	switch {
	case strings.TrimSpace(opts.Title) == "":
		return domain.ActionItem{}, ValidationError{Field: "title", Message: "is required"}
	case strings.TrimSpace(opts.OwnerEmail) == "":
		return domain.ActionItem{}, ValidationError{Field: "owner_email", Message: "is required"}
	case opts.Deadline.IsZero():
		return domain.ActionItem{}, ValidationError{Field: "deadline", Message: "is required"}
	}
	item := domain.ActionItem{
		ID:         uuid.NewString(),
		Store:      strings.TrimSpace(opts.Store),
		Title:      strings.TrimSpace(opts.Title),
		OwnerName:  strings.TrimSpace(opts.OwnerName),
		OwnerEmail: strings.TrimSpace(opts.OwnerEmail),
		Deadline:   repo.FormatTime(opts.Deadline),
		Status:     domain.ActionItemOpen,
		CreatedAt:  repo.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionItem{}, err
	}
	defer tx.Rollback()
	if rid := strings.TrimSpace(opts.RequestID); rid != "" {
		req, err := e.Repo.GetRequest(ctx, tx, rid)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ActionItem{}, fmt.Errorf("%w: %s", approval.ErrRequestNotFound, rid)
		}
		if err != nil {
			return domain.ActionItem{}, err
		}
		item.RequestID = &rid
		if item.Store == "" {
			item.Store = req.Store
		}
	}
	if err := e.Repo.InsertActionItemTx(ctx, tx, item); err != nil {
		return domain.ActionItem{}, err
	}
	if err := e.events().Append(ctx, tx, "action_item.created", domain.ItemActionItem, item.ID, actorOf(ctx), events.EventPayload{
		"owner":    item.OwnerEmail,
		"deadline": item.Deadline,
	}); err != nil {
		return domain.ActionItem{}, err
	}
	return item, tx.Commit()
}

// CompleteActionItem closes the item and any escalation open for it.
func (e Engine) CompleteActionItem(ctx context.Context, id string) (domain.ActionItem, error) {
	if err := e.require(ctx, "actions", "complete"); err != nil {
		return domain.ActionItem{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionItem{}, err
	}
	defer tx.Rollback()
	now := repo.FormatTime(e.now())
	done, err := e.Repo.CompleteActionItemTx(ctx, tx, id, now)
	if err != nil {
		return domain.ActionItem{}, err
	}
	item, err := e.Repo.GetActionItem(ctx, tx, id)
	if err != nil {
		return domain.ActionItem{}, err
	}
	if !done {
		return item, nil
	}
	if _, err := e.Repo.ResolveEscalationsTx(ctx, tx, domain.ItemActionItem, id, now); err != nil {
		return domain.ActionItem{}, err
	}
	if err := e.events().Append(ctx, tx, "action_item.completed", domain.ItemActionItem, id, actorOf(ctx), nil); err != nil {
		return domain.ActionItem{}, err
	}
	return item, tx.Commit()
}

func (e Engine) ListActionItems(ctx context.Context, status string, overdueOnly bool) ([]domain.ActionItem, error) {
	if err := e.require(ctx, "actions", "view"); err != nil {
		return nil, err
	}
	overdueAt := ""
	if overdueOnly {
		overdueAt = repo.FormatTime(e.now())
	}
	return e.Repo.ListActionItems(ctx, status, overdueAt)
}

func (e Engine) ListEscalations(ctx context.Context, status, kind string) ([]domain.Escalation, error) {
	if err := e.require(ctx, "escalations", "view"); err != nil {
		return nil, err
	}
	return e.Repo.ListEscalations(ctx, status, kind)
}
