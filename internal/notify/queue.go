package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/links"
	"opex/internal/repo"
)

// Queue turns workflow transitions into outbox rows. It runs after the
// transition has committed; failures are logged and never returned.
type Queue struct {
	Repo  repo.Repo
	Links links.Builder
	Log   zerolog.Logger
	Now   func() time.Time
	wake  chan struct{}
}

func NewQueue(r repo.Repo, lb links.Builder, log zerolog.Logger) *Queue {
	return &Queue{Repo: r, Links: lb, Log: log, Now: time.Now, wake: make(chan struct{}, 1)}
}

// Wake is signalled whenever a row is enqueued.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// OnAdvance asks the new current approver to decide.
func (q *Queue) OnAdvance(ctx context.Context, req domain.Request) {
	step, ok := req.State().Current()
	if !ok || req.OverallStatus != approval.StatusPending {
		return
	}
	fields := requestFields(req)
	fields["approver_name"] = step.Name
	fields["approver_email"] = step.Email
	fields["approver_role"] = step.Role
	for _, a := range []approval.Action{approval.Approve, approval.Reject} {
		u, err := q.Links.DecisionURL(req.ID, step.Email, req.CurrentStep, a)
		if err != nil {
			q.Log.Warn().Err(err).Str("request_id", req.ID).Msg("notification: decision link not built")
			return
		}
		fields[string(a)+"_url"] = u
	}
	q.enqueue(ctx, KindApprovalRequest, step.Email, req.ID, fields)
}

// OnTerminal tells the requester how the request ended.
func (q *Queue) OnTerminal(ctx context.Context, req domain.Request) {
	fields := requestFields(req)
	kind := KindApproved
	if req.OverallStatus == approval.StatusRejected {
		kind = KindRejected
		if req.CurrentStep < len(req.Chain) {
			step := req.Chain[req.CurrentStep]
			fields["rejected_by"] = step.Name
			fields["approver_role"] = step.Role
			fields["comments"] = step.Comments
		}
	}
	q.enqueue(ctx, kind, req.Requester.Email, req.ID, fields)
}

// OnEscalation notifies the escalation target.
func (q *Queue) OnEscalation(ctx context.Context, esc domain.Escalation, fields map[string]string) {
	if esc.TargetEmail == "" {
		q.Log.Warn().Str("escalation_id", esc.ID).Str("target_role", esc.TargetRole).Msg("notification: escalation target has no e-mail")
		return
	}
	out := map[string]string{
		"item_id":     esc.ItemID,
		"item_kind":   esc.ItemKind,
		"reason":      esc.Reason,
		"target_name": esc.TargetName,
		"target_role": esc.TargetRole,
	}
	for k, v := range fields {
		out[k] = v
	}
	requestID := ""
	if esc.ItemKind == domain.ItemRequest {
		requestID = esc.ItemID
	}
	q.enqueue(ctx, KindEscalation, esc.TargetEmail, requestID, out)
}

func (q *Queue) enqueue(ctx context.Context, kind, to, requestID string, fields map[string]string) {
	if to == "" {
		q.Log.Warn().Str("kind", kind).Str("request_id", requestID).Msg("notification: no recipient")
		return
	}
	n, err := q.Repo.EnqueueNotification(ctx, nil, domain.Notification{
		Kind:      kind,
		To:        to,
		RequestID: requestID,
		Fields:    fields,
		CreatedAt: repo.FormatTime(q.now()),
	})
	if err != nil {
		q.Log.Error().Err(err).Str("kind", kind).Str("request_id", requestID).Msg("notification: enqueue failed")
		return
	}
	q.Log.Debug().Str("notification_id", n.ID).Str("kind", kind).Str("request_id", requestID).Msg("notification: queued")
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func requestFields(req domain.Request) map[string]string {
	f := map[string]string{
		"request_id":      req.ID,
		"store":           req.Store,
		"category":        req.Category,
		"description":     req.Description,
		"submitter":       req.Requester.Name,
		"submitter_email": req.Requester.Email,
		"created_at":      req.CreatedAt,
		"status":          string(req.OverallStatus),
	}
	if req.NeededBy != nil {
		f["needed_by"] = *req.NeededBy
	}
	return f
}
