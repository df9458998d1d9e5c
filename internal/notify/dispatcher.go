package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opex/internal/approval"
	"opex/internal/domain"
	"opex/internal/repo"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchBatch    = 50
	defaultMaxAttempts      = 5
	sendTimeout             = 10 * time.Second
	staleSendingAfter       = 5 * time.Minute
	maxBackoff              = time.Hour
)

// Dispatcher drains the notification outbox.
type Dispatcher struct {
	Repo        repo.Repo
	Sender      Sender
	Renderer    Renderer
	From        string
	MaxAttempts int
	Interval    time.Duration
	Log         zerolog.Logger
	Now         func() time.Time
	Wake        <-chan struct{}
}

type FlushReport struct {
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Run flushes on every tick and wake-up until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.Log.Error().Err(err).Msg("notification: flush failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.Wake:
		}
	}
}

// Flush claims every due row and attempts delivery once.
func (d *Dispatcher) Flush(ctx context.Context) (FlushReport, error) {
	var report FlushReport
	for {
		now := d.now()
		batch, err := d.Repo.ClaimDueNotifications(ctx, repo.FormatTime(now), repo.FormatTime(now.Add(-staleSendingAfter)), defaultDispatchBatch)
		if err != nil {
			return report, err
		}
		for _, n := range batch {
			switch d.deliver(ctx, n) {
			case domain.NotificationSent:
				report.Sent++
			case domain.NotificationPending:
				report.Retried++
			default:
				report.Failed++
			}
		}
		if len(batch) < defaultDispatchBatch {
			return report, nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) string {
	log := d.Log.With().Str("notification_id", n.ID).Str("kind", n.Kind).Str("request_id", n.RequestID).Logger()
	subject, body, err := Compose(d.Renderer, n.Kind, n.Fields)
	if err != nil {
		// A template error will not fix itself on retry.
		d.markFailed(ctx, log, n, err, true)
		return domain.NotificationFailed
	}
	msg := Message{ID: n.ID, Kind: n.Kind, From: d.From, To: n.To, Subject: subject, Body: body, RequestID: n.RequestID, Fields: n.Fields}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err = d.send(sendCtx, msg)
	cancel()
	if err != nil {
		final := n.Attempts+1 >= d.maxAttempts()
		d.markFailed(ctx, log, n, err, final)
		if final {
			return domain.NotificationFailed
		}
		return domain.NotificationPending
	}
	if err := d.Repo.MarkNotificationSent(ctx, n.ID, repo.FormatTime(d.now())); err != nil {
		log.Error().Err(err).Msg("notification: mark sent failed")
	}
	return domain.NotificationSent
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return d.Sender.Send(ctx, msg)
}

func (d *Dispatcher) markFailed(ctx context.Context, log zerolog.Logger, n domain.Notification, cause error, final bool) {
	now := d.now()
	retryAt := ""
	if !final {
		retryAt = repo.FormatTime(now.Add(backoff(n.Attempts)))
	}
	log.Warn().
		Err(fmt.Errorf("%w: %v", approval.ErrNotificationDeliveryFailed, cause)).
		Int("attempt", n.Attempts+1).
		Bool("final", final).
		Msg("notification: delivery failed")
	if err := d.Repo.MarkNotificationFailed(ctx, n.ID, cause.Error(), retryAt, repo.FormatTime(now)); err != nil {
		log.Error().Err(err).Msg("notification: mark failed failed")
	}
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return defaultMaxAttempts
}

func backoff(attempts int) time.Duration {
	wait := 30 * time.Second << attempts
	if wait <= 0 || wait > maxBackoff {
		return maxBackoff
	}
	return wait
}
