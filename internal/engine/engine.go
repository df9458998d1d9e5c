package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opex/internal/approval"
	"opex/internal/config"
	"opex/internal/db"
	"opex/internal/domain"
	"opex/internal/engine/auth"
	"opex/internal/events"
	"opex/internal/repo"
)

// Notifier is told about committed transitions. Implementations must not
// block for long and never report failures back to the engine.
type Notifier interface {
	OnAdvance(ctx context.Context, req domain.Request)
	OnTerminal(ctx context.Context, req domain.Request)
	OnEscalation(ctx context.Context, esc domain.Escalation, fields map[string]string)
}

type NopNotifier struct{}

func (NopNotifier) OnAdvance(context.Context, domain.Request)  {}
func (NopNotifier) OnTerminal(context.Context, domain.Request) {}
func (NopNotifier) OnEscalation(context.Context, domain.Escalation, map[string]string) {
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Access   auth.PermissionChecker
	Notifier Notifier
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Events:   events.Writer{Dialect: dialect},
		Config:   cfg,
		Access:   NewChecker(cfg),
		Notifier: NopNotifier{},
		Log:      zerolog.Nop(),
		Now:      time.Now,
	}
}

// NewChecker builds the RBAC checker from the rbac section of the config.
func NewChecker(cfg *config.Config) auth.Checker {
	roles := make(map[string][]string, len(cfg.RBAC.Roles))
	for id, role := range cfg.RBAC.Roles {
		roles[id] = role.Permissions
	}
	return auth.Checker{Roles: roles, DefaultRole: cfg.RBAC.DefaultRole}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) notifier() Notifier {
	if e.Notifier == nil {
		return NopNotifier{}
	}
	return e.Notifier
}

func (e Engine) require(ctx context.Context, formCode, action string) error {
	return auth.Require(ctx, e.Access, formCode, action)
}

func actorOf(ctx context.Context) string {
	if p, ok := auth.PrincipalFrom(ctx); ok {
		return p.Actor()
	}
	return ""
}

func (e Engine) resolver() approval.Resolver {
	return approval.Resolver{Dir: repo.Directory{Repo: e.Repo}}
}

// CreateRequestOptions are the fields of a submitted cleaning request.
type CreateRequestOptions struct {
	ID          string
	Store       string
	Category    string
	Description string
	NeededBy    string
	Attributes  map[string]string
	Requester   approval.Identity
	Selections  map[string]approval.Selection
}

type CreateResult struct {
	Request domain.Request         `json:"request"`
	Dropped []approval.DroppedStep `json:"-"`
}

// PreviewRoles returns the role list the active rules produce for attrs.
func (e Engine) PreviewRoles(ctx context.Context, attrs map[string]string) ([]string, error) {
	rules, err := e.Repo.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	base := e.Config.Approval.BaseChain
	if len(base) == 0 {
		base = approval.DefaultBaseChain
	}
	return approval.BuildRoles(base, rules, attrs, e.Config.Approval.TerminalMarker), nil
}

// CreateRequest builds the approval chain and stores it with the request in
// one transaction. An empty chain approves the request on the spot.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (CreateResult, error) {
	if err := e.require(ctx, domain.FormCleaning, "create"); err != nil {
		return CreateResult{}, err
	}
	opts.Store = strings.TrimSpace(opts.Store)
	opts.Category = strings.TrimSpace(opts.Category)
	switch {
	case opts.Store == "":
		return CreateResult{}, ValidationError{Field: "store", Message: "is required"}
	case opts.Category == "":
		return CreateResult{}, ValidationError{Field: "category", Message: "is required"}
	case strings.TrimSpace(opts.Requester.Email) == "":
		return CreateResult{}, ValidationError{Field: "requester.email", Message: "is required"}
	}
	now := repo.FormatTime(e.now())
	req := domain.Request{
		ID:            opts.ID,
		FormCode:      domain.FormCleaning,
		Store:         opts.Store,
		Category:      opts.Category,
		Description:   strings.TrimSpace(opts.Description),
		Attributes:    opts.Attributes,
		Requester:     opts.Requester,
		StepStartedAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if nb := strings.TrimSpace(opts.NeededBy); nb != "" {
		req.NeededBy = &nb
	}

	roles, err := e.PreviewRoles(ctx, req.RuleContext())
	if err != nil {
		return CreateResult{}, err
	}
	chain, dropped, err := e.resolver().BuildChain(ctx, roles, req.Store, opts.Selections)
	if err != nil {
		return CreateResult{}, err
	}
	for _, d := range dropped {
		e.Log.Warn().Err(d.Reason).Str("request_id", req.ID).Str("role", d.Role).Msg("approval step dropped")
	}
	req.SetState(approval.NewState(chain))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequestTx(ctx, tx, req); err != nil {
		return CreateResult{}, fmt.Errorf("insert request: %w", err)
	}
	droppedRoles := make([]string, 0, len(dropped))
	for _, d := range dropped {
		droppedRoles = append(droppedRoles, d.Role)
	}
	if err := e.events().Append(ctx, tx, "request.created", "request", req.ID, actorOf(ctx), events.EventPayload{
		"roles":   req.Chain.Roles(),
		"dropped": droppedRoles,
		"status":  req.OverallStatus,
	}); err != nil {
		return CreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, err
	}
	e.Log.Info().Str("request_id", req.ID).Str("store", req.Store).Str("status", string(req.OverallStatus)).Strs("roles", req.Chain.Roles()).Msg("request created")
	if req.OverallStatus == approval.StatusPending {
		e.notifier().OnAdvance(ctx, req)
	}
	return CreateResult{Request: req, Dropped: dropped}, nil
}

// DecideOptions is one decision on a request. Step, when set, pins the
// decision to the step a signed link was issued for.
type DecideOptions struct {
	RequestID  string
	ActorEmail string
	Action     approval.Action
	Comments   string
	Step       *int
}

type DecideResult struct {
	Request domain.Request   `json:"request"`
	Outcome approval.Outcome `json:"-"`
}

// NextApproverRole is empty once the request is terminal.
func (r DecideResult) NextApproverRole() string {
	return r.Outcome.NextApproverRole()
}

// Decide applies an approve/reject decision. Both the authenticated API and
// the e-mail link route go through here. A lost race is retried once against
// fresh state before surfacing approval.ErrPersistenceConflict.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (DecideResult, error) {
	log := e.Log.With().Str("request_id", opts.RequestID).Str("actor", opts.ActorEmail).Str("action", string(opts.Action)).Logger()
	if err := e.require(ctx, domain.FormCleaning, "approve"); err != nil {
		log.Warn().Err(err).Msg("decision refused")
		return DecideResult{}, err
	}
	var (
		res DecideResult
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		res, err = e.decideOnce(ctx, opts)
		if !errors.Is(err, approval.ErrPersistenceConflict) {
			break
		}
		log.Warn().Int("attempt", attempt+1).Msg("decision raced another writer")
	}
	if err != nil {
		log.Warn().Err(err).Msg("decision refused")
		return DecideResult{}, err
	}
	log.Info().Int("step", res.Outcome.StepIndex).Str("status", string(res.Request.OverallStatus)).Str("next_role", res.NextApproverRole()).Msg("decision recorded")
	if res.Request.OverallStatus.Terminal() {
		e.notifier().OnTerminal(ctx, res.Request)
	} else {
		e.notifier().OnAdvance(ctx, res.Request)
	}
	return res, nil
}

func (e Engine) decideOnce(ctx context.Context, opts DecideOptions) (DecideResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecideResult{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequest(ctx, tx, opts.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		return DecideResult{}, fmt.Errorf("%w: %s", approval.ErrRequestNotFound, opts.RequestID)
	}
	if err != nil {
		return DecideResult{}, err
	}
	st := req.State()
	if opts.Step != nil && !st.Terminal() && *opts.Step != st.CurrentStep {
		return DecideResult{}, approval.ErrNotCurrentApprover
	}
	at := e.now()
	next, out, err := st.Decide(approval.Decision{ActorEmail: opts.ActorEmail, Action: opts.Action, Comments: opts.Comments, At: at})
	if err != nil {
		return DecideResult{}, err
	}
	expected := req.CurrentStep
	now := repo.FormatTime(at)
	req.SetState(next)
	req.UpdatedAt = now
	req.StepStartedAt = now
	if err := e.Repo.UpdateRequestStateTx(ctx, tx, req, expected); err != nil {
		return DecideResult{}, err
	}
	if err := e.Repo.InsertHistoryTx(ctx, tx, out.History(req.ID)); err != nil {
		return DecideResult{}, err
	}
	if _, err := e.Repo.ResolveEscalationsTx(ctx, tx, domain.ItemRequest, req.ID, now); err != nil {
		return DecideResult{}, err
	}
	if err := e.events().Append(ctx, tx, "request.decided", "request", req.ID, opts.ActorEmail, events.EventPayload{
		"step":      out.StepIndex,
		"role":      out.Decided.Role,
		"action":    string(out.Decided.Status),
		"status":    req.OverallStatus,
		"next_role": out.NextApproverRole(),
	}); err != nil {
		return DecideResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecideResult{}, err
	}
	return DecideResult{Request: req, Outcome: out}, nil
}

// Snapshot returns the request with its parsed chain and ordered history.
func (e Engine) Snapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	if err := e.require(ctx, domain.FormCleaning, "view"); err != nil {
		return domain.Snapshot{}, err
	}
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", approval.ErrRequestNotFound, id)
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	history, err := e.Repo.ListHistory(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Request: req, History: history}, nil
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.Request, error) {
	if err := e.require(ctx, domain.FormCleaning, "view"); err != nil {
		return nil, err
	}
	return e.Repo.ListRequests(ctx, f)
}

// Candidates lists the directory members who can fill role at store.
func (e Engine) Candidates(ctx context.Context, role, store string) ([]approval.Identity, error) {
	if err := e.require(ctx, domain.FormCleaning, "create"); err != nil {
		return nil, err
	}
	return e.resolver().Candidates(ctx, role, store)
}
