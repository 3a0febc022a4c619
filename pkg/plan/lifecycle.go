package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Lifecycle owns the create, attest and complete transitions of plan records.
// Every transition is all-or-nothing: a failure leaves the stored record unchanged.
type Lifecycle struct {
	store     Storage
	vault     Vault
	asset     Asset
	clock     Clock
	logger    *slog.Logger
	telemetry Telemetry
	hooks     []SettlementHook
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(l *Lifecycle) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTelemetry wraps every transition in a tracked operation.
func WithTelemetry(t Telemetry) Option {
	return func(l *Lifecycle) {
		if t != nil {
			l.telemetry = t
		}
	}
}

// WithSettlementHook registers a hook run after each committed settlement.
func WithSettlementHook(h SettlementHook) Option {
	return func(l *Lifecycle) {
		if h != nil {
			l.hooks = append(l.hooks, h)
		}
	}
}

// NewLifecycle creates a lifecycle over the given storage and vault. asset is the single
// asset stakes must be denominated in.
func NewLifecycle(store Storage, vault Vault, asset Asset, opts ...Option) (*Lifecycle, error) {
	if store == nil {
		return nil, errors.New("plan: storage is required")
	}
	if vault == nil {
		return nil, errors.New("plan: vault is required")
	}
	if asset.ID == "" {
		return nil, errors.New("plan: asset id is required")
	}
	if asset.Decimals > MaxAssetDecimals {
		return nil, fmt.Errorf("plan: asset decimals %d exceed %d", asset.Decimals, MaxAssetDecimals)
	}

	l := &Lifecycle{
		store:     store,
		vault:     vault,
		asset:     asset,
		clock:     wallClock{},
		logger:    slog.Default(),
		telemetry: noopTelemetry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "plan")
	return l, nil
}

// Asset returns the recognised stake asset.
func (l *Lifecycle) Asset() Asset {
	return l.asset
}

// Create validates params, locks the stake and persists a new inactive plan owned by caller.
func (l *Lifecycle) Create(ctx context.Context, caller Identity, params CreateParams) (_ *Plan, err error) {
	key := Key{Owner: caller, ID: params.ID}
	ctx, done := l.telemetry.TrackOperation(ctx, "plan.create", operationAttrs("create", key)...)
	defer func() { done(err) }()

	now := l.clock.Now().Unix()

	if err := ValidateParams(params, l.asset); err != nil {
		l.reject(ctx, "create", key, err)
		return nil, err
	}

	if _, _, err := l.store.Get(ctx, key); err == nil {
		l.reject(ctx, "create", key, ErrDuplicate)
		return nil, ErrDuplicate
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}

	p := &Plan{
		ID:              params.ID,
		Owner:           caller,
		Asset:           params.Asset,
		Stake:           params.Stake,
		NumberOfDays:    params.NumberOfDays,
		DailyFrequency:  params.DailyFrequency,
		DurationMinutes: params.DurationMinutes,
		StartAt:         now,
		EndAt:           now + int64(params.NumberOfDays)*DaySeconds,
		Attestations:    make([]Attestation, 0, int(params.NumberOfDays)*int(params.DailyFrequency)),
	}

	capability, err := l.vault.Lock(ctx, key, params.Asset, params.Stake)
	if err != nil {
		l.reject(ctx, "create", key, err)
		return nil, fmt.Errorf("create %s: lock stake: %w", key, err)
	}
	p.ReleaseCapability = capability

	if err := l.store.Create(ctx, p); err != nil {
		// Hand the stake back; the record was never persisted.
		if _, rerr := l.vault.Release(ctx, capability, params.Stake); rerr != nil {
			l.logger.ErrorContext(ctx, "failed to return stake after aborted create",
				"owner", key.Owner, "id", key.ID, "error", rerr)
		}
		if errors.Is(err, ErrDuplicate) {
			l.reject(ctx, "create", key, err)
			return nil, err
		}
		return nil, fmt.Errorf("create %s: %w", key, err)
	}

	l.logger.InfoContext(ctx, "plan created",
		"owner", key.Owner, "id", key.ID,
		"stake", p.Stake, "number_of_days", p.NumberOfDays,
		"daily_frequency", p.DailyFrequency, "end_at", p.EndAt)
	return p.Clone(), nil
}

// Get returns the plan stored under key.
func (l *Lifecycle) Get(ctx context.Context, key Key) (*Plan, error) {
	p, _, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ErrListUnsupported is returned by List when the storage cannot enumerate plans.
var ErrListUnsupported = errors.New("plan: storage does not support listing")

// List returns up to limit of the owner's plans ordered by id.
func (l *Lifecycle) List(ctx context.Context, owner Identity, limit int) ([]*Plan, error) {
	lister, ok := l.store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	return lister.ListByOwner(ctx, owner, limit)
}

// Attest validates a session claimed by caller and appends it to the plan under key,
// accruing one session's share of the stake.
func (l *Lifecycle) Attest(ctx context.Context, caller Identity, key Key, startedAt, endedAt int64) (_ *Plan, err error) {
	ctx, done := l.telemetry.TrackOperation(ctx, "plan.attest", operationAttrs("attest", key)...)
	defer func() { done(err) }()

	now := l.clock.Now().Unix()

	p, version, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := checkAttestation(p, caller, startedAt, endedAt, now); err != nil {
		l.reject(ctx, "attest", key, err)
		return nil, err
	}

	next, err := Accrue(p, Attestation{Attester: caller, StartedAt: startedAt, EndedAt: endedAt})
	if err != nil {
		l.logger.ErrorContext(ctx, "reward accrual failed", "owner", key.Owner, "id", key.ID, "error", err)
		return nil, err
	}

	if err := l.store.Update(ctx, next, version); err != nil {
		if errors.Is(err, ErrConflict) {
			l.reject(ctx, "attest", key, err)
			return nil, err
		}
		return nil, fmt.Errorf("attest %s: %w", key, err)
	}

	l.logger.InfoContext(ctx, "session attested",
		"owner", key.Owner, "id", key.ID,
		"sessions", len(next.Attestations), "rewards", next.Rewards)
	return next, nil
}

// Complete settles the plan under key once its schedule is satisfied or its window has
// passed, and releases the rewarded part of the stake to the owner. On an already
// completed plan it only finishes a release that was interrupted after the settlement
// was committed; otherwise it fails with PLAN_COMPLETED.
func (l *Lifecycle) Complete(ctx context.Context, caller Identity, key Key) (_ *Plan, _ *Settlement, err error) {
	ctx, done := l.telemetry.TrackOperation(ctx, "plan.complete", operationAttrs("complete", key)...)
	defer func() { done(err) }()

	now := l.clock.Now().Unix()

	p, version, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	if err := checkCompletable(p, caller, now); err != nil {
		if errors.Is(err, ErrPlanCompleted) {
			s, ok, rerr := l.resumeRelease(ctx, p, version, now)
			if rerr != nil {
				return nil, nil, rerr
			}
			if ok {
				return p, s, nil
			}
		}
		l.reject(ctx, "complete", key, err)
		return nil, nil, err
	}

	settled, err := Settle(p)
	if err != nil {
		l.logger.ErrorContext(ctx, "settlement arithmetic failed", "owner", key.Owner, "id", key.ID, "error", err)
		return nil, nil, err
	}

	// Commit first: a racing completion fails its compare-and-swap and never reaches release.
	if err := l.store.Update(ctx, settled, version); err != nil {
		if errors.Is(err, ErrConflict) {
			l.reject(ctx, "complete", key, err)
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("complete %s: %w", key, err)
	}

	released, err := l.release(ctx, settled)
	if err != nil {
		if rerr := l.store.Update(ctx, p, version+1); rerr != nil {
			l.logger.ErrorContext(ctx, "failed to roll back settlement after release failure",
				"owner", key.Owner, "id", key.ID, "error", rerr, "release_error", err)
			return nil, nil, errors.Join(fmt.Errorf("complete %s: release: %w", key, err), rerr)
		}
		return nil, nil, fmt.Errorf("complete %s: release: %w", key, err)
	}

	s := Settlement{
		ReceiptID: uuid.NewString(),
		Key:       key,
		SettledAt: now,
		Rewards:   settled.Rewards,
		Penalties: settled.Penalties,
		Released:  released,
	}

	l.logger.InfoContext(ctx, "plan settled",
		"owner", key.Owner, "id", key.ID, "receipt_id", s.ReceiptID,
		"sessions", len(settled.Attestations), "total_sessions", settled.TotalSessions(),
		"rewards", s.Rewards, "penalties", s.Penalties, "released", s.Released)

	for _, h := range l.hooks {
		h(ctx, settled.Clone(), s)
	}
	return settled, &s, nil
}

// resumeRelease finishes a completion whose settlement was committed but whose release
// never ran. After a finished release the vault holds exactly the penalties, so anything
// above that is still owed to the owner. ok is false when nothing is owed.
func (l *Lifecycle) resumeRelease(ctx context.Context, p *Plan, version, now int64) (_ *Settlement, ok bool, _ error) {
	key := p.Key()
	if p.Rewards == 0 {
		return nil, false, nil
	}
	locked, err := l.vault.Locked(ctx, p.ReleaseCapability)
	if err != nil {
		return nil, false, fmt.Errorf("complete %s: read locked balance: %w", key, err)
	}
	if locked <= p.Penalties {
		return nil, false, nil
	}

	// Claim the resume so concurrent retries release at most once.
	if err := l.store.Update(ctx, p, version); err != nil {
		if errors.Is(err, ErrConflict) {
			l.reject(ctx, "complete", key, err)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("complete %s: %w", key, err)
	}

	released, err := l.vault.Release(ctx, p.ReleaseCapability, min(p.Rewards, locked-p.Penalties))
	if err != nil {
		return nil, false, fmt.Errorf("complete %s: resume release: %w", key, err)
	}

	s := Settlement{
		ReceiptID: uuid.NewString(),
		Key:       key,
		SettledAt: now,
		Rewards:   p.Rewards,
		Penalties: p.Penalties,
		Released:  released,
	}
	l.logger.WarnContext(ctx, "resumed interrupted release",
		"owner", key.Owner, "id", key.ID, "receipt_id", s.ReceiptID,
		"locked", locked, "released", released)

	for _, h := range l.hooks {
		h(ctx, p.Clone(), s)
	}
	return &s, true, nil
}

// release returns min(rewards, locked) to the owner. Nothing moves when that is zero.
func (l *Lifecycle) release(ctx context.Context, p *Plan) (uint64, error) {
	if p.Rewards == 0 {
		return 0, nil
	}
	locked, err := l.vault.Locked(ctx, p.ReleaseCapability)
	if err != nil {
		return 0, err
	}
	amount := min(p.Rewards, locked)
	if amount == 0 {
		return 0, nil
	}
	return l.vault.Release(ctx, p.ReleaseCapability, amount)
}

func (l *Lifecycle) reject(ctx context.Context, op string, key Key, err error) {
	l.logger.InfoContext(ctx, "plan transition rejected",
		"operation", op, "owner", key.Owner, "id", key.ID, "code", CodeOf(err))
}

func operationAttrs(op string, key Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("plan.operation", op),
		attribute.String("plan.owner", string(key.Owner)),
		attribute.Int64("plan.id", int64(key.ID)),
	}
}
