package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/compliance"
	"compliance-custody/internal/roles"
)

var (
	// ErrUnauthorized indicates the acting account may not administer the oracle.
	ErrUnauthorized = errors.New("oracle: unauthorized")
	// ErrNotPending indicates a verdict for a record that is not awaiting one.
	ErrNotPending = errors.New("oracle: authorization not pending")
)

// Authorizer answers role membership questions.
type Authorizer interface {
	HasRole(account common.Address, role roles.Role) bool
}

// Options tune the oracle.
type Options struct {
	TTL       time.Duration
	FeeRate   compliance.FeeRate
	Collector common.Address
	Now       func() time.Time
}

// Oracle is an in-process policy decision service. Decisions are issued by operators;
// the oracle only stores, pools and consumes them.
type Oracle struct {
	store  Store
	auth   Authorizer
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.RWMutex
	rate      compliance.FeeRate
	collector common.Address
	collected map[common.Address]*uint256.Int
}

// New constructs an oracle over store.
func New(store Store, auth Authorizer, opts Options, logger zerolog.Logger) (*Oracle, error) {
	if store == nil {
		return nil, errors.New("oracle: store is required")
	}
	rate := opts.FeeRate
	if rate.Denominator == 0 && rate.Numerator == 0 {
		rate = compliance.NoFee
	}
	if err := rate.Validate(); err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Oracle{
		store:     store,
		auth:      auth,
		ttl:       ttl,
		now:       now,
		logger:    logger.With().Str("component", "oracle").Logger(),
		rate:      rate,
		collector: opts.Collector,
		collected: make(map[common.Address]*uint256.Int),
	}, nil
}

// RequestCheck registers fp for review and returns the pending (or pooled) record.
func (o *Oracle) RequestCheck(ctx context.Context, fp compliance.Fingerprint) (Record, error) {
	now := o.now()
	rec, err := o.store.Register(ctx, fp, now, now.Add(o.ttl))
	if err != nil {
		return Record{}, err
	}
	o.logger.Info().Str("fingerprint", fp.Hex()).Int64("pooled", rec.Pooled).
		Time("expires_at", rec.ExpiresAt).Msg("compliance check requested")
	return rec, nil
}

// IssueVerdict moves a pending record to Approved or Rejected.
func (o *Oracle) IssueVerdict(ctx context.Context, operator common.Address, fp compliance.Fingerprint, approved bool) error {
	if o.auth == nil || !o.auth.HasRole(operator, roles.Operator) {
		return fmt.Errorf("%w: %s cannot issue verdicts", ErrUnauthorized, operator.Hex())
	}
	status := compliance.StatusRejected
	if approved {
		status = compliance.StatusApproved
	}
	prior, err := o.store.Decide(ctx, fp, status, o.now())
	if err != nil {
		return err
	}
	if prior != compliance.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, fp.Hex(), prior)
	}
	o.logger.Info().Str("fingerprint", fp.Hex()).Str("status", status.String()).
		Str("operator", operator.Hex()).Msg("verdict issued")
	return nil
}

// Status reports the current status of fp.
func (o *Oracle) Status(ctx context.Context, fp compliance.Fingerprint) (Record, error) {
	return o.store.Get(ctx, fp, o.now())
}

// Consume uses one approval for fp.
func (o *Oracle) Consume(ctx context.Context, fp compliance.Fingerprint) (compliance.FullAuthorizationID, error) {
	rec, status, err := o.store.Consume(ctx, fp, o.now())
	if err != nil {
		return compliance.FullAuthorizationID{}, err
	}
	if status != compliance.StatusApproved {
		return compliance.FullAuthorizationID{}, compliance.Rejected(status)
	}
	return compliance.FullAuthorizationID{Fingerprint: fp, RegisteredAt: rec.RegisteredAt}, nil
}

// SetFeeRate replaces the fee rate; operator must hold the Operator role.
func (o *Oracle) SetFeeRate(operator common.Address, rate compliance.FeeRate) error {
	if o.auth == nil || !o.auth.HasRole(operator, roles.Operator) {
		return fmt.Errorf("%w: %s cannot set the fee rate", ErrUnauthorized, operator.Hex())
	}
	if err := rate.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.rate = rate
	o.mu.Unlock()
	o.logger.Info().Str("rate", rate.String()).Str("operator", operator.Hex()).Msg("fee rate updated")
	return nil
}

func (o *Oracle) FeeRate(context.Context) (compliance.FeeRate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.rate, nil
}

func (o *Oracle) FeeCollector(context.Context) (common.Address, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.collector, nil
}

func (o *Oracle) PayFee(_ context.Context, currency common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	total, ok := o.collected[currency]
	if !ok {
		total = new(uint256.Int)
		o.collected[currency] = total
	}
	total.Add(total, amount)
	return nil
}

// CollectedFees returns the fees received in currency.
func (o *Oracle) CollectedFees(currency common.Address) *uint256.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if total, ok := o.collected[currency]; ok {
		return total.Clone()
	}
	return new(uint256.Int)
}

var _ compliance.Oracle = (*Oracle)(nil)
