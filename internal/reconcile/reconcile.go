package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"compliance-custody/internal/alerting"
	"compliance-custody/internal/asset"
	"compliance-custody/internal/config"
	"compliance-custody/internal/scheduler"
	"compliance-custody/internal/storage"
)

// LedgerTotals reports what the ledger owes depositors per currency.
type LedgerTotals interface {
	TotalBalance(currency common.Address) *uint256.Int
}

// Service compares ledger totals with custody holdings on every bucket.
type Service struct {
	scheduler  *scheduler.Scheduler
	ledger     LedgerTotals
	holdings   asset.HoldingsReader
	currencies []common.Address
	store      storage.ReconciliationStore
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	tolerance decimal.Decimal
	cooldown  time.Duration
	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
}

// New constructs the reconciliation service. store and alertStore may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, ledger LedgerTotals, holdings asset.HoldingsReader, store storage.ReconciliationStore, alertStore storage.AlertStore, notifier alerting.Notifier, logger zerolog.Logger) (*Service, error) {
	if ledger == nil || holdings == nil {
		return nil, errors.New("reconcile: ledger and holdings reader are required")
	}
	currencies, err := cfg.Chain.CurrencyAddresses()
	if err != nil {
		return nil, err
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		ledger:     ledger,
		holdings:   holdings,
		currencies: currencies,
		store:      store,
		alertStore: alertStore,
		notifier:   notifier,
		logger:     logger.With().Str("component", "reconcile").Logger(),
		tolerance:  decimal.NewFromFloat(cfg.Reconcile.TolerancePct),
		cooldown:   cfg.Alerting.Cooldown,
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		locker:     locker,
		lockKey:    cfg.Reconcile.AdvisoryLockKey,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run begins the aligned reconciliation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.ProcessBucket(ctx, bucket)
		return err
	})
}

// ProcessBucket reconciles every configured currency for one bucket. It returns no
// samples when another instance holds the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) ([]storage.ReconciliationSample, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	samples := make([]storage.ReconciliationSample, 0, len(s.currencies))
	var errs []error
	for _, currency := range s.currencies {
		sample, err := s.reconcileCurrency(ctx, bucket, currency)
		if err != nil {
			errs = append(errs, err)
		}
		samples = append(samples, sample)
	}
	return samples, errors.Join(errs...)
}

func (s *Service) reconcileCurrency(ctx context.Context, bucket time.Time, currency common.Address) (storage.ReconciliationSample, error) {
	total := s.ledger.TotalBalance(currency)
	sample := storage.ReconciliationSample{
		Bucket:      bucket,
		Currency:    currency,
		LedgerTotal: total,
		CreatedAt:   s.now(),
	}

	held, err := s.holdings.Holdings(ctx, currency)
	if err != nil {
		msg := err.Error()
		sample.Status = storage.StatusErrored
		sample.Error = &msg
		s.persist(ctx, sample)
		return sample, fmt.Errorf("read holdings of %s: %w", currency.Hex(), err)
	}

	sample.Holdings = held
	sample.Drift, sample.DriftPct = drift(total, held)
	sample.Status = classifyDrift(sample.Drift)
	s.persist(ctx, sample)

	s.logger.Info().Time("bucket", bucket).
		Str("currency", currency.Hex()).
		Str("ledger_total", total.Dec()).
		Str("holdings", held.Dec()).
		Str("drift_pct", sample.DriftPct.String()).
		Str("status", sample.Status).
		Msg("reconciliation recorded")

	if s.shouldAlert(sample) {
		s.alert(ctx, sample)
	}
	return sample, nil
}

func (s *Service) persist(ctx context.Context, sample storage.ReconciliationSample) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertReconciliation(ctx, sample); err != nil {
		s.logger.Error().Err(err).Time("bucket", sample.Bucket).Str("currency", sample.Currency.Hex()).Msg("failed to upsert reconciliation")
	}
}

// shouldAlert fires on any shortfall and on a surplus beyond the tolerance.
func (s *Service) shouldAlert(sample storage.ReconciliationSample) bool {
	if !s.alertsOn || s.notifier == nil {
		return false
	}
	switch sample.Status {
	case storage.StatusShortfall:
		return true
	case storage.StatusSurplus:
		return sample.DriftPct.Abs().GreaterThan(s.tolerance)
	default:
		return false
	}
}

func (s *Service) alert(ctx context.Context, sample storage.ReconciliationSample) {
	if s.coolingDown(ctx, sample.Currency) {
		s.logger.Debug().Str("currency", sample.Currency.Hex()).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Bucket:       sample.Bucket,
		Currency:     sample.Currency,
		LedgerTotal:  sample.LedgerTotal.Dec(),
		Holdings:     sample.Holdings.Dec(),
		DriftPct:     sample.DriftPct,
		ThresholdPct: s.tolerance,
		Direction:    sample.Status,
		Channels:     s.channels,
	}
	if s.alertStore != nil {
		record := storage.AlertRecord{
			SampleTS:     sample.Bucket,
			Currency:     sample.Currency,
			DriftPct:     sample.DriftPct,
			ThresholdPct: s.tolerance,
			Direction:    sample.Status,
			Channels:     s.channels,
		}
		if _, err := s.alertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("bucket", sample.Bucket).Msg("failed to persist alert record")
		}
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("bucket", sample.Bucket).Msg("failed to dispatch alert")
	}
}

func (s *Service) coolingDown(ctx context.Context, currency common.Address) bool {
	if s.alertStore == nil || s.cooldown <= 0 {
		return false
	}
	recent, err := s.alertStore.ListRecentAlerts(ctx, currency, 1)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load recent alerts")
		return false
	}
	return len(recent) > 0 && s.now().Sub(recent[0].CreatedAt) < s.cooldown
}

// drift returns holdings minus ledger total and that difference as a percentage of the
// ledger total. An empty ledger with holdings reports 100%.
func drift(total, held *uint256.Int) (decimal.Decimal, decimal.Decimal) {
	t := decimal.NewFromBigInt(total.ToBig(), 0)
	h := decimal.NewFromBigInt(held.ToBig(), 0)
	diff := h.Sub(t)
	switch {
	case diff.IsZero():
		return diff, decimal.Zero
	case t.IsZero():
		return diff, decimal.NewFromInt(100)
	}
	return diff, diff.Div(t).Mul(decimal.NewFromInt(100))
}

func classifyDrift(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return storage.StatusSurplus
	case -1:
		return storage.StatusShortfall
	default:
		return storage.StatusBalanced
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
