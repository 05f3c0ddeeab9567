package custody

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"compliance-custody/internal/asset"
	"compliance-custody/internal/compliance"
	"compliance-custody/internal/events"
)

var (
	depositSelector      = compliance.Selector("deposit(address,address,uint256)")
	depositMemoSelector  = compliance.Selector("deposit(address,address,uint256,bytes)")
	withdrawSelector     = compliance.Selector("withdraw(address,uint256)")
	withdrawMemoSelector = compliance.Selector("withdraw(address,uint256,bytes)")
	transferSelector     = compliance.Selector("transfer(address,address,uint256)")
	transferMemoSelector = compliance.Selector("transfer(address,address,uint256,bytes)")
)

// Balance is one account's holding of one currency.
type Balance struct {
	Account  common.Address
	Currency common.Address
	Amount   *uint256.Int
}

// CommitSink persists the outcome of each committed call.
type CommitSink interface {
	CommitSettlement(ctx context.Context, balances []Balance, records []events.Record) error
}

// Options configure a Ledger. Zero values select PreCheckThenMove, no exemptions and no
// publishing.
type Options struct {
	Strategy  Strategy
	Exemption ExemptionPolicy
	Publisher events.Publisher
	Sink      CommitSink
	Observer  Observer
	Now       func() time.Time
}

// CallOption adjusts a single ledger call.
type CallOption func(*callOptions)

type callOptions struct {
	memo []byte
}

// WithMemo attaches memo to the gated request, switching it to a memo kind.
func WithMemo(memo []byte) CallOption {
	return func(o *callOptions) {
		o.memo = append([]byte(nil), memo...)
	}
}

func collectOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Ledger keeps per-account, per-currency custody balances. Every mutation runs inside a
// call that is committed or discarded as a unit.
type Ledger struct {
	gate      *compliance.Gate
	mover     asset.Mover
	strategy  Strategy
	exemption ExemptionPolicy
	publisher events.Publisher
	sink      CommitSink
	observer  Observer
	now       func() time.Time
	logger    zerolog.Logger

	callMu sync.Mutex

	mu       sync.RWMutex
	balances map[accountKey]*uint256.Int
	totals   map[common.Address]*uint256.Int
	touched  bool
}

// NewLedger builds a ledger gated by gate and settling through mover.
func NewLedger(gate *compliance.Gate, mover asset.Mover, opts Options, logger zerolog.Logger) (*Ledger, error) {
	if gate == nil {
		return nil, errors.New("custody: compliance gate is required")
	}
	if mover == nil {
		return nil, errors.New("custody: asset mover is required")
	}
	exemption := opts.Exemption
	if exemption == nil {
		exemption = noExemption{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		gate:      gate,
		mover:     mover,
		strategy:  opts.Strategy,
		exemption: exemption,
		publisher: opts.Publisher,
		sink:      opts.Sink,
		observer:  opts.Observer,
		now:       now,
		logger:    logger.With().Str("component", "ledger").Str("strategy", opts.Strategy.String()).Logger(),
		balances:  make(map[accountKey]*uint256.Int),
		totals:    make(map[common.Address]*uint256.Int),
	}, nil
}

// Strategy returns the configured check ordering.
func (l *Ledger) Strategy() Strategy {
	return l.strategy
}

// Restore seeds balances before the first call.
func (l *Ledger) Restore(balances []Balance) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.touched {
		return ErrAlreadyInitialized
	}
	for _, b := range balances {
		if b.Amount == nil || b.Amount.IsZero() {
			continue
		}
		key := accountKey{account: b.Account, currency: b.Currency}
		l.setCommitted(key, b.Amount.Clone())
	}
	l.touched = true
	return nil
}

// BalanceOf returns the committed balance. It never observes a call in progress.
func (l *Ledger) BalanceOf(account, currency common.Address) *uint256.Int {
	return l.committed(accountKey{account: account, currency: currency})
}

// TotalBalance returns the sum of committed balances in currency.
func (l *Ledger) TotalBalance(currency common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if total, ok := l.totals[currency]; ok {
		return total.Clone()
	}
	return new(uint256.Int)
}

// Balances returns every non-zero committed balance, ordered by account then currency.
func (l *Ledger) Balances() []Balance {
	l.mu.RLock()
	out := make([]Balance, 0, len(l.balances))
	for key, bal := range l.balances {
		out = append(out, Balance{Account: key.account, Currency: key.currency, Amount: bal.Clone()})
	}
	l.mu.RUnlock()
	sortBalances(out)
	return out
}

// Currencies returns every currency with a non-zero total.
func (l *Ledger) Currencies() []common.Address {
	l.mu.RLock()
	out := make([]common.Address, 0, len(l.totals))
	for currency := range l.totals {
		out = append(out, currency)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Request returns the exact TransferRequest op would submit to the gate, so it can be
// registered with the oracle ahead of the call.
func (l *Ledger) Request(op Operation, caller, destination, currency common.Address, amount *uint256.Int, opts ...CallOption) (compliance.TransferRequest, error) {
	o := collectOptions(opts)
	gross := new(uint256.Int)
	if amount != nil {
		gross.Set(amount)
	}
	switch op {
	case OpWithdraw:
		destination = caller
		if gross.IsZero() {
			gross = l.BalanceOf(caller, currency)
		}
	case OpDeposit, OpTransfer:
	default:
		return compliance.TransferRequest{}, fmt.Errorf("unknown ledger operation %q", op)
	}
	if gross.IsZero() {
		return compliance.TransferRequest{}, ErrInvalidAmount
	}
	return l.request(op, caller, destination, currency, gross, o), nil
}

func (l *Ledger) request(op Operation, caller, destination, currency common.Address, amount *uint256.Int, o callOptions) compliance.TransferRequest {
	withMemo := len(o.memo) > 0
	var selector [4]byte
	switch op {
	case OpDeposit:
		selector = pick(withMemo, depositMemoSelector, depositSelector)
	case OpWithdraw:
		selector = pick(withMemo, withdrawMemoSelector, withdrawSelector)
	default:
		selector = pick(withMemo, transferMemoSelector, transferSelector)
	}
	kind := compliance.TransferKind(currency, withMemo)
	return l.gate.Request(kind, selector, caller, destination, currency, amount, o.memo)
}

func pick(cond bool, a, b [4]byte) [4]byte {
	if cond {
		return a
	}
	return b
}

// Deposit brings amount of currency from caller's wallet into custody and credits
// destination with the net amount.
func (l *Ledger) Deposit(ctx context.Context, caller, destination, currency common.Address, amount *uint256.Int, opts ...CallOption) error {
	o := collectOptions(opts)
	st := newSettlement(OpDeposit, caller, destination, currency, amount)
	return l.run(ctx, st, func(ctx context.Context, s *session) error {
		if err := requireAccounts(caller, destination); err != nil {
			return err
		}
		if st.Gross.IsZero() {
			return ErrInvalidAmount
		}
		if l.exemption.IsExempt(ctx, destination) {
			return l.depositExempt(ctx, s, st)
		}
		if l.strategy == MoveThenCheck {
			return l.depositMoveThenCheck(ctx, s, st, o)
		}
		return l.depositPreCheck(ctx, s, st, o)
	})
}

func (l *Ledger) depositExempt(ctx context.Context, s *session, st *Settlement) error {
	st.Exempt = true
	if err := st.advance(StateAuthorized); err != nil {
		return err
	}
	if err := l.mover.TransferIn(compliance.Isolate(ctx), st.Caller, st.Currency, st.Gross); err != nil {
		return movementFailed("transfer in from", st.Caller, err)
	}
	if err := l.credit(ctx, s, st.Destination, st.Currency, st.Gross, true); err != nil {
		return err
	}
	s.emit(l.record(events.Deposit, st.Caller, st.Destination, st.Currency, st.Net))
	return nil
}

func (l *Ledger) depositPreCheck(ctx context.Context, s *session, st *Settlement, o callOptions) error {
	req := l.request(OpDeposit, st.Caller, st.Destination, st.Currency, st.Gross, o)
	if _, err := l.check(ctx, st, req, l.walletFeePayer()); err != nil {
		return err
	}
	if !st.Net.IsZero() {
		if err := l.mover.TransferIn(compliance.Isolate(ctx), st.Caller, st.Currency, st.Net); err != nil {
			return movementFailed("transfer in from", st.Caller, err)
		}
		if err := l.credit(ctx, s, st.Destination, st.Currency, st.Net, false); err != nil {
			return err
		}
	}
	l.emitSettled(s, events.Deposit, st)
	return nil
}

func (l *Ledger) depositMoveThenCheck(ctx context.Context, s *session, st *Settlement, o callOptions) error {
	legCtx := compliance.Isolate(ctx)
	if err := l.mover.TransferIn(legCtx, st.Caller, st.Currency, st.Gross); err != nil {
		return movementFailed("transfer in from", st.Caller, err)
	}

	paid := new(uint256.Int)
	payer := compliance.FeePayerFunc(func(ctx context.Context, req compliance.TransferRequest, fee *uint256.Int, collector common.Address) error {
		if err := l.mover.TransferOut(compliance.Isolate(ctx), collector, req.Currency, fee); err != nil {
			return fmt.Errorf("%w: forward to %s: %v", compliance.ErrFeePayment, collector.Hex(), err)
		}
		paid.Set(fee)
		return nil
	})

	req := l.request(OpDeposit, st.Caller, st.Destination, st.Currency, st.Gross, o)
	err := withCompensation(ctx,
		func(ctx context.Context) error {
			_, err := l.check(ctx, st, req, payer)
			return err
		},
		func(context.Context) error {
			refund := new(uint256.Int).Sub(st.Gross, paid)
			if refund.IsZero() {
				return nil
			}
			if err := l.mover.TransferOut(legCtx, st.Caller, st.Currency, refund); err != nil {
				l.logger.Error().Err(err).Str("caller", st.Caller.Hex()).Str("currency", st.Currency.Hex()).
					Str("refund", refund.Dec()).Msg("deposit refund failed")
				return movementFailed("refund to", st.Caller, err)
			}
			return nil
		})
	if err != nil {
		return err
	}

	if !st.Net.IsZero() {
		if err := l.credit(ctx, s, st.Destination, st.Currency, st.Net, false); err != nil {
			return err
		}
	}
	l.emitSettled(s, events.Deposit, st)
	return nil
}

// Withdraw pays amount of currency out of caller's balance to caller. Zero withdraws
// everything available. A compliance fee is charged to the caller's wallet.
func (l *Ledger) Withdraw(ctx context.Context, caller, currency common.Address, amount *uint256.Int, opts ...CallOption) error {
	o := collectOptions(opts)
	st := newSettlement(OpWithdraw, caller, caller, currency, amount)
	return l.run(ctx, st, func(ctx context.Context, s *session) error {
		if err := requireAccounts(caller, caller); err != nil {
			return err
		}
		available := s.balance(caller, currency)
		if st.Gross.IsZero() {
			if available.IsZero() {
				return ErrInvalidAmount
			}
			st.Gross.Set(available)
			st.Net.Set(available)
		}
		if available.Lt(st.Gross) {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, caller.Hex(), available.Dec(), st.Gross.Dec())
		}

		req := l.request(OpWithdraw, caller, caller, currency, st.Gross, o)
		if _, err := l.checkSurcharged(ctx, st, req); err != nil {
			return err
		}
		if !st.Net.IsZero() {
			if err := s.move(caller, pool, currency, st.Net); err != nil {
				return err
			}
			if err := l.mover.TransferOut(compliance.Isolate(ctx), caller, currency, st.Net); err != nil {
				return movementFailed("transfer out to", caller, err)
			}
		}
		l.emitSettled(s, events.Withdrawal, st)
		return nil
	})
}

// Transfer moves amount of currency from caller to destination inside custody. Exempt
// sources are funded from their wallet first and exempt destinations are paid out.
func (l *Ledger) Transfer(ctx context.Context, caller, destination, currency common.Address, amount *uint256.Int, opts ...CallOption) error {
	o := collectOptions(opts)
	st := newSettlement(OpTransfer, caller, destination, currency, amount)
	return l.run(ctx, st, func(ctx context.Context, s *session) error {
		if destination == caller {
			return ErrSelfTransfer
		}
		if err := requireAccounts(caller, destination); err != nil {
			return err
		}
		if st.Gross.IsZero() {
			return ErrInvalidAmount
		}

		sourceExempt := l.exemption.IsExempt(ctx, caller)
		destinationExempt := l.exemption.IsExempt(ctx, destination)

		if !sourceExempt {
			available := s.balance(caller, currency)
			if available.Lt(st.Gross) {
				return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, caller.Hex(), available.Dec(), st.Gross.Dec())
			}
		}

		if sourceExempt || destinationExempt {
			st.Exempt = true
			if err := st.advance(StateAuthorized); err != nil {
				return err
			}
		} else {
			req := l.request(OpTransfer, caller, destination, currency, st.Gross, o)
			if _, err := l.checkSurcharged(ctx, st, req); err != nil {
				return err
			}
		}

		if sourceExempt {
			if err := l.mover.TransferIn(compliance.Isolate(ctx), caller, currency, st.Gross); err != nil {
				return movementFailed("transfer in from", caller, err)
			}
			if err := s.move(pool, caller, currency, st.Gross); err != nil {
				return err
			}
		}
		if !st.Net.IsZero() {
			if err := s.move(caller, destination, currency, st.Net); err != nil {
				return err
			}
			if destinationExempt {
				if err := l.payOut(ctx, s, destination, currency, st.Net); err != nil {
					return err
				}
			}
		}
		l.emitSettled(s, events.Transfer, st)
		return nil
	})
}

// credit adds amount to account, paying it straight out again when account is exempt.
func (l *Ledger) credit(ctx context.Context, s *session, account, currency common.Address, amount *uint256.Int, exempt bool) error {
	if err := s.move(pool, account, currency, amount); err != nil {
		return err
	}
	if exempt {
		return l.payOut(ctx, s, account, currency, amount)
	}
	return nil
}

func (l *Ledger) payOut(ctx context.Context, s *session, account, currency common.Address, amount *uint256.Int) error {
	if err := s.move(account, pool, currency, amount); err != nil {
		return err
	}
	if err := l.mover.TransferOut(compliance.Isolate(ctx), account, currency, amount); err != nil {
		return movementFailed("transfer out to", account, err)
	}
	return nil
}

func (l *Ledger) check(ctx context.Context, st *Settlement, req compliance.TransferRequest, payer compliance.FeePayer) (compliance.Clearance, error) {
	if err := st.advance(StateGated); err != nil {
		return compliance.Clearance{}, err
	}
	clr, err := l.gate.RequireCompliance(ctx, req, payer)
	if err != nil {
		return clr, err
	}
	st.Fee = clr.Fee.Clone()
	st.Net = clr.Net.Clone()
	st.AuthorizationID = clr.ID
	return clr, st.advance(StateAuthorized)
}

// walletFeePayer pulls the fee from the request source's wallet.
func (l *Ledger) walletFeePayer() compliance.FeePayer {
	direct := compliance.MoverFeePayer{Mover: l.mover}
	return compliance.FeePayerFunc(func(ctx context.Context, req compliance.TransferRequest, fee *uint256.Int, collector common.Address) error {
		return direct.PayFee(compliance.Isolate(ctx), req, fee, collector)
	})
}

// checkSurcharged gates an operation on custodied funds. The fee comes out of the
// caller's wallet on top of the amount, so the custodied balance is untouched until
// the operation is authorized and the full amount moves.
func (l *Ledger) checkSurcharged(ctx context.Context, st *Settlement, req compliance.TransferRequest) (compliance.Clearance, error) {
	clr, err := l.check(ctx, st, req, l.walletFeePayer())
	if err != nil {
		return clr, err
	}
	st.Net.Set(st.Gross)
	return clr, nil
}

func (l *Ledger) emitSettled(s *session, kind events.Kind, st *Settlement) {
	s.emit(l.record(kind, st.Caller, st.Destination, st.Currency, st.Net))
	if st.AuthorizationID.IsZero() {
		return
	}
	settlement := l.record(events.Settlement, st.Caller, st.Destination, st.Currency, st.Net)
	settlement.AuthorizationID = st.AuthorizationID.String()
	s.emit(settlement)
}

func (l *Ledger) record(kind events.Kind, source, destination, currency common.Address, amount *uint256.Int) events.Record {
	if kind == events.Withdrawal {
		destination = common.Address{}
	}
	return events.NewRecord(kind, source, destination, currency, amount, l.now())
}

// run executes fn as one call. A call made from inside another call of the same ledger
// (through an asset movement callback) joins its session: it gets its own compliance
// scope and is reverted to its own checkpoint, but commits with the outermost call.
func (l *Ledger) run(ctx context.Context, st *Settlement, fn func(context.Context, *session) error) error {
	if s := sessionFrom(ctx, l); s != nil {
		st.Nested = true
		cp := s.checkpoint()
		callCtx, end := compliance.BeginCall(ctx)
		defer end()
		err := fn(callCtx, s)
		if err != nil {
			s.revert(cp)
		}
		l.finish(st, err)
		return err
	}

	l.callMu.Lock()
	defer l.callMu.Unlock()

	s := l.newSession()
	callCtx, end := compliance.BeginCall(context.WithValue(ctx, sessionKey{}, s))
	err := fn(callCtx, s)
	end()
	if err != nil {
		s.revert(checkpoint{})
	}
	l.commit(ctx, s)
	l.finish(st, err)
	return err
}

func (l *Ledger) finish(st *Settlement, err error) {
	st.close(err)
	if st.State == StateSettled {
		l.logger.Info().Str("op", string(st.Operation)).Str("caller", st.Caller.Hex()).
			Str("destination", st.Destination.Hex()).Str("currency", st.Currency.Hex()).
			Str("gross", st.Gross.Dec()).Str("net", st.Net.Dec()).Str("fee", st.Fee.Dec()).
			Bool("exempt", st.Exempt).Bool("nested", st.Nested).
			Str("authorization", authString(st.AuthorizationID)).Msg("settled")
	} else {
		l.logger.Warn().Err(st.Err).Str("op", string(st.Operation)).Str("state", string(st.State)).
			Str("caller", st.Caller.Hex()).Str("currency", st.Currency.Hex()).
			Str("gross", st.Gross.Dec()).Bool("nested", st.Nested).Msg("not settled")
	}
	if l.observer != nil {
		l.observer(*st)
	}
}

func authString(id compliance.FullAuthorizationID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

// commit publishes the session's balances and records. Persistence and publishing
// failures are logged; the balances are already final.
func (l *Ledger) commit(ctx context.Context, s *session) {
	changes := l.apply(s)
	if len(changes) == 0 && len(s.records) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if l.sink != nil {
		if err := l.sink.CommitSettlement(ctx, changes, s.records); err != nil {
			l.logger.Error().Err(err).Int("balances", len(changes)).Int("records", len(s.records)).Msg("persist settlement failed")
		}
	}
	if l.publisher != nil && len(s.records) > 0 {
		if err := l.publisher.Publish(ctx, s.records); err != nil {
			l.logger.Error().Err(err).Int("records", len(s.records)).Msg("publish records failed")
		}
	}
}

func (l *Ledger) apply(s *session) []Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touched = true

	var changes []Balance
	for key, bal := range s.overlay {
		old := l.balances[key]
		if old == nil {
			old = new(uint256.Int)
		}
		if old.Eq(bal) {
			continue
		}
		l.setCommitted(key, bal.Clone())
		changes = append(changes, Balance{Account: key.account, Currency: key.currency, Amount: bal.Clone()})
	}
	sortBalances(changes)
	return changes
}

// setCommitted replaces a committed balance and keeps the currency total in step.
// l.mu must be held.
func (l *Ledger) setCommitted(key accountKey, bal *uint256.Int) {
	total, ok := l.totals[key.currency]
	if !ok {
		total = new(uint256.Int)
	}
	if old, ok := l.balances[key]; ok {
		total.Sub(total, old)
	}
	total.Add(total, bal)

	if bal.IsZero() {
		delete(l.balances, key)
	} else {
		l.balances[key] = bal
	}
	if total.IsZero() {
		delete(l.totals, key.currency)
	} else {
		l.totals[key.currency] = total
	}
}

func (l *Ledger) committed(key accountKey) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[key]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func requireAccounts(caller, destination common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: caller is the zero address", ErrInvalidAccount)
	}
	if destination == (common.Address{}) {
		return fmt.Errorf("%w: destination is the zero address", ErrInvalidAccount)
	}
	return nil
}

func sortBalances(list []Balance) {
	sort.Slice(list, func(i, j int) bool {
		if c := bytes.Compare(list[i].Account[:], list[j].Account[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(list[i].Currency[:], list[j].Currency[:]) < 0
	})
}
