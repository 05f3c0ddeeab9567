package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Hook runs after a leg has been applied. Returning an error undoes the leg.
type Hook func(ctx context.Context, m Movement) error

type walletKey struct {
	account  common.Address
	currency common.Address
}

// Simulated is an in-memory chain: external wallets plus one custody account.
type Simulated struct {
	custody common.Address
	logger  zerolog.Logger

	mu       sync.Mutex
	wallets  map[walletKey]*uint256.Int
	failNext map[Direction][]error
	hook     Hook
	history  []Movement
}

// NewSimulated creates a simulated chain whose custody account is custody.
func NewSimulated(custody common.Address, logger zerolog.Logger) *Simulated {
	return &Simulated{
		custody:  custody,
		logger:   logger.With().Str("component", "simulated_mover").Logger(),
		wallets:  make(map[walletKey]*uint256.Int),
		failNext: make(map[Direction][]error),
	}
}

// Custody returns the custody account.
func (s *Simulated) Custody() common.Address {
	return s.custody
}

// Fund credits an external wallet out of thin air.
func (s *Simulated) Fund(account, currency common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance(account, currency).Add(s.balance(account, currency), amount)
}

// WalletBalance returns the balance of an external wallet.
func (s *Simulated) WalletBalance(account, currency common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance(account, currency).Clone()
}

// Holdings returns what custody holds of currency.
func (s *Simulated) Holdings(_ context.Context, currency common.Address) (*uint256.Int, error) {
	return s.WalletBalance(s.custody, currency), nil
}

// FailNext makes the next leg in direction fail with err.
func (s *Simulated) FailNext(direction Direction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[direction] = append(s.failNext[direction], err)
}

// OnMove installs a hook that runs after every leg, e.g. to re-enter the ledger.
func (s *Simulated) OnMove(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// History returns executed legs in order.
func (s *Simulated) History() []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Movement, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Simulated) TransferIn(ctx context.Context, from, currency common.Address, amount *uint256.Int) error {
	return s.move(ctx, Movement{Direction: In, Account: from, Currency: currency, Amount: amount.Clone()}, from, s.custody)
}

func (s *Simulated) TransferOut(ctx context.Context, to, currency common.Address, amount *uint256.Int) error {
	return s.move(ctx, Movement{Direction: Out, Account: to, Currency: currency, Amount: amount.Clone()}, s.custody, to)
}

func (s *Simulated) move(ctx context.Context, m Movement, payer, payee common.Address) error {
	s.mu.Lock()
	if queue := s.failNext[m.Direction]; len(queue) > 0 {
		err := queue[0]
		s.failNext[m.Direction] = queue[1:]
		s.mu.Unlock()
		return err
	}
	if err := s.transfer(payer, payee, m.Currency, m.Amount); err != nil {
		s.mu.Unlock()
		return err
	}
	s.history = append(s.history, m)
	hook := s.hook
	s.mu.Unlock()

	s.logger.Debug().Str("direction", string(m.Direction)).Str("account", m.Account.Hex()).
		Str("currency", m.Currency.Hex()).Str("amount", m.Amount.Dec()).Msg("asset moved")

	if hook == nil {
		return nil
	}
	if err := hook(ctx, m); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if undoErr := s.transfer(payee, payer, m.Currency, m.Amount); undoErr != nil {
			return fmt.Errorf("undo after hook failure %v: %w", err, undoErr)
		}
		s.history = append(s.history, Movement{Direction: reverse(m.Direction), Account: m.Account, Currency: m.Currency, Amount: m.Amount})
		return fmt.Errorf("receiver hook: %w", err)
	}
	return nil
}

func (s *Simulated) transfer(payer, payee, currency common.Address, amount *uint256.Int) error {
	from := s.balance(payer, currency)
	if from.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, payer.Hex(), from.Dec(), amount.Dec())
	}
	to := s.balance(payee, currency)
	if _, overflow := new(uint256.Int).AddOverflow(to, amount); overflow {
		return fmt.Errorf("asset: balance overflow for %s", payee.Hex())
	}
	from.Sub(from, amount)
	to.Add(to, amount)
	return nil
}

func (s *Simulated) balance(account, currency common.Address) *uint256.Int {
	key := walletKey{account: account, currency: currency}
	bal, ok := s.wallets[key]
	if !ok {
		bal = new(uint256.Int)
		s.wallets[key] = bal
	}
	return bal
}

func reverse(d Direction) Direction {
	if d == In {
		return Out
	}
	return In
}

var (
	_ Mover          = (*Simulated)(nil)
	_ HoldingsReader = (*Simulated)(nil)
)
