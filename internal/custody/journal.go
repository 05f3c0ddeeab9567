package custody

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"compliance-custody/internal/events"
)

// pool is the custody pool itself; moves to or from it only touch the other side.
var pool = common.Address{}

type accountKey struct {
	account  common.Address
	currency common.Address
}

// entry is one applied balance delta.
type entry struct {
	key    accountKey
	amount *uint256.Int
	credit bool
}

type checkpoint struct {
	entries int
	records int
}

type sessionKey struct{}

// session is the working state of one outermost ledger call and every call nested in it.
type session struct {
	ledger  *Ledger
	overlay map[accountKey]*uint256.Int
	entries []entry
	records []events.Record
}

func (l *Ledger) newSession() *session {
	return &session{ledger: l, overlay: make(map[accountKey]*uint256.Int)}
}

func sessionFrom(ctx context.Context, l *Ledger) *session {
	s, _ := ctx.Value(sessionKey{}).(*session)
	if s == nil || s.ledger != l {
		return nil
	}
	return s
}

func (s *session) balance(account, currency common.Address) *uint256.Int {
	key := accountKey{account: account, currency: currency}
	if bal, ok := s.overlay[key]; ok {
		return bal
	}
	bal := s.ledger.committed(key)
	s.overlay[key] = bal
	return bal
}

// move is the only place balances change. The pool side is never tracked.
func (s *session) move(source, destination, currency common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if source == destination {
		return nil
	}
	if source != pool {
		from := s.balance(source, currency)
		if from.Lt(amount) {
			return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, source.Hex(), from.Dec(), amount.Dec())
		}
	}
	if destination != pool {
		to := s.balance(destination, currency)
		if _, overflow := new(uint256.Int).AddOverflow(to, amount); overflow {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, destination.Hex())
		}
	}
	if source != pool {
		s.apply(entry{key: accountKey{source, currency}, amount: amount.Clone()})
	}
	if destination != pool {
		s.apply(entry{key: accountKey{destination, currency}, amount: amount.Clone(), credit: true})
	}
	return nil
}

func (s *session) apply(e entry) {
	bal := s.balance(e.key.account, e.key.currency)
	if e.credit {
		bal.Add(bal, e.amount)
	} else {
		bal.Sub(bal, e.amount)
	}
	s.entries = append(s.entries, e)
}

func (s *session) undo(e entry) {
	bal := s.balance(e.key.account, e.key.currency)
	if e.credit {
		bal.Sub(bal, e.amount)
	} else {
		bal.Add(bal, e.amount)
	}
}

func (s *session) emit(rec events.Record) {
	s.records = append(s.records, rec)
}

func (s *session) checkpoint() checkpoint {
	return checkpoint{entries: len(s.entries), records: len(s.records)}
}

// revert undoes every delta after cp, newest first, and drops records emitted after cp.
func (s *session) revert(cp checkpoint) {
	for i := len(s.entries) - 1; i >= cp.entries; i-- {
		s.undo(s.entries[i])
	}
	s.entries = s.entries[:cp.entries]
	if cp.records < len(s.records) {
		s.records = s.records[:cp.records]
	}
}
