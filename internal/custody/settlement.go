package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"compliance-custody/internal/compliance"
)

// Operation names a ledger entry point.
type Operation string

const (
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
	OpTransfer Operation = "transfer"
)

// ParseOperation is the inverse of the Operation constants.
func ParseOperation(v string) (Operation, error) {
	switch Operation(v) {
	case OpDeposit, OpWithdraw, OpTransfer:
		return Operation(v), nil
	default:
		return "", fmt.Errorf("unknown ledger operation %q", v)
	}
}

// State is a settlement's position in its lifecycle.
type State string

const (
	StateRequested  State = "requested"
	StateGated      State = "gated"
	StateRejected   State = "rejected"
	StateAuthorized State = "authorized"
	StateSettled    State = "settled"
	StateReverted   State = "reverted"
)

// CanTransition reports whether from may move to to. Exempt flows go straight from
// Requested to Authorized; failures before or during gating that are not oracle
// rejections end in Reverted.
func CanTransition(from, to State) bool {
	switch from {
	case StateRequested:
		return to == StateGated || to == StateAuthorized || to == StateReverted
	case StateGated:
		return to == StateAuthorized || to == StateRejected || to == StateReverted
	case StateAuthorized:
		return to == StateSettled || to == StateReverted
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves state.
func IsTerminal(state State) bool {
	switch state {
	case StateRejected, StateSettled, StateReverted:
		return true
	default:
		return false
	}
}

// Settlement tracks one ledger operation.
type Settlement struct {
	Operation       Operation
	State           State
	Caller          common.Address
	Destination     common.Address
	Currency        common.Address
	Gross           *uint256.Int
	Fee             *uint256.Int
	Net             *uint256.Int
	Exempt          bool
	Nested          bool
	AuthorizationID compliance.FullAuthorizationID
	Err             error
}

// Observer receives every settlement once it reaches a terminal state.
type Observer func(Settlement)

func newSettlement(op Operation, caller, destination, currency common.Address, amount *uint256.Int) *Settlement {
	gross := new(uint256.Int)
	if amount != nil {
		gross.Set(amount)
	}
	return &Settlement{
		Operation:   op,
		State:       StateRequested,
		Caller:      caller,
		Destination: destination,
		Currency:    currency,
		Gross:       gross,
		Fee:         new(uint256.Int),
		Net:         gross.Clone(),
	}
}

func (s *Settlement) advance(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// close moves the settlement to its terminal state for err.
func (s *Settlement) close(err error) {
	s.Err = err
	switch {
	case err == nil:
		if advErr := s.advance(StateSettled); advErr != nil {
			s.Err = advErr
		}
	case s.State == StateGated && errors.Is(err, compliance.ErrComplianceRejected):
		s.State = StateRejected
	default:
		s.State = StateReverted
	}
}

// withCompensation runs execute and, when it fails, compensate. Both errors are kept.
func withCompensation(ctx context.Context, execute, compensate func(context.Context) error) error {
	err := execute(ctx)
	if err == nil || compensate == nil {
		return err
	}
	if cerr := compensate(ctx); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}
