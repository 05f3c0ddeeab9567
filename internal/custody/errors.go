package custody

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance indicates a debit larger than the account holds.
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	// ErrAssetMovementFailed indicates the asset mover reported a failed leg.
	ErrAssetMovementFailed = errors.New("custody: asset movement failed")
	// ErrInvalidAmount indicates a zero amount where a positive one is required.
	ErrInvalidAmount = errors.New("custody: invalid amount")
	// ErrSelfTransfer indicates a transfer whose destination is the caller.
	ErrSelfTransfer = errors.New("custody: transfer to self")
	// ErrBalanceOverflow indicates a credit that would exceed 256 bits.
	ErrBalanceOverflow = errors.New("custody: balance overflow")
	// ErrAlreadyInitialized guards one-time configuration.
	ErrAlreadyInitialized = errors.New("custody: already initialized")
	// ErrInvalidTransition indicates a settlement state change the machine does not allow.
	ErrInvalidTransition = errors.New("custody: invalid settlement transition")
	// ErrInvalidAccount indicates a zero account address.
	ErrInvalidAccount = errors.New("custody: invalid account")
)

func movementFailed(leg string, account common.Address, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrAssetMovementFailed, leg, account.Hex(), err)
}
