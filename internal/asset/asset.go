package asset

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientFunds reports a movement larger than the paying side holds.
var ErrInsufficientFunds = errors.New("asset: insufficient funds")

// Mover performs the actual movement of native currency or token units between an
// external account and custody. Implementations may call back into the caller before
// returning.
type Mover interface {
	TransferIn(ctx context.Context, from, currency common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to, currency common.Address, amount *uint256.Int) error
}

// HoldingsReader reports how much of a currency custody actually holds.
type HoldingsReader interface {
	Holdings(ctx context.Context, currency common.Address) (*uint256.Int, error)
}

// Direction of a movement relative to custody.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// Movement describes one executed leg.
type Movement struct {
	Direction Direction
	Account   common.Address
	Currency  common.Address
	Amount    *uint256.Int
}
