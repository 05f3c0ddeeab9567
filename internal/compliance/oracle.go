package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the oracle's view of an authorization record.
type Status uint8

const (
	StatusNotFound Status = iota
	StatusPending
	StatusApproved
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "not_found"
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	for s := StatusNotFound; s <= StatusExpired; s++ {
		if s.String() == v {
			return s, nil
		}
	}
	return StatusNotFound, fmt.Errorf("unknown authorization status %q", v)
}

// Oracle is the external policy decision service as seen by the gate.
type Oracle interface {
	// Consume marks an approved fingerprint used and returns its full id. Any other status
	// fails with a RejectedError.
	Consume(ctx context.Context, fp Fingerprint) (FullAuthorizationID, error)
	FeeRate(ctx context.Context) (FeeRate, error)
	FeeCollector(ctx context.Context) (common.Address, error)
	// PayFee notifies the oracle of a fee delivered to its collector.
	PayFee(ctx context.Context, currency common.Address, amount *uint256.Int) error
}

// Mover is the subset of the asset movement service the gate needs for fee legs.
type Mover interface {
	TransferIn(ctx context.Context, from, currency common.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to, currency common.Address, amount *uint256.Int) error
}

// FeePayer delivers a fee for req to collector.
type FeePayer interface {
	PayFee(ctx context.Context, req TransferRequest, fee *uint256.Int, collector common.Address) error
}

// FeePayerFunc adapts a function to FeePayer.
type FeePayerFunc func(ctx context.Context, req TransferRequest, fee *uint256.Int, collector common.Address) error

func (f FeePayerFunc) PayFee(ctx context.Context, req TransferRequest, fee *uint256.Int, collector common.Address) error {
	return f(ctx, req, fee, collector)
}

// MoverFeePayer pulls the fee from the request source and forwards it to the collector.
// A failed forward hands the fee back to the source.
type MoverFeePayer struct {
	Mover Mover
}

func (p MoverFeePayer) PayFee(ctx context.Context, req TransferRequest, fee *uint256.Int, collector common.Address) error {
	if p.Mover == nil {
		return fmt.Errorf("%w: asset mover not configured", ErrFeePayment)
	}
	if err := p.Mover.TransferIn(ctx, req.Source, req.Currency, fee); err != nil {
		return fmt.Errorf("%w: collect from %s: %v", ErrFeePayment, req.Source.Hex(), err)
	}
	if err := p.Mover.TransferOut(ctx, collector, req.Currency, fee); err != nil {
		err = fmt.Errorf("%w: forward to %s: %v", ErrFeePayment, collector.Hex(), err)
		if rerr := p.Mover.TransferOut(ctx, req.Source, req.Currency, fee); rerr != nil {
			return errors.Join(err, fmt.Errorf("return fee to %s: %w", req.Source.Hex(), rerr))
		}
		return err
	}
	return nil
}
