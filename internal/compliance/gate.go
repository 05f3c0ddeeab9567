package compliance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Clearance is the outcome of a successful compliance check.
type Clearance struct {
	ID          FullAuthorizationID
	Fingerprint Fingerprint
	Fee         *uint256.Int
	Net         *uint256.Int
}

// Gate fingerprints requests, pays the check fee and consumes the oracle's one-time
// authorization.
type Gate struct {
	chainID *big.Int
	mover   Mover
	logger  zerolog.Logger

	mu               sync.RWMutex
	oracle           Oracle
	defaultCollector common.Address
}

// NewGate builds a gate for chainID. The oracle may be nil and set later with SetOracle.
func NewGate(chainID *big.Int, oracle Oracle, mover Mover, logger zerolog.Logger) *Gate {
	return &Gate{
		chainID: new(big.Int).Set(chainID),
		oracle:  oracle,
		mover:   mover,
		logger:  logger.With().Str("component", "compliance_gate").Logger(),
	}
}

// ChainID returns the chain the gate fingerprints for.
func (g *Gate) ChainID() *big.Int {
	return new(big.Int).Set(g.chainID)
}

// SetOracle installs the oracle once.
func (g *Gate) SetOracle(oracle Oracle) error {
	if oracle == nil {
		return fmt.Errorf("%w: oracle is nil", ErrInvalidRequest)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.oracle != nil {
		return fmt.Errorf("%w: oracle", ErrAlreadyInitialized)
	}
	g.oracle = oracle
	return nil
}

// SetDefaultCollector installs, once, the account that receives fees when the oracle
// does not name a collector.
func (g *Gate) SetDefaultCollector(addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: collector is the zero address", ErrInvalidRequest)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.defaultCollector != (common.Address{}) {
		return fmt.Errorf("%w: default collector", ErrAlreadyInitialized)
	}
	g.defaultCollector = addr
	return nil
}

// FeeRate returns the oracle's current rate.
func (g *Gate) FeeRate(ctx context.Context) (FeeRate, error) {
	oracle, _ := g.config()
	if oracle == nil {
		return FeeRate{}, ErrOracleNotConfigured
	}
	return oracle.FeeRate(ctx)
}

// Request assembles a TransferRequest on the gate's chain.
func (g *Gate) Request(kind OperationKind, selector [4]byte, source, destination, currency common.Address, amount *uint256.Int, memo []byte) TransferRequest {
	var amt *uint256.Int
	if amount != nil {
		amt = amount.Clone()
	}
	return TransferRequest{
		Kind:        kind,
		ChainID:     g.ChainID(),
		Selector:    selector,
		Source:      source,
		Destination: destination,
		Currency:    currency,
		Amount:      amt,
		Memo:        memo,
	}
}

// RequireCompliance runs the check for req within the current call. A nil payer pulls
// the fee from the request source through the gate's mover.
//
// The fee is paid before consumption and is not refunded when the oracle rejects.
func (g *Gate) RequireCompliance(ctx context.Context, req TransferRequest, payer FeePayer) (Clearance, error) {
	act := current(ctx)
	if act == nil {
		return Clearance{}, ErrNoCall
	}
	act.id = FullAuthorizationID{}
	act.set = false

	oracle, fallback := g.config()
	if oracle == nil {
		return Clearance{}, ErrOracleNotConfigured
	}
	if req.ChainID == nil || req.ChainID.Cmp(g.chainID) != 0 {
		return Clearance{}, fmt.Errorf("%w: chain id %v does not match %v", ErrInvalidRequest, req.ChainID, g.chainID)
	}

	fp, err := ComputeFingerprint(req)
	if err != nil {
		return Clearance{}, err
	}
	if _, dup := act.checked[fp]; dup {
		return Clearance{}, fmt.Errorf("%w: %s", ErrDuplicateCheck, fp.Hex())
	}
	act.checked[fp] = struct{}{}

	gross := req.GrossAmount()
	fee := new(uint256.Int)
	if req.Kind.MovesValue() {
		fee, err = g.chargeFee(ctx, oracle, fallback, req, payer)
		if err != nil {
			return Clearance{}, err
		}
	}

	id, err := oracle.Consume(ctx, fp)
	if err != nil {
		if status, ok := RejectionStatus(err); ok {
			g.logger.Warn().Str("fingerprint", fp.Hex()).Str("status", status.String()).
				Str("source", req.Source.Hex()).Msg("compliance check rejected")
		}
		return Clearance{}, err
	}

	act.id = id
	act.set = true

	g.logger.Debug().Str("fingerprint", fp.Hex()).Str("authorization", id.String()).
		Str("kind", req.Kind.String()).Msg("compliance check consumed")

	return Clearance{
		ID:          id,
		Fingerprint: fp,
		Fee:         fee,
		Net:         new(uint256.Int).Sub(gross, fee),
	}, nil
}

func (g *Gate) chargeFee(ctx context.Context, oracle Oracle, fallback common.Address, req TransferRequest, payer FeePayer) (*uint256.Int, error) {
	rate, err := oracle.FeeRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("read fee rate: %w", err)
	}
	fee := rate.Fee(req.GrossAmount())
	if fee.IsZero() {
		return fee, nil
	}

	collector, err := oracle.FeeCollector(ctx)
	if err != nil {
		return nil, fmt.Errorf("read fee collector: %w", err)
	}
	if collector == (common.Address{}) {
		collector = fallback
	}
	if collector == (common.Address{}) {
		return nil, ErrNoFeeCollector
	}

	if payer == nil {
		payer = MoverFeePayer{Mover: g.mover}
	}
	if err := payer.PayFee(ctx, req, fee, collector); err != nil {
		if errors.Is(err, ErrFeePayment) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFeePayment, err)
	}
	if err := oracle.PayFee(ctx, req.Currency, fee); err != nil {
		return nil, fmt.Errorf("record fee payment: %w", err)
	}

	g.logger.Debug().Str("currency", req.Currency.Hex()).Str("fee", fee.Dec()).
		Str("collector", collector.Hex()).Msg("compliance fee paid")
	return fee, nil
}

func (g *Gate) config() (Oracle, common.Address) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.oracle, g.defaultCollector
}
