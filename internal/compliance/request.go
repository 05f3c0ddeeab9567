package compliance

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// NativeCurrency marks the chain's native coin wherever a currency address is expected.
var NativeCurrency = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// OperationKind selects the fingerprint layout of a request.
type OperationKind uint8

const (
	GenericCall OperationKind = iota
	NativeTransfer
	NativeTransferWithMemo
	TokenTransfer
	TokenTransferWithMemo
)

func (k OperationKind) String() string {
	switch k {
	case GenericCall:
		return "generic_call"
	case NativeTransfer:
		return "native_transfer"
	case NativeTransferWithMemo:
		return "native_transfer_with_memo"
	case TokenTransfer:
		return "token_transfer"
	case TokenTransferWithMemo:
		return "token_transfer_with_memo"
	default:
		return fmt.Sprintf("operation_kind(%d)", uint8(k))
	}
}

// MovesValue reports whether the kind transfers a currency amount.
func (k OperationKind) MovesValue() bool {
	return k != GenericCall
}

// HasMemo reports whether the kind carries a memo.
func (k OperationKind) HasMemo() bool {
	return k == NativeTransferWithMemo || k == TokenTransferWithMemo
}

// IsNative reports whether the kind moves the native currency.
func (k OperationKind) IsNative() bool {
	return k == NativeTransfer || k == NativeTransferWithMemo
}

// TransferKind picks the transfer kind for currency, with or without memo.
func TransferKind(currency common.Address, withMemo bool) OperationKind {
	switch {
	case currency == NativeCurrency && withMemo:
		return NativeTransferWithMemo
	case currency == NativeCurrency:
		return NativeTransfer
	case withMemo:
		return TokenTransferWithMemo
	default:
		return TokenTransfer
	}
}

// Selector returns the 4-byte operation selector for a method signature.
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(strings.TrimSpace(signature)))[:4])
	return sel
}

// TransferRequest is built per call and never outlives it.
type TransferRequest struct {
	Kind        OperationKind
	ChainID     *big.Int
	Selector    [4]byte
	Source      common.Address
	Destination common.Address
	Currency    common.Address
	Amount      *uint256.Int
	// Memo holds the transfer memo, or the call data for GenericCall.
	Memo []byte
}

// Validate checks the request can be fingerprinted for its kind.
func (r TransferRequest) Validate() error {
	if r.ChainID == nil || r.ChainID.Sign() <= 0 {
		return fmt.Errorf("%w: chain id must be positive", ErrInvalidRequest)
	}
	if r.Kind > TokenTransferWithMemo {
		return fmt.Errorf("%w: unknown operation kind %d", ErrInvalidRequest, r.Kind)
	}
	if r.Source == (common.Address{}) {
		return fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	if !r.Kind.MovesValue() {
		return nil
	}
	if r.Destination == (common.Address{}) {
		return fmt.Errorf("%w: destination is required for %s", ErrInvalidRequest, r.Kind)
	}
	if r.Kind.IsNative() && r.Currency != NativeCurrency {
		return fmt.Errorf("%w: %s requires the native currency marker", ErrInvalidRequest, r.Kind)
	}
	if !r.Kind.IsNative() && (r.Currency == NativeCurrency || r.Currency == (common.Address{})) {
		return fmt.Errorf("%w: %s requires a token address", ErrInvalidRequest, r.Kind)
	}
	if !r.Kind.HasMemo() && len(r.Memo) > 0 {
		return fmt.Errorf("%w: memo not allowed for %s", ErrInvalidRequest, r.Kind)
	}
	return nil
}

// GrossAmount returns the amount, treating nil as zero.
func (r TransferRequest) GrossAmount() *uint256.Int {
	if r.Amount == nil {
		return new(uint256.Int)
	}
	return r.Amount
}
