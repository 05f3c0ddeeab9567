package compliance

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	uint256Type = mustType("uint256")
	bytes4Type  = mustType("bytes4")
	uint8Type   = mustType("uint8")
	addressType = mustType("address")
	bytesType   = mustType("bytes")
)

var layouts = map[OperationKind]abi.Arguments{
	GenericCall:            args(uint256Type, bytes4Type, uint8Type, addressType, bytesType),
	NativeTransfer:         args(uint256Type, bytes4Type, uint8Type, addressType, addressType, uint256Type),
	NativeTransferWithMemo: args(uint256Type, bytes4Type, uint8Type, addressType, addressType, uint256Type, bytesType),
	TokenTransfer:          args(uint256Type, bytes4Type, uint8Type, addressType, addressType, addressType, uint256Type),
	TokenTransferWithMemo:  args(uint256Type, bytes4Type, uint8Type, addressType, addressType, addressType, uint256Type, bytesType),
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic("failed to build ABI type " + name + ": " + err.Error())
	}
	return t
}

func args(types ...abi.Type) abi.Arguments {
	out := make(abi.Arguments, len(types))
	for i, t := range types {
		out[i] = abi.Argument{Type: t}
	}
	return out
}

// Fingerprint is the deterministic lookup key of a request in the oracle's authorization pool.
type Fingerprint = common.Hash

// ComputeFingerprint ABI-encodes the kind-specific fields of req and hashes them.
// Identical requests always yield identical fingerprints.
func ComputeFingerprint(req TransferRequest) (Fingerprint, error) {
	if err := req.Validate(); err != nil {
		return Fingerprint{}, err
	}

	layout := layouts[req.Kind]
	kind := uint8(req.Kind)
	amount := req.GrossAmount().ToBig()
	memo := req.Memo
	if memo == nil {
		memo = []byte{}
	}

	var values []interface{}
	switch req.Kind {
	case GenericCall:
		values = []interface{}{req.ChainID, req.Selector, kind, req.Source, memo}
	case NativeTransfer:
		values = []interface{}{req.ChainID, req.Selector, kind, req.Source, req.Destination, amount}
	case NativeTransferWithMemo:
		values = []interface{}{req.ChainID, req.Selector, kind, req.Source, req.Destination, amount, memo}
	case TokenTransfer:
		values = []interface{}{req.ChainID, req.Selector, kind, req.Source, req.Destination, req.Currency, amount}
	case TokenTransferWithMemo:
		values = []interface{}{req.ChainID, req.Selector, kind, req.Source, req.Destination, req.Currency, amount, memo}
	}

	encoded, err := layout.Pack(values...)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("encode %s request: %w", req.Kind, err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// FullAuthorizationID identifies one consumed authorization. Unlike a fingerprint it is
// never reused: the registration time distinguishes repeated identical requests.
type FullAuthorizationID struct {
	Fingerprint  Fingerprint
	RegisteredAt time.Time
}

// IsZero reports whether the id is unset.
func (id FullAuthorizationID) IsZero() bool {
	return id.Fingerprint == (Fingerprint{}) && id.RegisteredAt.IsZero()
}

// Hash folds fingerprint and registration time into one digest.
func (id FullAuthorizationID) Hash() common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(id.RegisteredAt.UnixNano()))
	return crypto.Keccak256Hash(id.Fingerprint.Bytes(), ts[:])
}

func (id FullAuthorizationID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.Hash().Hex()
}
