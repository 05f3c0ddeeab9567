package asset

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// EthereumOptions parameterise the on-chain holdings reader.
type EthereumOptions struct {
	RPCURL  string
	Custody common.Address
	Native  common.Address
	Timeout time.Duration
}

// Ethereum reads custody holdings from an Ethereum JSON-RPC endpoint.
type Ethereum struct {
	opts      EthereumOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEthereum builds a holdings reader.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) *Ethereum {
	return &Ethereum{opts: opts, logger: logger.With().Str("component", "ethereum_holdings").Logger()}
}

// Holdings returns custody's on-chain balance of currency.
func (e *Ethereum) Holdings(ctx context.Context, currency common.Address) (*uint256.Int, error) {
	if e.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if e.opts.Custody == (common.Address{}) {
		return nil, errors.New("custody address not configured")
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var raw *big.Int
	if currency == e.opts.Native {
		raw, err = client.BalanceAt(ctx, e.opts.Custody, nil)
		if err != nil {
			return nil, err
		}
	} else {
		raw, err = e.tokenBalance(ctx, client, currency)
		if err != nil {
			return nil, err
		}
	}

	out, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, errors.New("balance exceeds 256 bits")
	}
	return out, nil
}

func (e *Ethereum) tokenBalance(ctx context.Context, client *ethclient.Client, token common.Address) (*big.Int, error) {
	payload, err := erc20ABI.Pack("balanceOf", e.opts.Custody)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected balanceOf response")
	}

	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode balanceOf output")
	}
	return balance, nil
}

func (e *Ethereum) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ HoldingsReader = (*Ethereum)(nil)
