package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BalanceReader is implemented by chain states that can read token balances.
// Verify consults it when available.
type BalanceReader interface {
	BalanceOf(ctx context.Context, network, asset, owner string) (*big.Int, error)
}

// SystemChainState answers with the local clock only.
type SystemChainState struct{}

// Now returns time.Now().
func (SystemChainState) Now() time.Time { return time.Now() }

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI = mustParseABI(erc20BalanceABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// RPCChainState reads ERC-20 balances from one network over JSON-RPC.
type RPCChainState struct {
	network string
	caller  ethereum.ContractCaller
	closer  func()
}

// NewRPCChainState wraps a contract caller for a network.
func NewRPCChainState(network string, caller ethereum.ContractCaller) *RPCChainState {
	return &RPCChainState{network: network, caller: caller}
}

// DialChainState connects to an RPC endpoint for a network.
func DialChainState(ctx context.Context, network, rpcURL string) (*RPCChainState, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}

	if want, err := ChainID(network); err == nil {
		got, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to read chain id: %w", err)
		}
		if got.Cmp(want) != 0 {
			client.Close()
			return nil, fmt.Errorf("rpc %s serves chain %s, want %s", rpcURL, got, want)
		}
	}

	s := NewRPCChainState(network, client)
	s.closer = client.Close
	return s, nil
}

// Now returns the local clock.
func (s *RPCChainState) Now() time.Time { return time.Now() }

// BalanceOf calls balanceOf(owner) on the asset contract.
func (s *RPCChainState) BalanceOf(ctx context.Context, network, asset, owner string) (*big.Int, error) {
	if network != s.network {
		return nil, fmt.Errorf("chain state serves %s, not %s", s.network, network)
	}
	if !common.IsHexAddress(asset) || !common.IsHexAddress(owner) {
		return nil, fmt.Errorf("invalid asset or owner address")
	}

	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	to := common.HexToAddress(asset)
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}

	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return balance, nil
}

// Close releases the RPC connection when the state was dialed.
func (s *RPCChainState) Close() {
	if s.closer != nil {
		s.closer()
	}
}
