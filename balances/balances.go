// Package balances reads the admin wallet's native and stable token holdings.
package balances

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/RaghavSood/giftpay/swaps"
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`))
	if err != nil {
		panic(err)
	}
}

// Backend is the read side of an RPC client. *ethclient.Client satisfies it.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AddressBalance holds balance info for a single address on one chain.
type AddressBalance struct {
	Address       string `json:"address"`
	Chain         string `json:"chain"`
	NativeBalance string `json:"nativeBalance"` // wei string
	TokenBalance  string `json:"tokenBalance,omitempty"` // smallest unit string
	TokenSymbol   string `json:"tokenSymbol,omitempty"`
	// Display units
	Native string `json:"native"`
	Token  string `json:"token,omitempty"`
}

// TokenBalance returns the ERC-20 balance (smallest unit) of addr.
func TokenBalance(ctx context.Context, rpc Backend, token common.Address, addr common.Address) (*big.Int, error) {
	balOfData, err := erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, err
	}

	output, err := rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: balOfData,
	}, nil)
	if err != nil {
		return nil, err
	}

	if len(output) < 32 {
		return big.NewInt(0), nil
	}

	return new(big.Int).SetBytes(output[:32]), nil
}

// FetchNative reads only the native balance of addr, for chains where the stable token
// is not deployed.
func FetchNative(ctx context.Context, rpc Backend, chain string, addr common.Address) (AddressBalance, error) {
	native, err := rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return AddressBalance{}, fmt.Errorf("fetching %s native balance: %w", chain, err)
	}
	return AddressBalance{
		Address:       addr.Hex(),
		Chain:         chain,
		NativeBalance: native.String(),
		Native:        swaps.ToDisplay(native, swaps.NativeDecimals).String(),
	}, nil
}

// Fetch reads the native and token balance of addr.
func Fetch(ctx context.Context, rpc Backend, chain string, token swaps.Token, addr common.Address) (AddressBalance, error) {
	native, err := rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return AddressBalance{}, fmt.Errorf("fetching %s native balance: %w", chain, err)
	}

	tok, err := TokenBalance(ctx, rpc, token.Address, addr)
	if err != nil {
		return AddressBalance{}, fmt.Errorf("fetching %s %s balance: %w", chain, token.Symbol, err)
	}

	return AddressBalance{
		Address:       addr.Hex(),
		Chain:         chain,
		NativeBalance: native.String(),
		TokenBalance:  tok.String(),
		TokenSymbol:   token.Symbol,
		Native:        swaps.ToDisplay(native, swaps.NativeDecimals).String(),
		Token:         swaps.ToDisplay(tok, token.Decimals).String(),
	}, nil
}
