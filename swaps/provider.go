package swaps

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AggregatorQuote is an informational, zero-slippage price from an aggregator.
type AggregatorQuote struct {
	AmountIn  *big.Int
	AmountOut *big.Int
}

// SwapRequest asks an aggregator for an executable swap of native currency into the stable token.
type SwapRequest struct {
	AmountIn  *big.Int
	Slippage  decimal.Decimal
	From      common.Address
	Recipient common.Address
}

// SwapTx is an unsigned swap transaction built by an aggregator.
type SwapTx struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// Suggested gas limit; zero when the aggregator gave none
	Gas uint64
	// Expected output at execution price, in stable token smallest units
	ExpectedOut *big.Int
	MinOut      *big.Int
}

// Aggregator is a DEX aggregator that can price and build swaps.
type Aggregator interface {
	// Name returns the aggregator identifier (e.g. "okx").
	Name() string

	// Quote prices amountIn of native currency in the stable token.
	Quote(ctx context.Context, amountIn *big.Int) (*AggregatorQuote, error)

	// BuildSwap returns a transaction that performs the swap at the requested slippage.
	BuildSwap(ctx context.Context, req SwapRequest) (*SwapTx, error)
}
