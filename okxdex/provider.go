package okxdex

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/RaghavSood/giftpay/swaps"
)

// Provider adapts the client to swaps.Aggregator for native -> stable token swaps on one chain.
type Provider struct {
	client  *Client
	chainID int64
	toToken common.Address
}

func NewProvider(client *Client, chainID int64, stableToken common.Address) *Provider {
	return &Provider{
		client:  client,
		chainID: chainID,
		toToken: stableToken,
	}
}

func (p *Provider) Name() string {
	return "okx"
}

func (p *Provider) Quote(ctx context.Context, amountIn *big.Int) (*swaps.AggregatorQuote, error) {
	res, err := p.client.Quote(ctx, p.quoteParams(amountIn))
	if err != nil {
		return nil, err
	}

	out, err := parseAmount("toTokenAmount", res.ToTokenAmount)
	if err != nil {
		return nil, err
	}

	return &swaps.AggregatorQuote{
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: out,
	}, nil
}

func (p *Provider) BuildSwap(ctx context.Context, req swaps.SwapRequest) (*swaps.SwapTx, error) {
	data, err := p.client.Swap(ctx, SwapParams{
		QuoteParams:     p.quoteParams(req.AmountIn),
		Slippage:        req.Slippage.String(),
		UserWallet:      req.From.Hex(),
		ReceiverAddress: req.Recipient.Hex(),
	})
	if err != nil {
		return nil, err
	}

	if !common.IsHexAddress(data.Tx.To) {
		return nil, fmt.Errorf("swap tx has invalid to address %q", data.Tx.To)
	}

	calldata, err := hexutil.Decode(data.Tx.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding swap calldata: %w", err)
	}

	value := new(big.Int)
	if data.Tx.Value != "" {
		if value, err = parseAmount("value", data.Tx.Value); err != nil {
			return nil, err
		}
	}

	var gas uint64
	if data.Tx.Gas != "" {
		gas, err = strconv.ParseUint(data.Tx.Gas, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing gas %q: %w", data.Tx.Gas, err)
		}
	}

	tx := &swaps.SwapTx{
		To:    common.HexToAddress(data.Tx.To),
		Data:  calldata,
		Value: value,
		Gas:   gas,
	}
	if data.RouterResult.ToTokenAmount != "" {
		if tx.ExpectedOut, err = parseAmount("toTokenAmount", data.RouterResult.ToTokenAmount); err != nil {
			return nil, err
		}
	}
	if data.Tx.MinReceiveAmount != "" {
		if tx.MinOut, err = parseAmount("minReceiveAmount", data.Tx.MinReceiveAmount); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

func (p *Provider) quoteParams(amountIn *big.Int) QuoteParams {
	return QuoteParams{
		ChainID:   p.chainID,
		FromToken: NativeToken,
		ToToken:   p.toToken.Hex(),
		Amount:    amountIn.String(),
	}
}

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parsing %s %q", field, s)
	}
	return v, nil
}
