package swaps

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/metrics"
	"github.com/RaghavSood/giftpay/wallet"
)

var ErrAllSwapAttemptsFailed = errors.New("all swap attempts failed")

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Submitter sends a transaction from the privileged signer and waits for it to be mined.
type Submitter interface {
	Address() common.Address
	SendAndWait(ctx context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error)
}

type SwapAttempt struct {
	SlippageTier string `json:"slippageTier"`
	TxHash       string `json:"txHash,omitempty"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
}

type SwapResult struct {
	Success      bool   `json:"success"`
	TxHash       string `json:"txHash,omitempty"`
	SlippageTier string `json:"slippageTier,omitempty"`
	AmountOut    string `json:"amountOut,omitempty"`
	AmountOutRaw string `json:"amountOutRaw,omitempty"`
	// "receipt" when read from Transfer logs, "quote" when taken from the pre-execution price
	AmountOutSource string        `json:"amountOutSource,omitempty"`
	Quote           *QuoteSummary `json:"quote,omitempty"`
	Attempts        []SwapAttempt `json:"attempts"`

	amountOut *big.Int
}

// AmountOutRawInt returns the received amount in stable token smallest units.
func (r *SwapResult) AmountOutRawInt() *big.Int {
	if r == nil || r.amountOut == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.amountOut)
}

type QuoteSummary struct {
	AmountIn   string `json:"amountIn"`
	AmountOut  string `json:"amountOut"`
	PriceRatio string `json:"priceRatio"`
}

type ExecutorOptions struct {
	Schedule         Schedule
	GasMultiplier    decimal.Decimal
	FallbackGasLimit uint64
}

// Executor converts native currency to the stable token, widening slippage on each failed attempt.
type Executor struct {
	quotes    *QuoteService
	agg       Aggregator
	submitter Submitter
	stable    Token
	opts      ExecutorOptions
	metrics   metrics.Recorder
	log       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(quotes *QuoteService, agg Aggregator, submitter Submitter, stable Token, opts ExecutorOptions, rec metrics.Recorder, log *zap.Logger) *Executor {
	if opts.GasMultiplier.IsZero() {
		opts.GasMultiplier = decimal.RequireFromString("1.2")
	}
	if opts.FallbackGasLimit == 0 {
		opts.FallbackGasLimit = 500000
	}
	log = logger.OrNop(log)
	return &Executor{
		quotes:    quotes,
		agg:       agg,
		submitter: submitter,
		stable:    stable,
		opts:      opts,
		metrics:   metrics.OrNoop(rec),
		log:       log,
		sleep:     sleepCtx,
	}
}

// Swap converts amountIn of native currency into the stable token delivered to recipient.
// The quote's minimum-output check runs before any transaction is submitted. On failure the
// returned result still lists the attempts made.
func (e *Executor) Swap(ctx context.Context, amountIn *big.Int, recipient common.Address) (*SwapResult, error) {
	quote, err := e.quotes.GetQuote(ctx, amountIn)
	if err != nil {
		return nil, err
	}

	result := &SwapResult{
		Quote: &QuoteSummary{
			AmountIn:   amountIn.String(),
			AmountOut:  quote.AmountOutDisplay.String(),
			PriceRatio: quote.PriceRatio.String(),
		},
		Attempts: []SwapAttempt{},
	}

	esc := newEscalation(e.opts.Schedule)
	for {
		tier, ok := esc.next()
		if !ok {
			break
		}

		attempt := SwapAttempt{SlippageTier: tier.Label()}
		hash, receipt, swapTx, err := e.attempt(ctx, tier, amountIn, recipient)
		if hash != (common.Hash{}) {
			attempt.TxHash = hash.Hex()
		}

		if err == nil {
			attempt.Outcome = "success"
			result.Attempts = append(result.Attempts, attempt)
			e.metrics.IncCounter(metrics.SwapAttemptsTotal, map[string]string{"status": "success", "tier": tier.Label()})

			out, source := e.amountOut(receipt, recipient, swapTx, quote)
			result.Success = true
			result.TxHash = hash.Hex()
			result.SlippageTier = tier.Label()
			result.amountOut = out
			result.AmountOutRaw = out.String()
			result.AmountOut = FormatAmount(out, e.stable.Decimals)
			result.AmountOutSource = source

			e.log.Info("swap succeeded",
				zap.String("tx_hash", result.TxHash),
				zap.String("slippage_tier", result.SlippageTier),
				zap.String("amount_out", result.AmountOut),
				zap.String("amount_out_source", source),
			)
			return result, nil
		}

		attempt.Outcome = "failed"
		attempt.Error = err.Error()
		result.Attempts = append(result.Attempts, attempt)
		e.metrics.IncCounter(metrics.SwapAttemptsTotal, map[string]string{"status": "failed", "tier": tier.Label()})
		e.log.Warn("swap attempt failed",
			zap.String("slippage_tier", tier.Label()),
			zap.String("tx_hash", attempt.TxHash),
			zap.Error(err),
		)

		// An unconfirmed or possibly broadcast swap may still land; retrying could spend the funds twice.
		if errors.Is(err, wallet.ErrConfirmationTimeout) || errors.Is(err, wallet.ErrBroadcastUnknown) {
			return result, fmt.Errorf("swap at %s: %w", tier.Label(), err)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("swap at %s: %w", tier.Label(), ctx.Err())
		}

		backoff, more := esc.fail(err)
		if more {
			if err := e.sleep(ctx, backoff); err != nil {
				return result, fmt.Errorf("waiting before next slippage tier: %w", err)
			}
		}
	}

	return result, fmt.Errorf("%w: %w", ErrAllSwapAttemptsFailed, esc.lastErr)
}

func (e *Executor) attempt(ctx context.Context, tier Tier, amountIn *big.Int, recipient common.Address) (common.Hash, *types.Receipt, *SwapTx, error) {
	swapTx, err := e.agg.BuildSwap(ctx, SwapRequest{
		AmountIn:  amountIn,
		Slippage:  tier.Slippage,
		From:      e.submitter.Address(),
		Recipient: recipient,
	})
	if err != nil {
		return common.Hash{}, nil, nil, fmt.Errorf("building swap: %w", err)
	}

	hash, receipt, err := e.submitter.SendAndWait(ctx, wallet.TxRequest{
		To:       swapTx.To,
		Data:     swapTx.Data,
		Value:    swapTx.Value,
		GasLimit: e.gasLimit(swapTx.Gas),
	})
	if err != nil {
		return hash, receipt, swapTx, fmt.Errorf("submitting swap: %w", err)
	}
	return hash, receipt, swapTx, nil
}

// gasLimit pads the aggregator's gas hint by the configured multiplier.
func (e *Executor) gasLimit(hint uint64) uint64 {
	if hint == 0 {
		return e.opts.FallbackGasLimit
	}
	padded := decimal.NewFromBigInt(new(big.Int).SetUint64(hint), 0).Mul(e.opts.GasMultiplier).Ceil()
	return padded.BigInt().Uint64()
}

// amountOut prefers the stable token Transfer logs to recipient in the receipt and falls back
// to the aggregator's figure for the successful tier.
func (e *Executor) amountOut(receipt *types.Receipt, recipient common.Address, swapTx *SwapTx, quote *Quote) (*big.Int, string) {
	if receipt != nil {
		total := new(big.Int)
		found := false
		recipientTopic := common.BytesToHash(recipient.Bytes())
		for _, l := range receipt.Logs {
			if l == nil || l.Address != e.stable.Address || len(l.Topics) != 3 {
				continue
			}
			if l.Topics[0] != transferTopic || l.Topics[2] != recipientTopic {
				continue
			}
			total.Add(total, new(big.Int).SetBytes(l.Data))
			found = true
		}
		if found {
			return total, "receipt"
		}
	}
	if swapTx != nil && swapTx.ExpectedOut != nil && swapTx.ExpectedOut.Sign() > 0 {
		return new(big.Int).Set(swapTx.ExpectedOut), "quote"
	}
	return new(big.Int).Set(quote.AmountOut), "quote"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
