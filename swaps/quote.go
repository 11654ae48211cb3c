package swaps

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/metrics"
)

var (
	ErrQuoteUnavailable = errors.New("quote unavailable")
	ErrOutputTooSmall   = errors.New("quoted output below minimum")
)

// Quote is a validated aggregator price, used to decide whether a swap is worth submitting.
type Quote struct {
	Aggregator string
	AmountIn   *big.Int
	AmountOut  *big.Int
	// AmountOut in stable token display units
	AmountOutDisplay decimal.Decimal
	// Stable token per native unit
	PriceRatio decimal.Decimal
	Slippage   decimal.Decimal
}

type QuoteOptions struct {
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
	// Minimum output in stable token display units
	MinOutput decimal.Decimal
}

type QuoteService struct {
	agg     Aggregator
	stable  Token
	opts    QuoteOptions
	metrics metrics.Recorder
	log     *zap.Logger
}

func NewQuoteService(agg Aggregator, stable Token, opts QuoteOptions, rec metrics.Recorder, log *zap.Logger) *QuoteService {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	log = logger.OrNop(log)
	return &QuoteService{
		agg:     agg,
		stable:  stable,
		opts:    opts,
		metrics: metrics.OrNoop(rec),
		log:     log,
	}
}

// GetQuote prices amountIn, retrying transport failures. A quote below the minimum
// output is rejected without retrying.
func (s *QuoteService) GetQuote(ctx context.Context, amountIn *big.Int) (*Quote, error) {
	var (
		raw     *AggregatorQuote
		attempt int
	)

	backoff := retry.WithMaxRetries(uint64(s.opts.Attempts-1), retry.NewConstant(s.opts.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		qctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()

		q, err := s.agg.Quote(qctx, amountIn)
		if err == nil && (q == nil || q.AmountOut == nil || q.AmountOut.Sign() < 0) {
			err = fmt.Errorf("malformed quote from %s", s.agg.Name())
		}
		if err != nil {
			s.metrics.IncCounter(metrics.QuoteAttempts, map[string]string{"status": "failed", "attempt": strconv.Itoa(attempt)})
			s.log.Warn("quote attempt failed",
				zap.String("aggregator", s.agg.Name()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		s.metrics.IncCounter(metrics.QuoteAttempts, map[string]string{"status": "ok", "attempt": strconv.Itoa(attempt)})
		raw = q
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrQuoteUnavailable, attempt, err)
	}

	out := ToDisplay(raw.AmountOut, s.stable.Decimals)
	if out.LessThan(s.opts.MinOutput) {
		return nil, fmt.Errorf("%w: %s %s < %s", ErrOutputTooSmall, out.String(), s.stable.Symbol, s.opts.MinOutput.String())
	}

	quote := &Quote{
		Aggregator:       s.agg.Name(),
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOut:        new(big.Int).Set(raw.AmountOut),
		AmountOutDisplay: out,
		Slippage:         decimal.Zero,
	}
	if in := ToDisplay(amountIn, NativeDecimals); in.IsPositive() {
		quote.PriceRatio = out.DivRound(in, 8)
	}

	s.log.Info("quote accepted",
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", out.String()),
		zap.String("price_ratio", quote.PriceRatio.String()),
	)
	return quote, nil
}
