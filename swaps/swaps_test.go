package swaps

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/wallet"
)

var (
	usdc      = Token{Address: common.HexToAddress("0x2222222222222222222222222222222222222222"), Decimals: 6, Symbol: "USDC"}
	router    = common.HexToAddress("0x5555555555555555555555555555555555555555")
	recipient = common.HexToAddress("0x1111111111111111111111111111111111111111")
	signer    = common.HexToAddress("0x6666666666666666666666666666666666666666")
	paid      = big.NewInt(800_000_000_000_000) // 0.0008 native
)

type fakeAggregator struct {
	mu         sync.Mutex
	quoteErrs  []error
	quoteOut   *big.Int
	quoteCalls int
	swapGas    uint64
	slippages  []string
}

func (f *fakeAggregator) Name() string { return "fake" }

func (f *fakeAggregator) Quote(context.Context, *big.Int) (*AggregatorQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls++
	if len(f.quoteErrs) > 0 {
		err := f.quoteErrs[0]
		f.quoteErrs = f.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &AggregatorQuote{AmountIn: paid, AmountOut: f.quoteOut}, nil
}

func (f *fakeAggregator) BuildSwap(_ context.Context, req SwapRequest) (*SwapTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slippages = append(f.slippages, req.Slippage.String())
	return &SwapTx{To: router, Data: []byte{0x01}, Value: req.AmountIn, Gas: f.swapGas}, nil
}

// fakeSubmitter fails every send whose index is in failAt.
type fakeSubmitter struct {
	sent   []wallet.TxRequest
	failAt map[int]error
	logs   []*types.Log
}

func (f *fakeSubmitter) Address() common.Address { return signer }

func (f *fakeSubmitter) SendAndWait(_ context.Context, req wallet.TxRequest) (common.Hash, *types.Receipt, error) {
	idx := len(f.sent)
	f.sent = append(f.sent, req)
	hash := common.BigToHash(big.NewInt(int64(idx + 1)))
	if err, ok := f.failAt[idx]; ok {
		return hash, &types.Receipt{Status: types.ReceiptStatusFailed}, err
	}
	return hash, &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: f.logs}, nil
}

func testSchedule(t *testing.T) Schedule {
	t.Helper()
	s, err := NewSchedule([]decimal.Decimal{
		decimal.RequireFromString("0.01"),
		decimal.RequireFromString("0.02"),
		decimal.RequireFromString("0.03"),
	}, 3*time.Second)
	require.NoError(t, err)
	return s
}

func newTestExecutor(t *testing.T, agg *fakeAggregator, sub *fakeSubmitter) (*Executor, *[]time.Duration) {
	t.Helper()
	quotes := NewQuoteService(agg, usdc, QuoteOptions{
		Attempts:   3,
		RetryDelay: time.Millisecond,
		Timeout:    time.Second,
		MinOutput:  decimal.RequireFromString("0.01"),
	}, nil, nil)
	e := NewExecutor(quotes, agg, sub, usdc, ExecutorOptions{
		Schedule:         testSchedule(t),
		GasMultiplier:    decimal.RequireFromString("1.2"),
		FallbackGasLimit: 500000,
	}, nil, nil)

	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func TestTierLabel(t *testing.T) {
	assert.Equal(t, "1%", Tier{Slippage: decimal.RequireFromString("0.01")}.Label())
	assert.Equal(t, "0.5%", Tier{Slippage: decimal.RequireFromString("0.005")}.Label())
}

func TestNewScheduleRejectsBadTiers(t *testing.T) {
	_, err := NewSchedule(nil, time.Second)
	assert.Error(t, err)

	_, err = NewSchedule([]decimal.Decimal{decimal.RequireFromString("0.02"), decimal.RequireFromString("0.01")}, time.Second)
	assert.Error(t, err)

	_, err = NewSchedule([]decimal.Decimal{decimal.RequireFromString("0")}, time.Second)
	assert.Error(t, err)

	_, err = NewSchedule([]decimal.Decimal{decimal.RequireFromString("1")}, time.Second)
	assert.Error(t, err)
}

func TestEscalationWalksScheduleInOrder(t *testing.T) {
	esc := newEscalation(testSchedule(t))

	var labels []string
	var backoffs []time.Duration
	for {
		tier, ok := esc.next()
		if !ok {
			break
		}
		labels = append(labels, tier.Label())
		if d, more := esc.fail(errors.New("boom")); more {
			backoffs = append(backoffs, d)
		}
	}

	assert.Equal(t, []string{"1%", "2%", "3%"}, labels)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, backoffs)
	assert.True(t, esc.done())
	assert.EqualError(t, esc.lastErr, "boom")
}

func TestSwapEscalatesToThirdTier(t *testing.T) {
	agg := &fakeAggregator{quoteOut: big.NewInt(2_100_000), swapGas: 200000}
	sub := &fakeSubmitter{failAt: map[int]error{
		0: wallet.ErrReverted,
		1: wallet.ErrReverted,
	}}
	e, slept := newTestExecutor(t, agg, sub)

	res, err := e.Swap(context.Background(), paid, recipient)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "3%", res.SlippageTier)
	assert.Len(t, sub.sent, 3)
	assert.Equal(t, []string{"0.01", "0.02", "0.03"}, agg.slippages)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, *slept)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, "failed", res.Attempts[0].Outcome)
	assert.Equal(t, "success", res.Attempts[2].Outcome)
	assert.Equal(t, uint64(240000), sub.sent[0].GasLimit)
}

func TestSwapAllTiersFail(t *testing.T) {
	agg := &fakeAggregator{quoteOut: big.NewInt(2_100_000)}
	last := errors.New("execution reverted: 3%")
	sub := &fakeSubmitter{failAt: map[int]error{
		0: wallet.ErrReverted,
		1: wallet.ErrReverted,
		2: last,
	}}
	e, slept := newTestExecutor(t, agg, sub)

	res, err := e.Swap(context.Background(), paid, recipient)
	assert.ErrorIs(t, err, ErrAllSwapAttemptsFailed)
	assert.ErrorIs(t, err, last)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Len(t, res.Attempts, 3)
	assert.Len(t, *slept, 2)
	assert.Equal(t, uint64(500000), sub.sent[0].GasLimit)
}

func TestSwapUnsettledSendDoesNotEscalate(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"confirmation timeout", wallet.ErrConfirmationTimeout},
		{"broadcast unknown", fmt.Errorf("%w: 0x5a: read: connection reset by peer", wallet.ErrBroadcastUnknown)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &fakeAggregator{quoteOut: big.NewInt(2_100_000)}
			sub := &fakeSubmitter{failAt: map[int]error{0: tt.err}}
			e, slept := newTestExecutor(t, agg, sub)

			res, err := e.Swap(context.Background(), paid, recipient)
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrAllSwapAttemptsFailed)
			assert.Len(t, sub.sent, 1)
			assert.Len(t, res.Attempts, 1)
			assert.Empty(t, *slept)
		})
	}
}

func TestSwapAmountOutFromReceipt(t *testing.T) {
	agg := &fakeAggregator{quoteOut: big.NewInt(2_100_000)}
	sub := &fakeSubmitter{logs: []*types.Log{{
		Address: usdc.Address,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(router.Bytes()),
			common.BytesToHash(recipient.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(2_080_000).Bytes(), 32),
	}}}
	e, _ := newTestExecutor(t, agg, sub)

	res, err := e.Swap(context.Background(), paid, recipient)
	require.NoError(t, err)
	assert.Equal(t, "2.08", res.AmountOut)
	assert.Equal(t, "2080000", res.AmountOutRaw)
	assert.Equal(t, "receipt", res.AmountOutSource)
}

func TestSwapAmountOutFallsBackToQuote(t *testing.T) {
	agg := &fakeAggregator{quoteOut: big.NewInt(2_100_000)}
	e, _ := newTestExecutor(t, agg, &fakeSubmitter{})

	res, err := e.Swap(context.Background(), paid, recipient)
	require.NoError(t, err)
	assert.Equal(t, "1%", res.SlippageTier)
	assert.Equal(t, "2.10", res.AmountOut)
	assert.Equal(t, "quote", res.AmountOutSource)
	assert.Equal(t, big.NewInt(2_100_000), res.AmountOutRawInt())
}

func TestSwapMinimumOutputGuard(t *testing.T) {
	agg := &fakeAggregator{quoteOut: big.NewInt(9_999)} // 0.009999 USDC
	sub := &fakeSubmitter{}
	e, _ := newTestExecutor(t, agg, sub)

	res, err := e.Swap(context.Background(), paid, recipient)
	assert.ErrorIs(t, err, ErrOutputTooSmall)
	assert.Nil(t, res)
	assert.Empty(t, sub.sent)
	assert.Equal(t, 1, agg.quoteCalls)
}

func TestQuoteRetriesThenSucceeds(t *testing.T) {
	agg := &fakeAggregator{
		quoteOut:  big.NewInt(2_100_000),
		quoteErrs: []error{errors.New("502"), errors.New("timeout")},
	}
	e, _ := newTestExecutor(t, agg, &fakeSubmitter{})

	q, err := e.quotes.GetQuote(context.Background(), paid)
	require.NoError(t, err)
	assert.Equal(t, 3, agg.quoteCalls)
	assert.Equal(t, "2.1", q.AmountOutDisplay.String())
	assert.Equal(t, "2625", q.PriceRatio.String())
	assert.True(t, q.Slippage.IsZero())
}

func TestQuoteUnavailableAfterThreeFailures(t *testing.T) {
	last := errors.New("third")
	agg := &fakeAggregator{
		quoteOut:  big.NewInt(2_100_000),
		quoteErrs: []error{errors.New("first"), errors.New("second"), last},
	}
	e, _ := newTestExecutor(t, agg, &fakeSubmitter{})

	_, err := e.quotes.GetQuote(context.Background(), paid)
	assert.ErrorIs(t, err, ErrQuoteUnavailable)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, agg.quoteCalls)
}
