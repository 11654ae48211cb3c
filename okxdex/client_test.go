package okxdex

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/swaps"
)

var (
	creds  = Credentials{APIKey: "key", SecretKey: "secret", Passphrase: "pass", ProjectID: "proj"}
	stable = common.HexToAddress("0x2222222222222222222222222222222222222222")
	fixed  = time.Date(2025, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, creds, nil)
	c.now = func() time.Time { return fixed }
	return c
}

func TestSignKnownValue(t *testing.T) {
	got := Sign("secret", "2020-12-08T09:08:57.715Z", "GET", "/api/v5/account/balance?ccy=BTC")
	assert.Equal(t, "wpDvCwYCprcMQsQkxWJiWy+YADoQE4ep+OEKKLimMoY=", got)
}

func TestQuoteSignsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, quotePath, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, "proj", r.Header.Get("OK-ACCESS-PROJECT"))
		assert.Equal(t, "2025-03-01T12:00:00.123Z", r.Header.Get("OK-ACCESS-TIMESTAMP"))

		want := Sign("secret", "2025-03-01T12:00:00.123Z", "GET", r.URL.Path+"?"+r.URL.RawQuery)
		assert.Equal(t, want, r.Header.Get("OK-ACCESS-SIGN"))

		q := r.URL.Query()
		assert.Equal(t, "8453", q.Get("chainId"))
		assert.Equal(t, "800000000000000", q.Get("amount"))
		assert.Equal(t, NativeToken, q.Get("fromTokenAddress"))

		w.Write([]byte(`{"code":"0","msg":"","data":[{"chainId":"8453","fromTokenAmount":"800000000000000","toTokenAmount":"2100000"}]}`))
	})

	p := NewProvider(c, 8453, stable)
	q, err := p.Quote(context.Background(), big.NewInt(800_000_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "2100000", q.AmountOut.String())
}

func TestAPIErrorEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"82000","msg":"Insufficient liquidity","data":[]}`))
	})

	_, err := c.Quote(context.Background(), QuoteParams{ChainID: 1, Amount: "1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "82000", apiErr.Code)
	assert.Equal(t, "Insufficient liquidity", apiErr.Msg)
}

func TestHTTPErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	})

	_, err := c.Quote(context.Background(), QuoteParams{ChainID: 1, Amount: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBuildSwap(t *testing.T) {
	signer := common.HexToAddress("0x6666666666666666666666666666666666666666")
	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, swapPath, r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "0.02", q.Get("slippage"))
		assert.Equal(t, signer.Hex(), q.Get("userWalletAddress"))
		assert.Equal(t, recipient.Hex(), q.Get("swapReceiverAddress"))

		w.Write([]byte(`{"code":"0","msg":"","data":[{
			"routerResult":{"toTokenAmount":"2100000"},
			"tx":{"to":"0x5555555555555555555555555555555555555555","data":"0xdeadbeef","value":"800000000000000","gas":"210000","minReceiveAmount":"2058000"}
		}]}`))
	})

	p := NewProvider(c, 8453, stable)
	tx, err := p.BuildSwap(context.Background(), swaps.SwapRequest{
		AmountIn:  big.NewInt(800_000_000_000_000),
		Slippage:  decimal.RequireFromString("0.02"),
		From:      signer,
		Recipient: recipient,
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x5555555555555555555555555555555555555555"), tx.To)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, tx.Data)
	assert.Equal(t, "800000000000000", tx.Value.String())
	assert.Equal(t, uint64(210000), tx.Gas)
	assert.Equal(t, "2100000", tx.ExpectedOut.String())
	assert.Equal(t, "2058000", tx.MinOut.String())
}

func TestBuildSwapRejectsBadPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[{"tx":{"to":"nope","data":"0x"}}]}`))
	})

	p := NewProvider(c, 8453, stable)
	_, err := p.BuildSwap(context.Background(), swaps.SwapRequest{AmountIn: big.NewInt(1), Slippage: decimal.RequireFromString("0.01")})
	assert.Error(t, err)
}
