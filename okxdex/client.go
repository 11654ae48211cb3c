// Package okxdex is a client for the OKX DEX aggregator API.
package okxdex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://web3.okx.com"

	quotePath = "/api/v5/dex/aggregator/quote"
	swapPath  = "/api/v5/dex/aggregator/swap"

	// NativeToken is the aggregator's placeholder address for the chain's native currency.
	NativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
)

// Credentials authenticate signed requests.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	ProjectID  string
}

// APIError is a non-zero code in the response envelope.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx dex error %s: %s", e.Code, e.Msg)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	creds   Credentials
	http    *resty.Client
	now     func() time.Time
}

// NewClient builds a client. httpClient may carry a logging transport; nil uses a plain 30s client.
func NewClient(baseURL string, creds Credentials, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    resty.NewWithClient(httpClient),
		now:     time.Now,
	}
}

// Sign computes the OK-ACCESS-SIGN header value for a request.
// requestPath includes the query string when there is one.
func Sign(secret, timestamp, method, requestPath string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type TokenInfo struct {
	Decimal        string `json:"decimal"`
	TokenSymbol    string `json:"tokenSymbol"`
	TokenUnitPrice string `json:"tokenUnitPrice"`
}

// RouterResult is the routing outcome shared by the quote and swap endpoints.
type RouterResult struct {
	ChainID         string    `json:"chainId"`
	FromTokenAmount string    `json:"fromTokenAmount"`
	ToTokenAmount   string    `json:"toTokenAmount"`
	EstimateGasFee  string    `json:"estimateGasFee"`
	FromToken       TokenInfo `json:"fromToken"`
	ToToken         TokenInfo `json:"toToken"`
	PriceImpact     string    `json:"priceImpactPercentage"`
}

type SwapTx struct {
	From             string `json:"from"`
	To               string `json:"to"`
	Data             string `json:"data"`
	Value            string `json:"value"`
	Gas              string `json:"gas"`
	GasPrice         string `json:"gasPrice"`
	MinReceiveAmount string `json:"minReceiveAmount"`
	Slippage         string `json:"slippage"`
}

type SwapData struct {
	RouterResult RouterResult `json:"routerResult"`
	Tx           SwapTx       `json:"tx"`
}

type QuoteParams struct {
	ChainID   int64
	FromToken string
	ToToken   string
	// Amount in the from token's smallest unit
	Amount string
}

type SwapParams struct {
	QuoteParams
	// Slippage as a fraction, e.g. "0.01" for 1%
	Slippage        string
	UserWallet      string
	ReceiverAddress string
}

// Quote calls the aggregator quote endpoint.
func (c *Client) Quote(ctx context.Context, p QuoteParams) (*RouterResult, error) {
	params := url.Values{}
	params.Set("chainId", fmt.Sprintf("%d", p.ChainID))
	params.Set("amount", p.Amount)
	params.Set("fromTokenAddress", p.FromToken)
	params.Set("toTokenAddress", p.ToToken)

	var results []RouterResult
	if err := c.get(ctx, quotePath, params, &results); err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("quote: empty data")
	}
	return &results[0], nil
}

// Swap calls the aggregator swap endpoint and returns the unsigned transaction payload.
func (c *Client) Swap(ctx context.Context, p SwapParams) (*SwapData, error) {
	params := url.Values{}
	params.Set("chainId", fmt.Sprintf("%d", p.ChainID))
	params.Set("amount", p.Amount)
	params.Set("fromTokenAddress", p.FromToken)
	params.Set("toTokenAddress", p.ToToken)
	params.Set("slippage", p.Slippage)
	params.Set("userWalletAddress", p.UserWallet)
	if p.ReceiverAddress != "" {
		params.Set("swapReceiverAddress", p.ReceiverAddress)
	}

	var results []SwapData
	if err := c.get(ctx, swapPath, params, &results); err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("swap: empty data")
	}
	return &results[0], nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	query := params.Encode()
	requestPath := path
	if query != "" {
		requestPath += "?" + query
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")

	req := c.http.R().
		SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", c.creds.APIKey).
		SetHeader("OK-ACCESS-SIGN", Sign(c.creds.SecretKey, ts, http.MethodGet, requestPath)).
		SetHeader("OK-ACCESS-TIMESTAMP", ts).
		SetHeader("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	if c.creds.ProjectID != "" {
		req.SetHeader("OK-ACCESS-PROJECT", c.creds.ProjectID)
	}

	resp, err := req.Get(c.baseURL + requestPath)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.IsError() {
			return fmt.Errorf("%s: %s", resp.Status(), resp.Body())
		}
		return fmt.Errorf("parsing response: %w", err)
	}
	if env.Code != "0" {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if resp.IsError() {
		return fmt.Errorf("%s: %s", resp.Status(), resp.Body())
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parsing data: %w", err)
	}
	return nil
}
