// Package apilog records outbound aggregator HTTP traffic.
package apilog

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/db"
	"github.com/RaghavSood/giftpay/logger"
)

const maxBodySize = 64 * 1024 // 64KB

// Sink persists captured requests. *db.Store satisfies it.
type Sink interface {
	InsertAPIRequest(ctx context.Context, r db.APIRequest) error
}

var secretHeaders = regexp.MustCompile(`(?mi)^(Ok-Access-(?:Key|Sign|Passphrase)): .*$`)

// Transport is an http.RoundTripper that records every request and response.
type Transport struct {
	inner    http.RoundTripper
	provider string
	sink     Sink
	log      *zap.Logger

	// async is false in tests so inserts are visible on return
	async bool
}

func NewHTTPClient(provider string, sink Sink, log *zap.Logger) *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: NewTransport(http.DefaultTransport, provider, sink, log),
	}
}

func NewTransport(inner http.RoundTripper, provider string, sink Sink, log *zap.Logger) *Transport {
	log = logger.OrNop(log)
	return &Transport{
		inner:    inner,
		provider: provider,
		sink:     sink,
		log:      log,
		async:    true,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil {
		reqBody, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	start := time.Now()
	resp, err := t.inner.RoundTrip(req)
	duration := time.Since(start)

	entry := db.APIRequest{
		Provider:       t.provider,
		Method:         req.Method,
		URL:            req.URL.String(),
		RequestHeaders: redact(headerString(req.Header)),
		RequestBody:    truncate(string(reqBody)),
		DurationMs:     duration.Milliseconds(),
	}

	if err != nil {
		entry.Error = err.Error()
	} else {
		var respBody []byte
		if resp.Body != nil {
			respBody, _ = io.ReadAll(resp.Body)
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(respBody))
		}
		entry.ResponseStatus = sql.NullInt64{Int64: int64(resp.StatusCode), Valid: true}
		entry.ResponseHeaders = headerString(resp.Header)
		entry.ResponseBody = truncate(string(respBody))
	}

	t.log.Debug("aggregator request",
		zap.String("provider", t.provider),
		zap.String("method", entry.Method),
		zap.String("url", entry.URL),
		zap.Int64("status", entry.ResponseStatus.Int64),
		zap.Duration("duration", duration),
	)

	if t.sink != nil {
		insert := func() {
			if dbErr := t.sink.InsertAPIRequest(context.Background(), entry); dbErr != nil {
				t.log.Warn("failed to log api request", zap.String("method", entry.Method), zap.String("url", entry.URL), zap.Error(dbErr))
			}
		}
		// Insert asynchronously so we don't slow down the request
		if t.async {
			go insert()
		} else {
			insert()
		}
	}

	return resp, err
}

func headerString(h http.Header) string {
	var buf bytes.Buffer
	h.Write(&buf)
	return buf.String()
}

func redact(headers string) string {
	return secretHeaders.ReplaceAllString(headers, "$1: [redacted]")
}

func truncate(s string) string {
	if len(s) > maxBodySize {
		return s[:maxBodySize] + "...[truncated]"
	}
	return s
}
