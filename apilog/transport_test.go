package apilog

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavSood/giftpay/db"
)

type memorySink struct {
	mu      sync.Mutex
	entries []db.APIRequest
}

func (m *memorySink) InsertAPIRequest(_ context.Context, r db.APIRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, r)
	return nil
}

func TestTransportRecordsAndRedacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"code":"0","data":[]}`))
	}))
	defer srv.Close()

	sink := &memorySink{}
	tr := NewTransport(http.DefaultTransport, "okx", sink, nil)
	tr.async = false
	client := &http.Client{Transport: tr}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v5/dex/aggregator/quote?amount=1", nil)
	require.NoError(t, err)
	req.Header.Set("OK-ACCESS-KEY", "super-secret")
	req.Header.Set("OK-ACCESS-SIGN", "sig")
	req.Header.Set("OK-ACCESS-TIMESTAMP", "2025-03-01T12:00:00.000Z")

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, `{"code":"0","data":[]}`, string(body))

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	assert.Equal(t, "okx", e.Provider)
	assert.Equal(t, int64(200), e.ResponseStatus.Int64)
	assert.Equal(t, `{"code":"0","data":[]}`, e.ResponseBody)
	assert.NotContains(t, e.RequestHeaders, "super-secret")
	assert.Contains(t, e.RequestHeaders, "Ok-Access-Key: [redacted]")
	assert.Contains(t, e.RequestHeaders, "2025-03-01T12:00:00.000Z")
}

func TestTransportRecordsErrors(t *testing.T) {
	sink := &memorySink{}
	tr := NewTransport(http.DefaultTransport, "okx", sink, nil)
	tr.async = false
	client := &http.Client{Transport: tr}

	_, err := client.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	require.Len(t, sink.entries, 1)
	assert.NotEmpty(t, sink.entries[0].Error)
	assert.False(t, sink.entries[0].ResponseStatus.Valid)
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("a", maxBodySize+10)
	assert.True(t, strings.HasSuffix(truncate(long), "...[truncated]"))
	assert.Equal(t, "short", truncate("short"))
}
