package db

import (
	"context"
	"database/sql"
	"fmt"
)

// APIRequest is one outbound aggregator call captured by the apilog transport.
type APIRequest struct {
	Provider        string
	Method          string
	URL             string
	RequestHeaders  string
	RequestBody     string
	ResponseStatus  sql.NullInt64
	ResponseHeaders string
	ResponseBody    string
	Error           string
	DurationMs      int64
}

func (s *Store) InsertAPIRequest(ctx context.Context, r APIRequest) error {
	_, err := s.exec(ctx, `INSERT INTO api_requests
		(provider, method, url, request_headers, request_body, response_status, response_headers, response_body, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Provider, r.Method, r.URL,
		toNullString(r.RequestHeaders), toNullString(r.RequestBody),
		r.ResponseStatus,
		toNullString(r.ResponseHeaders), toNullString(r.ResponseBody),
		toNullString(r.Error),
		r.DurationMs,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting api request: %w", err)
	}
	return nil
}

// CountAPIRequests returns how many calls were logged for provider.
func (s *Store) CountAPIRequests(ctx context.Context, provider string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM api_requests WHERE provider = ?`, provider).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting api requests: %w", err)
	}
	return n, nil
}
