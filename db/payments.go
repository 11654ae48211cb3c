package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RaghavSood/giftpay/payments"
)

var _ payments.Store = (*Store)(nil)

// Statuses a job can be restarted from
const restartable = `'failed', 'interrupted'`

const activeStatuses = `'received', 'validating', 'swapping', 'bridging', 'purchasing'`

func (s *Store) HasProcessed(ctx context.Context, txHash string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM payments WHERE tx_hash = ? AND status = 'completed'`, txHash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking processed: %w", err)
	}
	return n > 0, nil
}

// TryBeginJob claims the row for txHash. The conditional upsert makes the claim atomic
// across processes sharing the database.
func (s *Store) TryBeginJob(ctx context.Context, req payments.PaymentRequest) (payments.BeginOutcome, error) {
	now := s.now().UTC()
	res, err := s.exec(ctx, `
		INSERT INTO payments (tx_hash, request_id, item_id, user_address, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO UPDATE SET
			request_id = excluded.request_id,
			item_id = excluded.item_id,
			user_address = excluded.user_address,
			status = excluded.status,
			stage = '',
			error = '',
			result_json = '',
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = NULL
		WHERE payments.status IN (`+restartable+`)`,
		req.TxHash, req.ID.String(), req.ItemID, req.UserAddress, string(payments.StatusReceived), req.CreatedAt.UTC(), now,
	)
	if err != nil {
		return 0, fmt.Errorf("claiming job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claiming job: %w", err)
	}
	if n > 0 {
		return payments.BeginStarted, nil
	}

	var status string
	if err := s.queryRow(ctx, `SELECT status FROM payments WHERE tx_hash = ?`, req.TxHash).Scan(&status); err != nil {
		return 0, fmt.Errorf("reading job status: %w", err)
	}
	if payments.Status(status) == payments.StatusCompleted {
		return payments.BeginDuplicate, nil
	}
	return payments.BeginInProgress, nil
}

func (s *Store) UpdateStatus(ctx context.Context, txHash string, requestID uuid.UUID, status payments.Status) error {
	res, err := s.exec(ctx, `UPDATE payments SET status = ?, updated_at = ?
		WHERE tx_hash = ? AND request_id = ? AND status IN (`+activeStatuses+`)`,
		string(status), s.now().UTC(), txHash, requestID.String())
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.ownership(ctx, txHash, requestID.String())
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, txHash string, requestID uuid.UUID, completedAt time.Time) error {
	res, err := s.exec(ctx, `UPDATE payments SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE tx_hash = ? AND request_id = ? AND status <> 'completed'`,
		completedAt.UTC(), s.now().UTC(), txHash, requestID.String())
	if err != nil {
		return fmt.Errorf("marking processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		processed, err := s.HasProcessed(ctx, txHash)
		if err != nil {
			return err
		}
		if processed {
			return payments.ErrAlreadyProcessed
		}
		if err := s.ownership(ctx, txHash, requestID.String()); err != nil {
			return err
		}
		return payments.ErrRecordNotFound
	}
	return nil
}

// EndJob fails a job that is still marked active, which only happens when a run ended
// without recording a result. Rows claimed by a later run are left alone.
func (s *Store) EndJob(ctx context.Context, txHash string, requestID uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE payments SET status = 'failed', error = 'job ended without result', updated_at = ?
		WHERE tx_hash = ? AND request_id = ? AND status IN (`+activeStatuses+`)`, s.now().UTC(), txHash, requestID.String())
	if err != nil {
		return fmt.Errorf("ending job: %w", err)
	}
	return nil
}

func (s *Store) InFlight(ctx context.Context) ([]payments.PaymentRequest, error) {
	return s.listByStatus(ctx, `SELECT tx_hash, request_id, item_id, user_address, status, created_at, completed_at
		FROM payments WHERE status IN (`+activeStatuses+`) ORDER BY created_at`)
}

func (s *Store) Stats(ctx context.Context) (payments.Stats, error) {
	var st payments.Stats
	err := s.queryRow(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN (`+activeStatuses+`) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM payments`).Scan(&st.Processed, &st.InFlight, &st.Failed)
	if err != nil {
		return st, fmt.Errorf("reading stats: %w", err)
	}
	return st, nil
}

func (s *Store) RecordResult(ctx context.Context, r *payments.Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	var completedAt sql.NullTime
	if r.CompletedAt != nil {
		completedAt = sql.NullTime{Time: r.CompletedAt.UTC(), Valid: true}
	}

	res, err := s.exec(ctx, `UPDATE payments SET status = ?, stage = ?, error = ?, user_address = ?, result_json = ?,
		completed_at = COALESCE(?, completed_at), updated_at = ? WHERE tx_hash = ? AND request_id = ?`,
		string(r.Status), string(r.Stage), r.Error, r.UserAddress, string(body), completedAt, s.now().UTC(), r.TxHash, r.RequestID)
	if err != nil {
		return fmt.Errorf("recording result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := s.ownership(ctx, r.TxHash, r.RequestID); err != nil {
			return err
		}
		return payments.ErrRecordNotFound
	}
	return nil
}

// ownership reports ErrRecordNotFound when txHash has no row and ErrJobSuperseded when a
// different run claimed it.
func (s *Store) ownership(ctx context.Context, txHash, requestID string) error {
	var owner string
	err := s.queryRow(ctx, `SELECT request_id FROM payments WHERE tx_hash = ?`, txHash).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("reading job owner: %w", err)
	}
	if owner != requestID {
		return payments.ErrJobSuperseded
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, txHash string) (*payments.Record, error) {
	var (
		rec         payments.Record
		requestID   string
		status      string
		resultJSON  string
		completedAt sql.NullTime
	)
	err := s.queryRow(ctx, `SELECT tx_hash, request_id, item_id, user_address, status, result_json, created_at, completed_at
		FROM payments WHERE tx_hash = ?`, txHash).
		Scan(&rec.TxHash, &requestID, &rec.ItemID, &rec.UserAddress, &status, &resultJSON, &rec.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payments.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up payment: %w", err)
	}

	rec.ID, _ = uuid.Parse(requestID)
	rec.Status = payments.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if resultJSON != "" {
		var r payments.Result
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return nil, fmt.Errorf("decoding stored result: %w", err)
		}
		rec.Result = &r
	}
	return &rec, nil
}

// RecoverInterrupted marks jobs left active by a previous process as interrupted and returns
// them. It must run before the server accepts requests.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]payments.PaymentRequest, error) {
	jobs, err := s.InFlight(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	_, err = s.exec(ctx, `UPDATE payments SET status = 'interrupted', error = 'process stopped during ' || status, updated_at = ?
		WHERE status IN (`+activeStatuses+`)`, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("marking interrupted: %w", err)
	}
	return jobs, nil
}

func (s *Store) listByStatus(ctx context.Context, query string, args ...any) ([]payments.PaymentRequest, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var out []payments.PaymentRequest
	for rows.Next() {
		var (
			req         payments.PaymentRequest
			requestID   string
			status      string
			completedAt sql.NullTime
		)
		if err := rows.Scan(&req.TxHash, &requestID, &req.ItemID, &req.UserAddress, &status, &req.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		req.ID, _ = uuid.Parse(requestID)
		req.Status = payments.Status(status)
		if completedAt.Valid {
			t := completedAt.Time
			req.CompletedAt = &t
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
