package payments

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := PaymentRequest{ID: uuid.New(), TxHash: "0x01", ItemID: 3, Status: StatusReceived, CreatedAt: time.Now()}

	out, err := s.TryBeginJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, BeginStarted, out)

	out, err = s.TryBeginJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, BeginInProgress, out)

	require.NoError(t, s.UpdateStatus(ctx, "0x01", req.ID, StatusBridging))
	jobs, err := s.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusBridging, jobs[0].Status)

	require.NoError(t, s.MarkProcessed(ctx, "0x01", req.ID, time.Now()))
	jobs, _ = s.InFlight(ctx)
	assert.Empty(t, jobs)
	assert.ErrorIs(t, s.MarkProcessed(ctx, "0x01", req.ID, time.Now()), ErrAlreadyProcessed)

	out, err = s.TryBeginJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, BeginDuplicate, out)

	require.NoError(t, s.EndJob(ctx, "0x01", req.ID))
	ok, err := s.HasProcessed(ctx, "0x01")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreFailedJobCanRestart(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	req := PaymentRequest{ID: uuid.New(), TxHash: "0x02", ItemID: 1, CreatedAt: time.Now()}

	_, err := s.TryBeginJob(ctx, req)
	require.NoError(t, err)
	require.NoError(t, s.RecordResult(ctx, &Result{RequestID: req.ID.String(), TxHash: "0x02", ItemID: 1, Status: StatusFailed, Error: "boom"}))
	require.NoError(t, s.EndJob(ctx, "0x02", req.ID))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	retry := req
	retry.ID = uuid.New()
	out, err := s.TryBeginJob(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, BeginStarted, out)

	rec, err := s.Lookup(ctx, "0x02")
	require.NoError(t, err)
	assert.Nil(t, rec.Result)
}

func TestMemoryStoreIgnoresStaleRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	owner := PaymentRequest{ID: uuid.New(), TxHash: "0x03", ItemID: 1, CreatedAt: time.Now()}
	stale := uuid.New()

	_, err := s.TryBeginJob(ctx, owner)
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "0x03", stale, StatusSwapping), ErrJobSuperseded)
	assert.ErrorIs(t, s.MarkProcessed(ctx, "0x03", stale, time.Now()), ErrJobSuperseded)
	assert.ErrorIs(t, s.RecordResult(ctx, &Result{RequestID: stale.String(), TxHash: "0x03", Status: StatusFailed}), ErrJobSuperseded)
	require.NoError(t, s.EndJob(ctx, "0x03", stale))

	jobs, err := s.InFlight(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, owner.ID, jobs[0].ID)

	out, err := s.TryBeginJob(ctx, PaymentRequest{ID: uuid.New(), TxHash: "0x03"})
	require.NoError(t, err)
	assert.Equal(t, BeginInProgress, out)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusSwapping.Terminal())
}
