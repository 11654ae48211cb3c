package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type BeginOutcome int

const (
	BeginStarted BeginOutcome = iota
	BeginDuplicate
	BeginInProgress
)

type Stats struct {
	Processed int `json:"processed"`
	InFlight  int `json:"inFlight"`
	Failed    int `json:"failed"`
}

// JobStore owns the processed set and the in-flight map. A tx hash is in at most one of them.
// Every write after TryBeginJob carries the request ID of the run that claimed the job, and
// only touches the job while that run still owns it.
type JobStore interface {
	HasProcessed(ctx context.Context, txHash string) (bool, error)
	// TryBeginJob atomically checks both sets and registers req as in flight.
	TryBeginJob(ctx context.Context, req PaymentRequest) (BeginOutcome, error)
	// UpdateStatus returns ErrJobSuperseded when requestID no longer owns the job.
	UpdateStatus(ctx context.Context, txHash string, requestID uuid.UUID, status Status) error
	// MarkProcessed moves txHash from the in-flight map into the processed set.
	MarkProcessed(ctx context.Context, txHash string, requestID uuid.UUID, completedAt time.Time) error
	// EndJob drops txHash from the in-flight map. It is a no-op if the job already left it
	// or another run owns it.
	EndJob(ctx context.Context, txHash string, requestID uuid.UUID) error
	InFlight(ctx context.Context) ([]PaymentRequest, error)
	Stats(ctx context.Context) (Stats, error)
}

// Journal keeps the last result of every job for lookups. RecordResult only writes while
// res.RequestID owns the job.
type Journal interface {
	RecordResult(ctx context.Context, res *Result) error
	Lookup(ctx context.Context, txHash string) (*Record, error)
}

type Store interface {
	JobStore
	Journal
}

// MemoryStore is a process-local Store. Everything is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	processed map[string]time.Time
	inFlight  map[string]*PaymentRequest
	records   map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processed: make(map[string]time.Time),
		inFlight:  make(map[string]*PaymentRequest),
		records:   make(map[string]*Record),
	}
}

func (m *MemoryStore) HasProcessed(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[txHash]
	return ok, nil
}

func (m *MemoryStore) TryBeginJob(_ context.Context, req PaymentRequest) (BeginOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[req.TxHash]; ok {
		return BeginDuplicate, nil
	}
	if _, ok := m.inFlight[req.TxHash]; ok {
		return BeginInProgress, nil
	}
	r := req
	m.inFlight[req.TxHash] = &r
	m.records[req.TxHash] = &Record{PaymentRequest: req}
	return BeginStarted, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, txHash string, requestID uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.inFlight[txHash]
	if !ok || r.ID != requestID {
		return ErrJobSuperseded
	}
	r.Status = status
	if rec, ok := m.records[txHash]; ok {
		rec.Status = status
	}
	return nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, txHash string, requestID uuid.UUID, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.processed[txHash]; ok {
		return ErrAlreadyProcessed
	}
	if r, ok := m.inFlight[txHash]; ok && r.ID != requestID {
		return ErrJobSuperseded
	}
	m.processed[txHash] = completedAt
	delete(m.inFlight, txHash)
	if rec, ok := m.records[txHash]; ok {
		rec.Status = StatusCompleted
		rec.CompletedAt = &completedAt
	}
	return nil
}

func (m *MemoryStore) EndJob(_ context.Context, txHash string, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.inFlight[txHash]; ok && r.ID == requestID {
		delete(m.inFlight, txHash)
	}
	return nil
}

func (m *MemoryStore) InFlight(_ context.Context) ([]PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]PaymentRequest, 0, len(m.inFlight))
	for _, r := range m.inFlight {
		jobs = append(jobs, *r)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Processed: len(m.processed), InFlight: len(m.inFlight)}
	for _, rec := range m.records {
		if rec.Status == StatusFailed {
			s.Failed++
		}
	}
	return s, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.inFlight[res.TxHash]; ok && r.ID.String() != res.RequestID {
		return ErrJobSuperseded
	}

	rec, ok := m.records[res.TxHash]
	if !ok {
		rec = &Record{PaymentRequest: PaymentRequest{TxHash: res.TxHash, ItemID: res.ItemID, CreatedAt: res.CreatedAt}}
		m.records[res.TxHash] = rec
	}
	rec.Status = res.Status
	rec.UserAddress = res.UserAddress
	rec.CompletedAt = res.CompletedAt
	copied := *res
	rec.Result = &copied
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, txHash string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[txHash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}
