// Package tracker watches in-flight payment jobs and flags ones that run too long.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RaghavSood/giftpay/alert"
	"github.com/RaghavSood/giftpay/logger"
	"github.com/RaghavSood/giftpay/metrics"
	"github.com/RaghavSood/giftpay/payments"
)

type JobLister interface {
	InFlight(ctx context.Context) ([]payments.PaymentRequest, error)
}

type Tracker struct {
	jobs       JobLister
	alerter    alert.Alerter
	metrics    metrics.Recorder
	log        *zap.Logger
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	alerted map[string]bool
}

func New(jobs JobLister, alerter alert.Alerter, rec metrics.Recorder, log *zap.Logger, staleAfter time.Duration) *Tracker {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	log = logger.OrNop(log)
	return &Tracker{
		jobs:       jobs,
		alerter:    alerter,
		metrics:    metrics.OrNoop(rec),
		log:        log,
		staleAfter: staleAfter,
		interval:   15 * time.Second,
		now:        time.Now,
		alerted:    make(map[string]bool),
	}
}

func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Run once immediately on start
	t.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			t.log.Info("tracker stopped")
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	jobs, err := t.jobs.InFlight(ctx)
	if err != nil {
		t.log.Warn("listing in-flight jobs", zap.Error(err))
		return
	}

	t.metrics.SetGauge(metrics.InFlightJobs, float64(len(jobs)))

	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[string]bool, len(jobs))
	stale := 0
	for _, job := range jobs {
		live[job.TxHash] = true

		age := t.now().Sub(job.CreatedAt)
		if age < t.staleAfter {
			continue
		}
		stale++

		if t.alerted[job.TxHash] {
			continue
		}
		t.alerted[job.TxHash] = true

		t.log.Warn("payment job is stale",
			zap.String("tx_hash", job.TxHash),
			zap.String("request_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.Duration("age", age),
		)
		text := fmt.Sprintf("Payment `%s` has been in *%s* for %s\nItem: %d\nUser: `%s`",
			job.TxHash, job.Status, age.Truncate(time.Second), job.ItemID, job.UserAddress)
		t.metrics.IncCounter(metrics.AlertsTotal, map[string]string{"stage": string(job.Status)})
		if err := t.alerter.Alert(ctx, "Stale payment job", text); err != nil {
			t.log.Warn("sending stale job alert", zap.Error(err))
		}
	}

	// Forget jobs that have finished so a restarted hash can alert again
	for hash := range t.alerted {
		if !live[hash] {
			delete(t.alerted, hash)
		}
	}

	t.metrics.SetGauge(metrics.StaleJobs, float64(stale))
}
