// Package intake turns buffered advertisement reports into device records, signal
// samples and connect requests.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/scanner"
	"github.com/srg/blesurvey/scheduler"
)

// DefaultRetryDelay is the minimum time between connect attempts for an unidentified device
const DefaultRetryDelay = 60 * time.Second

// ReportSource yields buffered advertisement reports without blocking
type ReportSource interface {
	TryGet() (scanner.Report, bool)
}

// Enqueuer accepts connect requests without blocking
type Enqueuer interface {
	Enqueue(req scheduler.Request) bool
}

// Options configures a Processor
type Options struct {
	RetryDelay time.Duration
}

// Processor applies the discovery and retry policy to batches of reports
type Processor struct {
	store   store.Store
	source  ReportSource
	queue   Enqueuer
	opts    Options
	now     func() time.Time
	logger  *logrus.Logger
	metrics Metrics
}

// New creates a Processor
func New(st store.Store, source ReportSource, queue Enqueuer, opts Options, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Processor{
		store:  st,
		source: source,
		queue:  queue,
		opts:   opts,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the clock used for queued timestamps and retry decisions
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessBatch drains every buffered report inside one transaction and commits once.
// Connect requests are only enqueued after a successful commit.
// It returns the number of reports processed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	first, ok := p.source.TryGet()
	if !ok {
		return 0, nil
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return 0, err
	}

	var (
		requests []scheduler.Request
		tally    batchTally
		n        int
	)
	for r, ok := first, true; ok; r, ok = p.source.TryGet() {
		n++
		req, err := p.process(ctx, tx, r, &tally)
		if err != nil {
			_ = tx.Rollback()
			return n, fmt.Errorf("failed to process advertisement from %s: %w", r.Address, err)
		}
		if req != nil {
			requests = append(requests, *req)
		}
	}

	if err := tx.Commit(); err != nil {
		return n, err
	}
	atomic.AddInt64(&p.metrics.Samples, int64(n))
	atomic.AddInt64(&p.metrics.Discovered, tally.discovered)
	atomic.AddInt64(&p.metrics.Retries, tally.retries)

	for _, req := range requests {
		if !p.queue.Enqueue(req) {
			atomic.AddInt64(&p.metrics.Rejected, 1)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"reports":  n,
		"requests": len(requests),
	}).Debug("Advertisement batch committed")
	return n, nil
}

// batchTally counts decisions of a batch until its transaction commits
type batchTally struct {
	discovered int64
	retries    int64
}

// process records one report and returns the connect request it triggers, if any
func (p *Processor) process(ctx context.Context, tx store.Tx, r scanner.Report, tally *batchTally) (*scheduler.Request, error) {
	now := p.now()
	var req *scheduler.Request

	rec, err := tx.GetDevice(ctx, r.Address)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.DeviceRecord{Address: r.Address, Queued: &now}
		if err := tx.CreateDevice(ctx, rec); err != nil {
			return nil, err
		}
		req = &scheduler.Request{Address: r.Address, Queued: now}
		tally.discovered++
		p.logger.WithFields(logrus.Fields{
			"address": r.Address,
			"rssi":    r.RSSI,
		}).Info("Discovered")

	case err != nil:
		return nil, err

	case p.shouldRetry(rec, now):
		rec.Queued = &now
		if err := tx.UpdateDevice(ctx, rec); err != nil {
			return nil, err
		}
		req = &scheduler.Request{Address: r.Address, Queued: now}
		tally.retries++
		p.logger.WithFields(logrus.Fields{
			"address":  r.Address,
			"attempts": rec.Attempts,
		}).Info("Scheduled connect retry")
	}

	sample := store.SignalSample{Time: r.Timestamp, RSSI: r.RSSI, Reported: r.TxPower}
	if err := tx.AppendSignal(ctx, r.Address, sample); err != nil {
		return nil, err
	}
	return req, nil
}

// shouldRetry offers another attempt only to devices whose device id is still unknown
// and whose last request is older than the retry delay
func (p *Processor) shouldRetry(rec *store.DeviceRecord, now time.Time) bool {
	if rec.DeviceID != nil {
		return false
	}
	if rec.Queued == nil {
		return true
	}
	return now.Sub(*rec.Queued) > p.opts.RetryDelay
}

// Metrics counts intake decisions.
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Discovered int64
	Retries    int64
	Samples    int64
	Rejected   int64
}

// GetMetrics returns a snapshot of current metrics values.
func (p *Processor) GetMetrics() Metrics {
	return Metrics{
		Discovered: atomic.LoadInt64(&p.metrics.Discovered),
		Retries:    atomic.LoadInt64(&p.metrics.Retries),
		Samples:    atomic.LoadInt64(&p.metrics.Samples),
		Rejected:   atomic.LoadInt64(&p.metrics.Rejected),
	}
}
