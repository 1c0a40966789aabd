// Package reconciler folds session statuses into durable device records.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/session"
)

// Reconciler is the only writer of connection outcomes to the store
type Reconciler struct {
	store   store.Store
	results <-chan session.DeviceStatus
	logger  *logrus.Logger
	metrics Metrics
}

// New creates a Reconciler consuming results
func New(st store.Store, results <-chan session.DeviceStatus, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{store: st, results: results, logger: logger}
}

// ProcessBatch applies first and every status already waiting on the result queue
// inside one transaction, then commits once. It returns the number of statuses applied.
func (r *Reconciler) ProcessBatch(ctx context.Context, first session.DeviceStatus) (int, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	apply := func(st session.DeviceStatus) error {
		n++
		if err := r.Apply(ctx, tx, st); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to reconcile status of %s: %w", st.Address, err)
		}
		return nil
	}

	if err := apply(first); err != nil {
		return n, err
	}
drain:
	for {
		select {
		case st, ok := <-r.results:
			if !ok {
				break drain
			}
			if err := apply(st); err != nil {
				return n, err
			}
		default:
			break drain
		}
	}

	if err := tx.Commit(); err != nil {
		return n, err
	}
	atomic.AddInt64(&r.metrics.Consumed, int64(n))
	r.logger.WithField("statuses", n).Debug("Status batch committed")
	return n, nil
}

// Apply folds one status into its device record
func (r *Reconciler) Apply(ctx context.Context, tx store.Tx, st session.DeviceStatus) error {
	entry := r.logger.WithField("address", st.Address)

	rec, err := tx.GetDevice(ctx, st.Address)
	switch {
	case errors.Is(err, store.ErrNotFound):
		entry.Warn("Status for unknown device, creating record")
		rec = &store.DeviceRecord{Address: st.Address}
		if err := tx.CreateDevice(ctx, rec); err != nil {
			return err
		}
		atomic.AddInt64(&r.metrics.Created, 1)
	case err != nil:
		return err
	}

	rec.Attempts++

	if st.ConnectedAt != nil {
		connected := *st.ConnectedAt
		rec.Connected = &connected
	}
	if latency, ok := st.ConnectLatency(); ok {
		ms := latency.Milliseconds()
		rec.ConnectLatencyMS = &ms
	}

	if st.ServiceCount != nil {
		count := *st.ServiceCount
		rec.ServiceCount = &count
		for _, svc := range st.Services {
			if _, err := tx.FetchOrCreateService(ctx, svc.UUID, svc.Characteristics); err != nil {
				return err
			}
			if err := tx.LinkService(ctx, st.Address, svc.UUID); err != nil {
				return err
			}
		}
	}

	if st.DeviceID != nil {
		v := *st.DeviceID
		rec.DeviceID = &v
	}
	if st.PublicAddress != nil {
		v := *st.PublicAddress
		rec.PublicAddress = &v
	}
	if latency, ok := st.InquiryLatency(); ok {
		ms := latency.Milliseconds()
		rec.InquiryLatencyMS = &ms
	}

	if err := tx.UpdateDevice(ctx, rec); err != nil {
		return err
	}

	if !st.Pending {
		fields := logrus.Fields{
			"attempts":   rec.Attempts,
			"identified": rec.Identified(),
		}
		if st.Err != nil {
			entry.WithFields(fields).WithError(st.Err).Info("Connection attempt finished")
		} else {
			entry.WithFields(fields).Info("Connection attempt finished")
		}
	}
	return nil
}

// Metrics counts reconciled statuses.
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Consumed int64
	Created  int64
}

// GetMetrics returns a snapshot of current metrics values.
func (r *Reconciler) GetMetrics() Metrics {
	return Metrics{
		Consumed: atomic.LoadInt64(&r.metrics.Consumed),
		Created:  atomic.LoadInt64(&r.metrics.Created),
	}
}
