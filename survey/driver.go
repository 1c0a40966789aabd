package survey

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/groutine"
	"github.com/srg/blesurvey/session"
)

// ErrBackgroundContextDied is returned when a watched background goroutine exits while the survey is running
var ErrBackgroundContextDied = errors.New("background context died")

// DefaultPollInterval is how long the driver waits for a status before processing advertisements
const DefaultPollInterval = 2 * time.Second

// IntakeBatch processes buffered advertisements
type IntakeBatch interface {
	ProcessBatch(ctx context.Context) (int, error)
}

// ReconcileBatch folds session statuses into the store, starting with first
type ReconcileBatch interface {
	ProcessBatch(ctx context.Context, first session.DeviceStatus) (int, error)
}

type watched struct {
	name string
	done <-chan struct{}
}

// Driver is the single writer of the store. It gives waiting statuses priority over fresh
// advertisements, and processes advertisements whenever no status arrives within the poll
// interval or the interval has elapsed since the last intake batch.
type Driver struct {
	results      <-chan session.DeviceStatus
	intake       IntakeBatch
	reconciler   ReconcileBatch
	pollInterval time.Duration
	watched      []watched
	logger       *logrus.Logger
}

// NewDriver creates a Driver
func NewDriver(results <-chan session.DeviceStatus, in IntakeBatch, rec ReconcileBatch, pollInterval time.Duration, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Driver{
		results:      results,
		intake:       in,
		reconciler:   rec,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Watch registers a background goroutine whose exit ends Run with ErrBackgroundContextDied
func (d *Driver) Watch(name string, done <-chan struct{}) {
	d.watched = append(d.watched, watched{name: name, done: done})
}

// Run drives both batches until ctx is cancelled, a watched goroutine exits or a batch fails
func (d *Driver) Run(ctx context.Context) error {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	lastIntake := time.Now()

	for {
		// goroutines watched on ctx exit on cancellation too, which is a normal shutdown
		if ctx.Err() != nil {
			return nil
		}
		if err := d.healthCheck(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case st := <-d.results:
			if err := d.reconcile(ctx, st); err != nil {
				return err
			}
			if time.Since(lastIntake) < d.pollInterval {
				continue
			}
		case <-timer.C:
		}

		if err := d.intakeBatch(ctx); err != nil {
			return err
		}
		lastIntake = time.Now()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.pollInterval)
	}
}

// Flush drains every status and advertisement still buffered. It is used on shutdown.
func (d *Driver) Flush(ctx context.Context) error {
	for {
		select {
		case st := <-d.results:
			if err := d.reconcile(ctx, st); err != nil {
				return err
			}
		default:
			return d.intakeBatch(ctx)
		}
	}
}

func (d *Driver) reconcile(ctx context.Context, first session.DeviceStatus) error {
	if _, err := d.reconciler.ProcessBatch(ctx, first); err != nil {
		d.logger.WithError(err).Error("Failed to reconcile session statuses")
		return err
	}
	return nil
}

func (d *Driver) intakeBatch(ctx context.Context) error {
	n, err := d.intake.ProcessBatch(ctx)
	if err != nil {
		d.logger.WithError(err).Error("Failed to process advertisements")
		return err
	}
	if n > 0 {
		d.logger.WithField("reports", n).Debug("Advertisement batch committed")
	}
	return nil
}

func (d *Driver) healthCheck() error {
	for _, w := range d.watched {
		if groutine.Exited(w.done) {
			d.logger.WithField("goroutine", w.name).Error("Background goroutine exited unexpectedly")
			return ErrBackgroundContextDied
		}
	}
	return nil
}
