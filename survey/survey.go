package survey

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/intake"
	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/internal/groutine"
	"github.com/srg/blesurvey/internal/store"
	"github.com/srg/blesurvey/reconciler"
	"github.com/srg/blesurvey/scanner"
	"github.com/srg/blesurvey/scheduler"
	"github.com/srg/blesurvey/session"
)

const (
	DefaultAdvertBuffer uint32 = 4096
	DefaultResultQueue         = 64
)

// DefaultTargetServices are the advertised services that mark a device as part of the survey
var DefaultTargetServices = []string{
	"e45c1747-a0a4-44ab-8c06-a956df58d93a",
	"64b81e3c-d60c-4f08-8396-9351b04f7591",
}

// Options configures the whole pipeline
type Options struct {
	PollInterval time.Duration
	AdvertBuffer uint32
	ResultQueue  int
	Scan         scanner.ScanOptions
	Scheduler    scheduler.Options
	Intake       intake.Options
}

// DefaultOptions returns the default pipeline options
func DefaultOptions() Options {
	scan := scanner.DefaultScanOptions()
	scan.ServiceUUIDs = append([]string(nil), DefaultTargetServices...)
	return Options{
		PollInterval: DefaultPollInterval,
		AdvertBuffer: DefaultAdvertBuffer,
		ResultQueue:  DefaultResultQueue,
		Scan:         *scan,
		Scheduler:    scheduler.DefaultOptions(),
		Intake:       intake.Options{RetryDelay: intake.DefaultRetryDelay},
	}
}

// Survey owns every pipeline stage
type Survey struct {
	store      store.Store
	buffer     *scanner.ReportBuffer
	scanner    *scanner.Scanner
	scheduler  *scheduler.Scheduler
	intake     *intake.Processor
	reconciler *reconciler.Reconciler
	driver     *Driver
	logger     *logrus.Logger
}

// New wires the pipeline over central, the scanning device and st
func New(central device.Central, dev device.ScanningDevice, st store.Store, opts Options, logger *logrus.Logger) (*Survey, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ResultQueue <= 0 {
		opts.ResultQueue = DefaultResultQueue
	}
	if opts.AdvertBuffer == 0 {
		opts.AdvertBuffer = DefaultAdvertBuffer
	}

	buffer := scanner.NewReportBuffer(opts.AdvertBuffer)
	scan, err := scanner.NewScanner(dev, buffer, &opts.Scan, logger)
	if err != nil {
		return nil, err
	}

	results := make(chan session.DeviceStatus, opts.ResultQueue)
	sched := scheduler.New(central, results, opts.Scheduler, logger)
	in := intake.New(st, buffer, sched, opts.Intake, logger)
	rec := reconciler.New(st, results, logger)

	return &Survey{
		store:      st,
		buffer:     buffer,
		scanner:    scan,
		scheduler:  sched,
		intake:     in,
		reconciler: rec,
		driver:     NewDriver(results, in, rec, opts.PollInterval, logger),
		logger:     logger,
	}, nil
}

// Run starts the scanner and scheduler, then drives the store until ctx is cancelled.
// It returns ErrBackgroundContextDied if the scanner or scheduler stops on its own.
func (s *Survey) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanDone := groutine.Go(bgCtx, "scanner", func(ctx context.Context) {
		if err := s.scanner.Scan(ctx); err != nil {
			s.logger.WithError(err).Error("Scanner stopped")
		}
	})
	schedDone := groutine.Go(bgCtx, "scheduler", func(ctx context.Context) {
		_ = s.scheduler.Run(ctx)
	})
	s.driver.Watch("scanner", scanDone)
	s.driver.Watch("scheduler", schedDone)

	s.logger.Info("Survey started")
	err := s.driver.Run(ctx)

	cancel()
	<-scanDone
	<-schedDone
	s.scheduler.Wait()

	if flushErr := s.driver.Flush(context.WithoutCancel(ctx)); flushErr != nil && err == nil {
		err = flushErr
	}
	s.logMetrics()
	return err
}

// Metrics aggregates the counters of every stage
type Metrics struct {
	Scanner     scanner.Metrics
	Scheduler   scheduler.Metrics
	Intake      intake.Metrics
	Reconciler  reconciler.Metrics
	Overwritten int64
}

// GetMetrics returns a snapshot of every stage's counters
func (s *Survey) GetMetrics() Metrics {
	return Metrics{
		Scanner:     s.scanner.GetMetrics(),
		Scheduler:   s.scheduler.GetMetrics(),
		Intake:      s.intake.GetMetrics(),
		Reconciler:  s.reconciler.GetMetrics(),
		Overwritten: s.buffer.Overwritten(),
	}
}

func (s *Survey) logMetrics() {
	m := s.GetMetrics()
	s.logger.WithFields(logrus.Fields{
		"forwarded":       m.Scanner.Forwarded,
		"overwritten":     m.Overwritten,
		"discovered":      m.Intake.Discovered,
		"retries":         m.Intake.Retries,
		"samples":         m.Intake.Samples,
		"started":         m.Scheduler.Started,
		"identified":      m.Scheduler.Identified,
		"failed":          m.Scheduler.Failed,
		"dropped_unknown": m.Scheduler.DroppedUnknown,
		"dropped_busy":    m.Scheduler.DroppedBusy,
		"rejected":        m.Scheduler.Rejected,
		"consumed":        m.Reconciler.Consumed,
	}).Info("Survey stopped")
}
