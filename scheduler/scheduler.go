// Package scheduler turns connect requests into GATT sessions.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
	"github.com/srg/blesurvey/internal/groutine"
	"github.com/srg/blesurvey/internal/ringchan"
	"github.com/srg/blesurvey/session"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxSessions = 4
	DefaultQueueSize   = 256
)

// Request asks for one connection attempt to Address
type Request struct {
	Address string
	Queued  time.Time
}

// Options configures a Scheduler
type Options struct {
	// MaxSessions caps concurrently running sessions; 0 means unlimited
	MaxSessions int
	// ConnectRate limits new connects per second; 0 means unlimited
	ConnectRate float64
	// QueueSize bounds the connect-request queue; requests beyond it are rejected
	QueueSize int
	Session   session.Options
}

// DefaultOptions returns the default scheduling options
func DefaultOptions() Options {
	return Options{
		MaxSessions: DefaultMaxSessions,
		QueueSize:   DefaultQueueSize,
		Session:     session.DefaultOptions(),
	}
}

// Scheduler is the single consumer of the connect-request queue.
// It starts one session per accepted request and never waits for sessions to finish,
// apart from waiting for a free slot when MaxSessions is reached.
type Scheduler struct {
	central  device.Central
	requests *ringchan.RingChannel[Request]
	results  chan<- session.DeviceStatus
	opts     Options
	inflight *hashmap.Map[string, *session.Session]
	slots    chan struct{}
	limiter  *rate.Limiter
	logger   *logrus.Logger
	metrics  Metrics
	wg       sync.WaitGroup
}

// New creates a scheduler publishing session statuses on results
func New(central device.Central, results chan<- session.DeviceStatus, opts Options, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	s := &Scheduler{
		central:  central,
		requests: ringchan.New[Request](opts.QueueSize, ringchan.RejectNewest),
		results:  results,
		opts:     opts,
		inflight: hashmap.New[string, *session.Session](),
		logger:   logger,
	}
	if opts.MaxSessions > 0 {
		s.slots = make(chan struct{}, opts.MaxSessions)
	}
	if opts.ConnectRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), 1)
	}
	return s
}

// Enqueue offers a connect request without blocking.
// A full queue rejects the request; the caller's retry policy offers it again later.
func (s *Scheduler) Enqueue(req Request) bool {
	req.Address = device.NormalizeAddress(req.Address)
	if s.requests.Send(req) {
		return true
	}
	atomic.AddInt64(&s.metrics.Rejected, 1)
	s.logger.WithFields(logrus.Fields{
		"address":  req.Address,
		"capacity": s.requests.Cap(),
	}).Warn("Connect queue full, request dropped")
	return false
}

// Pending returns the number of queued requests
func (s *Scheduler) Pending() int {
	return s.requests.Len()
}

// Run consumes connect requests until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"max_sessions": s.opts.MaxSessions,
		"connect_rate": s.opts.ConnectRate,
	}).Info("Connect scheduler started")
	defer s.logger.Info("Connect scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-s.requests.C():
			if !ok {
				return nil
			}
			s.Dispatch(ctx, req)
		}
	}
}

// Dispatch starts a session for req, or drops it. It reports whether a session was started.
func (s *Scheduler) Dispatch(ctx context.Context, req Request) bool {
	addr := device.NormalizeAddress(req.Address)
	entry := s.logger.WithField("address", addr)

	if !s.central.KnownAddresses().Has(addr) {
		// not retried here: the next advertisement past the retry delay offers it again
		atomic.AddInt64(&s.metrics.DroppedUnknown, 1)
		entry.WithError(device.ErrUnknownToAdapter).Warn("Connect request dropped")
		return false
	}
	if _, busy := s.inflight.Get(addr); busy {
		atomic.AddInt64(&s.metrics.DroppedBusy, 1)
		entry.Info("Session already in flight, connect request dropped")
		return false
	}

	if !s.acquire(ctx) {
		return false
	}
	if ctx.Err() != nil {
		s.release()
		return false
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.release()
			return false
		}
	}

	sess := session.New(s.central, addr, req.Queued, s.results, s.opts.Session, s.logger)
	s.inflight.Set(addr, sess)
	atomic.AddInt64(&s.metrics.Started, 1)
	entry.WithField("session", sess.ID()).Debug("Starting session")

	s.wg.Add(1)
	groutine.Go(ctx, "session-"+addr, func(ctx context.Context) {
		defer s.wg.Done()
		defer s.release()
		defer s.inflight.Del(addr)

		err := sess.Run(ctx)
		switch {
		case err == nil:
			atomic.AddInt64(&s.metrics.Identified, 1)
		case errors.Is(err, context.Canceled):
		default:
			atomic.AddInt64(&s.metrics.Failed, 1)
		}
	})
	return true
}

func (s *Scheduler) acquire(ctx context.Context) bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
	}

	s.logger.WithField("max_sessions", cap(s.slots)).Debug("Waiting for a free session slot")
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() {
	if s.slots != nil {
		<-s.slots
	}
}

// InFlight returns the number of running sessions
func (s *Scheduler) InFlight() int {
	return s.inflight.Len()
}

// Wait blocks until every started session has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Metrics counts scheduler decisions.
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Started        int64
	Identified     int64
	Failed         int64
	DroppedUnknown int64
	DroppedBusy    int64
	Rejected       int64
}

// GetMetrics returns a snapshot of current metrics values.
func (s *Scheduler) GetMetrics() Metrics {
	return Metrics{
		Started:        atomic.LoadInt64(&s.metrics.Started),
		Identified:     atomic.LoadInt64(&s.metrics.Identified),
		Failed:         atomic.LoadInt64(&s.metrics.Failed),
		DroppedUnknown: atomic.LoadInt64(&s.metrics.DroppedUnknown),
		DroppedBusy:    atomic.LoadInt64(&s.metrics.DroppedBusy),
		Rejected:       atomic.LoadInt64(&s.metrics.Rejected),
	}
}
