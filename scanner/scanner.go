package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/ryanuber/go-glob"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesurvey/internal/device"
)

// Scanner forwards matching advertisements from a scanning device into a ReportBuffer
type Scanner struct {
	dev     device.ScanningDevice
	out     *ReportBuffer
	opts    *ScanOptions
	seen    *hashmap.Map[string, time.Time]
	now     func() time.Time
	logger  *logrus.Logger
	metrics Metrics
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// DuplicateFilter asks the controller to report each address once.
	// Off by default so every advertisement yields a signal sample.
	DuplicateFilter bool
	// ServiceUUIDs forwards only advertisements listing at least one of these services.
	// An empty list forwards everything.
	ServiceUUIDs []string
	// AllowList and BlockList hold address glob patterns, e.g. "AA:BB:*"
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		DuplicateFilter: false,
	}
}

// NewScanner creates a scanner reading from dev and writing to out
func NewScanner(dev device.ScanningDevice, out *ReportBuffer, opts *ScanOptions, logger *logrus.Logger) (*Scanner, error) {
	if dev == nil {
		return nil, fmt.Errorf("scanning device cannot be nil")
	}
	if out == nil {
		return nil, fmt.Errorf("report buffer cannot be nil")
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}

	normalized := *opts
	normalized.ServiceUUIDs = device.NormalizeUUIDs(opts.ServiceUUIDs)
	normalized.AllowList = lo.Map(opts.AllowList, func(p string, _ int) string { return device.NormalizeAddress(p) })
	normalized.BlockList = lo.Map(opts.BlockList, func(p string, _ int) string { return device.NormalizeAddress(p) })

	return &Scanner{
		dev:    dev,
		out:    out,
		opts:   &normalized,
		seen:   hashmap.New[string, time.Time](),
		now:    time.Now,
		logger: logger,
	}, nil
}

// WithClock replaces the clock used to timestamp reports
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Scan runs until ctx is cancelled. Cancellation is not an error.
func (s *Scanner) Scan(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"services":         s.opts.ServiceUUIDs,
		"duplicate_filter": s.opts.DuplicateFilter,
	}).Info("Starting BLE scan...")

	err := s.dev.Scan(ctx, !s.opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", err)
	}

	m := s.GetMetrics()
	s.logger.WithFields(logrus.Fields{
		"device_count": s.seen.Len(),
		"forwarded":    m.Forwarded,
		"filtered":     m.Filtered,
		"overwritten":  s.out.Overwritten(),
	}).Info("BLE scan stopped")
	return nil
}

// SeenCount returns the number of distinct addresses forwarded so far
func (s *Scanner) SeenCount() int {
	return s.seen.Len()
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	addr := device.NormalizeAddress(adv.Addr())
	services := device.NormalizeUUIDs(adv.Services())

	if !s.shouldInclude(addr, services) {
		s.metrics.addFiltered()
		return
	}

	ts := s.now()
	if _, existing := s.seen.GetOrInsert(addr, ts); !existing {
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"name":    adv.LocalName(),
			"rssi":    adv.RSSI(),
		}).Debug("Discovered new device")
	}

	report := Report{
		Address:   addr,
		RSSI:      adv.RSSI(),
		Services:  services,
		Timestamp: ts,
	}
	if tx := adv.TxPowerLevel(); tx != device.TxPowerUnavailable {
		report.TxPower = &tx
	}

	overwrites, err := s.out.Put(report)
	if err != nil {
		s.logger.WithError(err).WithField("address", addr).Error("Failed to buffer advertisement")
		return
	}
	s.metrics.addForwarded()
	if overwrites > 0 {
		s.logger.WithField("overwritten", overwrites).Warn("Advertisement buffer full, oldest reports dropped")
	}
}

// shouldInclude applies block/allow/service filters
func (s *Scanner) shouldInclude(addr string, services []string) bool {
	matches := func(pattern string) bool { return glob.Glob(pattern, addr) }

	if lo.ContainsBy(s.opts.BlockList, matches) {
		return false
	}
	if len(s.opts.AllowList) > 0 && !lo.ContainsBy(s.opts.AllowList, matches) {
		return false
	}
	if len(s.opts.ServiceUUIDs) > 0 && len(lo.Intersect(s.opts.ServiceUUIDs, services)) == 0 {
		return false
	}
	return true
}
