package scanner

import "sync/atomic"

// Metrics counts advertisements handled by a Scanner.
// All fields use atomic operations for thread-safe access
type Metrics struct {
	Forwarded int64
	Filtered  int64
}

func (m *Metrics) addForwarded() {
	atomic.AddInt64(&m.Forwarded, 1)
}

func (m *Metrics) addFiltered() {
	atomic.AddInt64(&m.Filtered, 1)
}

// GetMetrics returns a snapshot of current metrics values.
func (s *Scanner) GetMetrics() Metrics {
	return Metrics{
		Forwarded: atomic.LoadInt64(&s.metrics.Forwarded),
		Filtered:  atomic.LoadInt64(&s.metrics.Filtered),
	}
}
