package scanner

import (
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Report is a single advertisement as handed to the intake stage
type Report struct {
	Address   string
	RSSI      int
	TxPower   *int // nil when the advertisement carries no TX power level
	Services  []string
	Timestamp time.Time
}

// MaxBufferSize sets an upper limit on the report buffer to guard against accidental misconfiguration.
const MaxBufferSize uint32 = 1024 * 1024

// ReportBuffer is a bounded multi-producer buffer of reports.
// When full, the oldest reports are overwritten.
type ReportBuffer struct {
	buf         mpmc.RichOverlappedRingBuffer[Report]
	written     int64
	overwritten int64
}

// NewReportBuffer creates a buffer holding up to capacity reports.
// Capacity is clamped to [1, MaxBufferSize].
func NewReportBuffer(capacity uint32) *ReportBuffer {
	if capacity == 0 {
		capacity = 1
	}
	if capacity > MaxBufferSize {
		capacity = MaxBufferSize
	}
	return &ReportBuffer{buf: mpmc.NewOverlappedRingBuffer[Report](capacity)}
}

// Put stores r and returns how many older reports it overwrote
func (b *ReportBuffer) Put(r Report) (uint32, error) {
	overwrites, err := b.buf.EnqueueM(r)
	if err != nil {
		return 0, err
	}
	atomic.AddInt64(&b.written, 1)
	if overwrites > 0 {
		atomic.AddInt64(&b.overwritten, int64(overwrites))
	}
	return overwrites, nil
}

// TryGet removes and returns the oldest buffered report without blocking
func (b *ReportBuffer) TryGet() (Report, bool) {
	if b.buf.IsEmpty() {
		return Report{}, false
	}
	r, err := b.buf.Dequeue()
	if err != nil {
		return Report{}, false
	}
	return r, true
}

// Written returns the number of reports ever accepted
func (b *ReportBuffer) Written() int64 {
	return atomic.LoadInt64(&b.written)
}

// Overwritten returns the number of reports lost to overflow
func (b *ReportBuffer) Overwritten() int64 {
	return atomic.LoadInt64(&b.overwritten)
}
