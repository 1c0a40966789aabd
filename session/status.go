package session

import (
	"time"
)

// ServiceSummary is one resolved GATT service with its characteristic count
type ServiceSummary struct {
	UUID            string
	Characteristics int
}

// DeviceStatus is the transient outcome of one connection attempt.
// A session publishes it zero or more times with Pending set, then exactly once with Pending cleared.
type DeviceStatus struct {
	Address string
	Pending bool

	Queued             time.Time
	ConnectStarted     time.Time
	ConnectEnded       *time.Time
	ConnectedAt        *time.Time // wall clock, persisted as the last-connected timestamp
	ServicesResolvedAt *time.Time
	InquiryEnded       *time.Time

	ServiceCount  *int
	Services      []ServiceSummary
	DeviceID      *string
	PublicAddress *string

	Err error
}

// Connected reports whether the connect phase succeeded
func (s *DeviceStatus) Connected() bool {
	return s.ConnectEnded != nil
}

// ConnectLatency is the time from issuing the connect to the link coming up
func (s *DeviceStatus) ConnectLatency() (time.Duration, bool) {
	if s.ConnectEnded == nil || s.ConnectStarted.IsZero() {
		return 0, false
	}
	return s.ConnectEnded.Sub(s.ConnectStarted), true
}

// InquiryLatency is the time from the link coming up to both identifying values being read
func (s *DeviceStatus) InquiryLatency() (time.Duration, bool) {
	if s.InquiryEnded == nil || s.ConnectEnded == nil {
		return 0, false
	}
	return s.InquiryEnded.Sub(*s.ConnectEnded), true
}

// Clone returns a deep copy safe to hand to another goroutine
func (s *DeviceStatus) Clone() DeviceStatus {
	c := *s
	c.ConnectEnded = clonePtr(s.ConnectEnded)
	c.ConnectedAt = clonePtr(s.ConnectedAt)
	c.ServicesResolvedAt = clonePtr(s.ServicesResolvedAt)
	c.InquiryEnded = clonePtr(s.InquiryEnded)
	c.ServiceCount = clonePtr(s.ServiceCount)
	c.DeviceID = clonePtr(s.DeviceID)
	c.PublicAddress = clonePtr(s.PublicAddress)
	if s.Services != nil {
		c.Services = append([]ServiceSummary(nil), s.Services...)
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
