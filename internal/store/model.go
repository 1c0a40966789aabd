package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// DeviceRecord is the durable per-address survey record.
// Nil pointer fields are unset (NULL) columns.
type DeviceRecord struct {
	Address          string
	DeviceID         *string
	PublicAddress    *string
	Queued           *time.Time
	Connected        *time.Time
	Attempts         int
	ServiceCount     *int
	ConnectLatencyMS *int64
	InquiryLatencyMS *int64
}

// Identified reports whether both identifying values are known
func (r *DeviceRecord) Identified() bool {
	return r.DeviceID != nil && r.PublicAddress != nil
}

// SignalSample is one received advertisement's signal strength
type SignalSample struct {
	Time     time.Time
	RSSI     int
	Reported *int
}

// ServiceRecord is a GATT service seen on at least one device
type ServiceRecord struct {
	UUID            string
	Characteristics *int
}

// DeviceSummary is a DeviceRecord joined with its most recent signal sample
type DeviceSummary struct {
	DeviceRecord
	LastSeen *time.Time
	LastRSSI *int
	Samples  int
}

// Stats summarizes the whole survey database
type Stats struct {
	Devices    int
	Identified int
	Attempts   int
	Samples    int
	Services   int
}
