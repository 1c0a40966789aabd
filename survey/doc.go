// Package survey assembles the BLE survey pipeline.
//
// Advertisements flow from the scanner into a drop-oldest report buffer. The driver drains
// the buffer in batches, records signal samples and offers connect requests to the
// scheduler, which runs one GATT session per request. Session statuses come back on a
// bounded result queue and the driver folds them into the store. The driver is the only
// goroutine writing to the store.
package survey
