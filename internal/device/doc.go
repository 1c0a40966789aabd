// Package device defines the BLE central-role capability used by the survey pipeline.
//
// It contains:
//   - the Central and Link interfaces and the discrete Event messages a Link delivers
//   - the ScanningDevice and Advertisement interfaces consumed by the scanner
//   - typed connection errors and the session outcome sentinels
//   - UUID and address normalization helpers
//
// Concrete implementations live in the go-ble subpackage; tests use fakes from internal/testutils.
package device
