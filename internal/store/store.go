// Package store persists survey results in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the persistence engine used by the survey pipeline
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	ListDevices(ctx context.Context) ([]DeviceSummary, error)
	DeviceSignals(ctx context.Context, address string, limit int) ([]SignalSample, error)
	DeviceServices(ctx context.Context, address string) ([]ServiceRecord, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Tx is a unit of work. Nothing is visible to other readers until Commit.
type Tx interface {
	GetDevice(ctx context.Context, address string) (*DeviceRecord, error)
	CreateDevice(ctx context.Context, rec *DeviceRecord) error
	UpdateDevice(ctx context.Context, rec *DeviceRecord) error
	AppendSignal(ctx context.Context, address string, sample SignalSample) error
	FetchOrCreateService(ctx context.Context, uuid string, characteristics int) (*ServiceRecord, error)
	LinkService(ctx context.Context, address, uuid string) error

	Commit() error
	Rollback() error
}

const schema = `
CREATE TABLE IF NOT EXISTS discovered (
	mac_address  TEXT PRIMARY KEY,
	device_id    TEXT,
	public       TEXT,
	queued       REAL,
	connected    REAL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	services     INTEGER,
	connect_time INTEGER,
	inquiry_time INTEGER
);
CREATE TABLE IF NOT EXISTS rssi (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	time        REAL NOT NULL,
	rssi        INTEGER NOT NULL,
	reported    INTEGER,
	mac_address TEXT NOT NULL REFERENCES discovered(mac_address)
);
CREATE INDEX IF NOT EXISTS idx_rssi_mac_time ON rssi(mac_address, time);
CREATE TABLE IF NOT EXISTS services (
	uuid            TEXT PRIMARY KEY,
	characteristics INTEGER
);
CREATE TABLE IF NOT EXISTS device_services (
	mac_address TEXT NOT NULL REFERENCES discovered(mac_address),
	uuid        TEXT NOT NULL REFERENCES services(uuid),
	PRIMARY KEY (mac_address, uuid)
);
`

// SQLiteStore is a Store backed by a single SQLite file
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if path == "" {
		return nil, fmt.Errorf("storage: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: create dir %s failed", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "storage: prepare schema failed")
	}

	logger.WithField("path", path).Debug("Survey database opened")
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return pkgerrors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// a single connection serializes writers and keeps the pragmas in effect
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

// Path returns the database file path
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Begin starts a new transaction
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: begin transaction failed")
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

const deviceColumns = "mac_address, device_id, public, queued, connected, attempts, services, connect_time, inquiry_time"

func (t *sqliteTx) GetDevice(ctx context.Context, address string) (*DeviceRecord, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM discovered WHERE mac_address = ?", address)
	rec, err := scanDevice(row)
	if err != nil {
		if pkgerrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, pkgerrors.Wrapf(err, "storage: get device %s failed", address)
	}
	return rec, nil
}

func (t *sqliteTx) CreateDevice(ctx context.Context, rec *DeviceRecord) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO discovered ("+deviceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		deviceArgs(rec)...)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: create device %s failed", rec.Address)
	}
	return nil
}

func (t *sqliteTx) UpdateDevice(ctx context.Context, rec *DeviceRecord) error {
	args := deviceArgs(rec)
	res, err := t.tx.ExecContext(ctx, `UPDATE discovered SET
			device_id = ?, public = ?, queued = ?, connected = ?, attempts = ?,
			services = ?, connect_time = ?, inquiry_time = ?
		WHERE mac_address = ?`,
		append(args[1:], args[0])...)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: update device %s failed", rec.Address)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) AppendSignal(ctx context.Context, address string, sample SignalSample) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO rssi (time, rssi, reported, mac_address) VALUES (?, ?, ?, ?)",
		toUnix(sample.Time), sample.RSSI, nullInt(sample.Reported), address)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: append signal for %s failed", address)
	}
	return nil
}

// FetchOrCreateService returns the service, creating it or filling in a previously unknown
// characteristic count.
func (t *sqliteTx) FetchOrCreateService(ctx context.Context, uuid string, characteristics int) (*ServiceRecord, error) {
	var count sql.NullInt64
	err := t.tx.QueryRowContext(ctx, "SELECT characteristics FROM services WHERE uuid = ?", uuid).Scan(&count)
	switch {
	case pkgerrors.Is(err, sql.ErrNoRows):
		if _, err := t.tx.ExecContext(ctx, "INSERT INTO services (uuid, characteristics) VALUES (?, ?)", uuid, characteristics); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: create service %s failed", uuid)
		}
		return &ServiceRecord{UUID: uuid, Characteristics: &characteristics}, nil
	case err != nil:
		return nil, pkgerrors.Wrapf(err, "storage: fetch service %s failed", uuid)
	}

	if !count.Valid {
		if _, err := t.tx.ExecContext(ctx, "UPDATE services SET characteristics = ? WHERE uuid = ?", characteristics, uuid); err != nil {
			return nil, pkgerrors.Wrapf(err, "storage: update service %s failed", uuid)
		}
		return &ServiceRecord{UUID: uuid, Characteristics: &characteristics}, nil
	}
	n := int(count.Int64)
	return &ServiceRecord{UUID: uuid, Characteristics: &n}, nil
}

func (t *sqliteTx) LinkService(ctx context.Context, address, uuid string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO device_services (mac_address, uuid) VALUES (?, ?)", address, uuid)
	if err != nil {
		return pkgerrors.Wrapf(err, "storage: link service %s to %s failed", uuid, address)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "storage: commit failed")
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !pkgerrors.Is(err, sql.ErrTxDone) {
		return pkgerrors.Wrap(err, "storage: rollback failed")
	}
	return nil
}

// ListDevices returns every device ordered by address, with its latest signal sample
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.mac_address, d.device_id, d.public, d.queued, d.connected,
			d.attempts, d.services, d.connect_time, d.inquiry_time,
			(SELECT MAX(r.time) FROM rssi r WHERE r.mac_address = d.mac_address),
			(SELECT r.rssi FROM rssi r WHERE r.mac_address = d.mac_address ORDER BY r.time DESC, r.id DESC LIMIT 1),
			(SELECT COUNT(*) FROM rssi r WHERE r.mac_address = d.mac_address)
		FROM discovered d ORDER BY d.mac_address`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "storage: list devices failed")
	}
	defer rows.Close()

	var out []DeviceSummary
	for rows.Next() {
		var (
			sum      DeviceSummary
			raw      rawDevice
			lastSeen sql.NullFloat64
			lastRSSI sql.NullInt64
		)
		if err := rows.Scan(raw.dest(&lastSeen, &lastRSSI, &sum.Samples)...); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan device failed")
		}
		sum.DeviceRecord = raw.record()
		sum.LastSeen = fromUnix(lastSeen)
		sum.LastRSSI = fromNullInt(lastRSSI)
		out = append(out, sum)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate devices failed")
}

// DeviceSignals returns up to limit most recent samples for address, newest first.
// A non-positive limit returns all samples.
func (s *SQLiteStore) DeviceSignals(ctx context.Context, address string, limit int) ([]SignalSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT time, rssi, reported FROM rssi WHERE mac_address = ? ORDER BY time DESC, id DESC LIMIT ?",
		address, limit)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: query signals for %s failed", address)
	}
	defer rows.Close()

	var out []SignalSample
	for rows.Next() {
		var (
			ts       float64
			sample   SignalSample
			reported sql.NullInt64
		)
		if err := rows.Scan(&ts, &sample.RSSI, &reported); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan signal failed")
		}
		sample.Time = unixTime(ts)
		sample.Reported = fromNullInt(reported)
		out = append(out, sample)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate signals failed")
}

// DeviceServices returns the services associated with address ordered by UUID
func (s *SQLiteStore) DeviceServices(ctx context.Context, address string) ([]ServiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.uuid, s.characteristics FROM services s
		JOIN device_services ds ON ds.uuid = s.uuid
		WHERE ds.mac_address = ? ORDER BY s.uuid`, address)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "storage: query services for %s failed", address)
	}
	defer rows.Close()

	var out []ServiceRecord
	for rows.Next() {
		var (
			rec   ServiceRecord
			count sql.NullInt64
		)
		if err := rows.Scan(&rec.UUID, &count); err != nil {
			return nil, pkgerrors.Wrap(err, "storage: scan service failed")
		}
		rec.Characteristics = fromNullInt(count)
		out = append(out, rec)
	}
	return out, pkgerrors.Wrap(rows.Err(), "storage: iterate services failed")
}

// Stats returns database-wide counters
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM discovered),
			(SELECT COUNT(*) FROM discovered WHERE device_id IS NOT NULL AND public IS NOT NULL),
			(SELECT COALESCE(SUM(attempts), 0) FROM discovered),
			(SELECT COUNT(*) FROM rssi),
			(SELECT COUNT(*) FROM services)`).
		Scan(&st.Devices, &st.Identified, &st.Attempts, &st.Samples, &st.Services)
	if err != nil {
		return Stats{}, pkgerrors.Wrap(err, "storage: query stats failed")
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type rawDevice struct {
	address     string
	deviceID    sql.NullString
	public      sql.NullString
	queued      sql.NullFloat64
	connected   sql.NullFloat64
	attempts    int
	services    sql.NullInt64
	connectTime sql.NullInt64
	inquiryTime sql.NullInt64
}

func (r *rawDevice) dest(extra ...any) []any {
	return append([]any{
		&r.address, &r.deviceID, &r.public, &r.queued, &r.connected,
		&r.attempts, &r.services, &r.connectTime, &r.inquiryTime,
	}, extra...)
}

func (r *rawDevice) record() DeviceRecord {
	return DeviceRecord{
		Address:          r.address,
		DeviceID:         fromNullString(r.deviceID),
		PublicAddress:    fromNullString(r.public),
		Queued:           fromUnix(r.queued),
		Connected:        fromUnix(r.connected),
		Attempts:         r.attempts,
		ServiceCount:     fromNullInt(r.services),
		ConnectLatencyMS: fromNullInt64(r.connectTime),
		InquiryLatencyMS: fromNullInt64(r.inquiryTime),
	}
}

func scanDevice(row rowScanner) (*DeviceRecord, error) {
	var raw rawDevice
	if err := row.Scan(raw.dest()...); err != nil {
		return nil, err
	}
	rec := raw.record()
	return &rec, nil
}

func deviceArgs(rec *DeviceRecord) []any {
	return []any{
		rec.Address,
		nullString(rec.DeviceID),
		nullString(rec.PublicAddress),
		nullTime(rec.Queued),
		nullTime(rec.Connected),
		rec.Attempts,
		nullInt(rec.ServiceCount),
		nullInt64(rec.ConnectLatencyMS),
		nullInt64(rec.InquiryLatencyMS),
	}
}

// Timestamps are stored as fractional Unix seconds.
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func unixTime(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

func nullTime(t *time.Time) sql.NullFloat64 {
	if t == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: toUnix(*t), Valid: true}
}

func fromUnix(v sql.NullFloat64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixTime(v.Float64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
