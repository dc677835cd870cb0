// Package storage implements component F: the single writer to the
// relational store. Per the Design Note in spec.md §9 ("Global SQLite
// connection: replace with a DB worker task that owns the handle; all
// other components talk to it via a channel"), the *sql.DB handle and the
// open_sessions map here are touched exclusively by the goroutine running
// Run. Everything else talks to the worker by feeding PathSampleCandidates
// into a channel, the same message-passing shape the teacher's own
// storage.Store gets wrapped in once it stops being a package-level
// singleton. Schema and batching follow spec.md §4.6/§6 literally; the
// upsert/session/path logic is new (the teacher's buntdb store has no
// equivalent relational join), grounded on the teacher's Point/upsert
// naming and on montge-stratux's go-sqlite3 dependency for the driver.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/subscribe"
)

const schema = `
CREATE TABLE IF NOT EXISTS aircraft (
	icao       TEXT PRIMARY KEY,
	callsign   TEXT,
	first_seen REAL,
	last_seen  REAL
);
CREATE TABLE IF NOT EXISTS flight_session (
	id            TEXT PRIMARY KEY,
	aircraft_icao TEXT,
	start_time    REAL,
	end_time      REAL
);
CREATE TABLE IF NOT EXISTS path (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT,
	icao          TEXT,
	ts            REAL,
	ts_iso        TEXT,
	lat           REAL,
	lon           REAL,
	alt           REAL,
	velocity      REAL,
	track         REAL,
	vertical_rate REAL,
	type          TEXT
);
CREATE INDEX IF NOT EXISTS idx_path_icao_ts ON path(icao, ts);
CREATE INDEX IF NOT EXISTS idx_flight_session_aircraft ON flight_session(aircraft_icao);
`

// Metrics is the facade F reports batch outcomes and drops through.
type Metrics interface {
	IncBatchCommitted(n int)
	IncBatchDiscarded()
	IncPathRowInserted()
	SetOpenSessions(n int)
}

type NopMetrics struct{}

func (NopMetrics) IncBatchCommitted(int) {}
func (NopMetrics) IncBatchDiscarded()    {}
func (NopMetrics) IncPathRowInserted()   {}
func (NopMetrics) SetOpenSessions(int)   {}

// Config bundles the tunables the worker needs, sourced from config.Store.
type Config struct {
	DBPath string

	SaveInterval time.Duration
	SessionGap   time.Duration

	BatchInterval time.Duration
	BatchSize     int
}

// openSession tracks one in-flight flight_session row, mirroring
// AircraftState's session linkage on the persistence side (spec.md §3).
type openSession struct {
	id       string
	start    time.Time
	lastSeen time.Time
}

// lastPersisted remembers the last path row written for an ICAO so the
// worker can apply the "changed meaningfully" throttle (spec.md §4.6 step 3)
// without a round trip to the database.
type lastPersisted struct {
	ts    time.Time
	lat   float64
	lon   float64
	altFt int
}

// Worker is component F. Construct with New and drive it with Run; it owns
// the only *sql.DB handle and the only open_sessions map in the process.
type Worker struct {
	cfg     Config
	log     logging.Logger
	metrics Metrics

	db *sql.DB

	openSessions map[string]*openSession
	lastByICAO   map[string]lastPersisted
}

func New(cfg Config, log logging.Logger, metrics Metrics) *Worker {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Worker{
		cfg:          cfg,
		log:          log,
		metrics:      metrics,
		openSessions: make(map[string]*openSession),
		lastByICAO:   make(map[string]lastPersisted),
	}
}

// Run opens the database, applies the schema, then drains in blocks on a
// timer (default 250ms) or buffer size (default 64), whichever comes
// first, until ctx is cancelled. On stop it flushes any partial batch,
// checkpoints, and closes the handle (spec.md §4.6 durability).
func (w *Worker) Run(ctx context.Context, in <-chan subscribe.PathSampleCandidate) error {
	path := w.cfg.DBPath
	if path == "" {
		path = "./adsb_data.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer, per spec.md §5
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("storage: apply schema: %w", err)
	}
	w.db = db
	defer w.shutdown()

	interval := w.cfg.BatchInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	gap := w.cfg.SessionGap
	if gap <= 0 {
		gap = 120 * time.Second
	}
	sweepTicker := time.NewTicker(gap / 2)
	defer sweepTicker.Stop()

	batch := make([]subscribe.PathSampleCandidate, 0, batchSize)

	for {
		select {
		case <-ctx.Done():
			w.commitBatch(context.Background(), batch)
			return nil

		case c := <-in:
			batch = append(batch, c)
			if len(batch) >= batchSize {
				w.commitBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.commitBatch(ctx, batch)
				batch = batch[:0]
			}

		case now := <-sweepTicker.C:
			if err := w.closeStaleSessions(ctx, now); err != nil {
				w.log.Errorf("stale session sweep failed: %v", err)
			}
		}
	}
}

func (w *Worker) shutdown() {
	if w.db == nil {
		return
	}
	if _, err := w.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		w.log.Errorf("wal checkpoint failed: %v", err)
	}
	if err := w.db.Close(); err != nil {
		w.log.Errorf("close failed: %v", err)
	}
}

// commitBatch applies one batch inside a single transaction, retrying
// twice on failure before discarding the whole batch (spec.md §4.6
// failure semantics).
func (w *Worker) commitBatch(ctx context.Context, batch []subscribe.PathSampleCandidate) {
	if len(batch) == 0 {
		return
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		if err := w.commitOnce(ctx, batch); err != nil {
			lastErr = err
			continue
		}
		w.metrics.IncBatchCommitted(len(batch))
		return
	}
	w.log.Errorf("batch of %d samples discarded after 3 attempts: %v", len(batch), lastErr)
	w.metrics.IncBatchDiscarded()
}

func (w *Worker) commitOnce(ctx context.Context, batch []subscribe.PathSampleCandidate) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range batch {
		if err := w.applySample(ctx, tx, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// applySample implements spec.md §4.6 steps 1-3 for one candidate: upsert
// aircraft, session open/gap-close, conditional path append. Step 4
// (session-close event from C) has no cross-process channel to arrive on
// in this deployment split (C and F run in separate binaries connected
// only by the publish/subscribe socket), so F instead detects the same
// condition itself via SessionGap on every sample for that ICAO.
func (w *Worker) applySample(ctx context.Context, tx *sql.Tx, c subscribe.PathSampleCandidate) error {
	icao := strings.ToUpper(c.ICAO)
	ts := c.Ts

	if err := w.upsertAircraft(ctx, tx, icao, c.Callsign, ts); err != nil {
		return err
	}

	sess, err := w.resolveSession(ctx, tx, icao, ts)
	if err != nil {
		return err
	}
	sess.lastSeen = ts

	if w.shouldPersist(icao, c) {
		if err := w.insertPath(ctx, tx, sess.id, icao, c); err != nil {
			return err
		}
		w.lastByICAO[icao] = lastPersisted{ts: ts, lat: c.Lat, lon: c.Lon, altFt: c.AltFt}
		w.metrics.IncPathRowInserted()
	}
	return nil
}

func (w *Worker) upsertAircraft(ctx context.Context, tx *sql.Tx, icao, callsign string, ts time.Time) error {
	var exists bool
	row := tx.QueryRowContext(ctx, "SELECT 1 FROM aircraft WHERE icao = ?", icao)
	if err := row.Scan(&exists); err != nil && err != sql.ErrNoRows {
		return err
	} else if err == sql.ErrNoRows {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO aircraft (icao, callsign, first_seen, last_seen) VALUES (?, ?, ?, ?)",
			icao, callsign, epoch(ts), epoch(ts))
		return err
	}
	if callsign != "" {
		_, err := tx.ExecContext(ctx,
			"UPDATE aircraft SET last_seen = MAX(last_seen, ?), callsign = ? WHERE icao = ?",
			epoch(ts), callsign, icao)
		return err
	}
	_, err := tx.ExecContext(ctx, "UPDATE aircraft SET last_seen = MAX(last_seen, ?) WHERE icao = ?", epoch(ts), icao)
	return err
}

// resolveSession returns the currently-open session for icao, opening a
// fresh one on first contact and closing-then-reopening when the gap
// since the prior sample exceeds SessionGap (spec.md §4.6 step 2).
func (w *Worker) resolveSession(ctx context.Context, tx *sql.Tx, icao string, ts time.Time) (*openSession, error) {
	gap := w.cfg.SessionGap
	if gap <= 0 {
		gap = 120 * time.Second
	}

	sess, ok := w.openSessions[icao]
	if ok && ts.Sub(sess.lastSeen) > gap {
		if err := w.closeSession(ctx, tx, icao, sess); err != nil {
			return nil, err
		}
		ok = false
	}
	if ok {
		return sess, nil
	}

	sess = &openSession{id: uuid.NewString(), start: ts, lastSeen: ts}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO flight_session (id, aircraft_icao, start_time, end_time) VALUES (?, ?, ?, NULL)",
		sess.id, icao, epoch(ts)); err != nil {
		return nil, err
	}
	w.openSessions[icao] = sess
	w.metrics.SetOpenSessions(len(w.openSessions))
	return sess, nil
}

func (w *Worker) closeSession(ctx context.Context, tx *sql.Tx, icao string, sess *openSession) error {
	if _, err := tx.ExecContext(ctx, "UPDATE flight_session SET end_time = ? WHERE id = ?", epoch(sess.lastSeen), sess.id); err != nil {
		return err
	}
	delete(w.openSessions, icao)
	delete(w.lastByICAO, icao)
	w.metrics.SetOpenSessions(len(w.openSessions))
	return nil
}

// closeStaleSessions closes every open session whose last sample is older
// than SessionGap, without waiting for a new sample to trigger the check
// in resolveSession. Run calls this from its own sweepTicker branch, so it
// never runs concurrently with the rest of the worker's state — F has no
// explicit close signal from C to react to in this deployment's process
// split (spec.md §4.6 step 4 assumes one process), so this sweep is the
// substitute.
func (w *Worker) closeStaleSessions(ctx context.Context, now time.Time) error {
	gap := w.cfg.SessionGap
	if gap <= 0 {
		gap = 120 * time.Second
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for icao, sess := range w.openSessions {
		if now.Sub(sess.lastSeen) > gap {
			if err := w.closeSession(ctx, tx, icao, sess); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// shouldPersist implements the "changed meaningfully" throttle (spec.md
// §4.6 step 3): Δposition > 1m or Δalt > 10ft or Δts ≥ SaveInterval.
func (w *Worker) shouldPersist(icao string, c subscribe.PathSampleCandidate) bool {
	prev, ok := w.lastByICAO[icao]
	if !ok {
		return true
	}
	saveInterval := w.cfg.SaveInterval
	if saveInterval <= 0 {
		saveInterval = 5 * time.Second
	}
	if c.Ts.Sub(prev.ts) >= saveInterval {
		return true
	}
	if haversineMeters(prev.lat, prev.lon, c.Lat, c.Lon) > 1.0 {
		return true
	}
	if math.Abs(float64(c.AltFt-prev.altFt)) > 10 {
		return true
	}
	return false
}

func (w *Worker) insertPath(ctx context.Context, tx *sql.Tx, sessionID, icao string, c subscribe.PathSampleCandidate) error {
	kind := "airborne"
	if c.OnGround {
		kind = "surface"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO path (session_id, icao, ts, ts_iso, lat, lon, alt, velocity, track, vertical_rate, type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, icao, epoch(c.Ts), c.Ts.UTC().Format(time.RFC3339),
		c.Lat, c.Lon, float64(c.AltFt), c.GroundSpeed, c.TrackDeg, float64(c.VerticalRateFpm), kind)
	return err
}

func epoch(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// haversineMeters returns great-circle distance between two lat/lon
// points in meters, adapted from the teacher's storage.go helper of the
// same name (used there for its landed-heuristic, used here for the
// path-append throttle).
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const r = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	la1, la2 := toRad(lat1), toRad(lat2)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(la1)*math.Cos(la2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return r * c
}
