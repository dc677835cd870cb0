package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/subscribe"
)

type recordingMetrics struct {
	committed     int
	discarded     int
	pathRows      int
	openSessions  int
}

func (m *recordingMetrics) IncBatchCommitted(n int)  { m.committed += n }
func (m *recordingMetrics) IncBatchDiscarded()       { m.discarded++ }
func (m *recordingMetrics) IncPathRowInserted()      { m.pathRows++ }
func (m *recordingMetrics) SetOpenSessions(n int)    { m.openSessions = n }

func newTestWorker(t *testing.T, cfg Config) (*Worker, *recordingMetrics, context.CancelFunc, chan subscribe.PathSampleCandidate) {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	}
	cfg.BatchInterval = 20 * time.Millisecond
	metrics := &recordingMetrics{}
	w := New(cfg, logging.NopLogger{}, metrics)

	in := make(chan subscribe.PathSampleCandidate, 64)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx, in)
	return w, metrics, cancel, in
}

func openDirect(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return db
}

func TestWorkerUpsertsAircraftAndOpensSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	_, metrics, cancel, in := newTestWorker(t, Config{DBPath: dbPath})
	defer cancel()

	now := time.Now()
	in <- subscribe.PathSampleCandidate{ICAO: "abc123", Callsign: "UAL123", Ts: now, Lat: 10, Lon: 20, AltFt: 3500}
	time.Sleep(100 * time.Millisecond)

	if metrics.committed == 0 {
		t.Fatalf("expected at least one committed sample")
	}
	if metrics.openSessions != 1 {
		t.Fatalf("expected one open session, got %d", metrics.openSessions)
	}

	db := openDirect(t, dbPath)
	defer db.Close()

	var callsign string
	if err := db.QueryRow("SELECT callsign FROM aircraft WHERE icao = ?", "ABC123").Scan(&callsign); err != nil {
		t.Fatalf("query aircraft: %v", err)
	}
	if callsign != "UAL123" {
		t.Fatalf("unexpected callsign: %s", callsign)
	}

	var sessionCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM flight_session WHERE aircraft_icao = ?", "ABC123").Scan(&sessionCount); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if sessionCount != 1 {
		t.Fatalf("expected 1 session, got %d", sessionCount)
	}

	var pathCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM path WHERE icao = ?", "ABC123").Scan(&pathCount); err != nil {
		t.Fatalf("query path: %v", err)
	}
	if pathCount != 1 {
		t.Fatalf("expected 1 path row, got %d", pathCount)
	}
}

func TestWorkerPersistsGroundAndAirborneKind(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	_, _, cancel, in := newTestWorker(t, Config{DBPath: dbPath})
	defer cancel()

	now := time.Now()
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now, Lat: 10, Lon: 20, AltFt: 3500, OnGround: false}
	// Large position delta so the throttle doesn't suppress this second row.
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now.Add(time.Second), Lat: 11, Lon: 21, AltFt: 0, OnGround: true}
	time.Sleep(100 * time.Millisecond)

	db := openDirect(t, dbPath)
	defer db.Close()

	rows, err := db.Query("SELECT type FROM path WHERE icao = ? ORDER BY ts", "ABC123")
	if err != nil {
		t.Fatalf("query path: %v", err)
	}
	defer rows.Close()

	var kinds []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			t.Fatalf("scan: %v", err)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) != 2 {
		t.Fatalf("expected 2 path rows, got %d", len(kinds))
	}
	if kinds[0] != "airborne" {
		t.Fatalf("expected first row kind airborne, got %s", kinds[0])
	}
	if kinds[1] != "surface" {
		t.Fatalf("expected second row kind surface, got %s", kinds[1])
	}
}

func TestWorkerThrottlesUnchangedSamples(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	_, metrics, cancel, in := newTestWorker(t, Config{DBPath: dbPath, SaveInterval: 10 * time.Second})
	defer cancel()

	now := time.Now()
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now, Lat: 10, Lon: 20, AltFt: 3500}
	time.Sleep(50 * time.Millisecond)
	// Same position, tiny time delta: should not produce a second path row.
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now.Add(time.Second), Lat: 10, Lon: 20, AltFt: 3500}
	time.Sleep(80 * time.Millisecond)

	if metrics.pathRows != 1 {
		t.Fatalf("expected exactly 1 path row from unchanged samples, got %d", metrics.pathRows)
	}
}

func TestWorkerClosesStaleSessionOnGap(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	_, metrics, cancel, in := newTestWorker(t, Config{DBPath: dbPath, SessionGap: 200 * time.Millisecond})
	defer cancel()

	now := time.Now()
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now, Lat: 1, Lon: 1}
	time.Sleep(60 * time.Millisecond)
	// Next sample arrives after the configured gap: first session should close, a new one opens.
	in <- subscribe.PathSampleCandidate{ICAO: "ABC123", Ts: now.Add(time.Second), Lat: 1, Lon: 1}
	time.Sleep(80 * time.Millisecond)

	db := openDirect(t, dbPath)
	defer db.Close()

	var total, closed int
	if err := db.QueryRow("SELECT COUNT(*) FROM flight_session WHERE aircraft_icao = ?", "ABC123").Scan(&total); err != nil {
		t.Fatalf("query sessions: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM flight_session WHERE aircraft_icao = ? AND end_time IS NOT NULL", "ABC123").Scan(&closed); err != nil {
		t.Fatalf("query closed sessions: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 sessions after the gap, got %d", total)
	}
	if closed != 1 {
		t.Fatalf("expected exactly 1 closed session, got %d", closed)
	}
	if metrics.openSessions != 1 {
		t.Fatalf("expected 1 open session remaining, got %d", metrics.openSessions)
	}
}
