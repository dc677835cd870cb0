package assembler

import (
	"context"
	"testing"
	"time"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/modes"
)

type recordingMetrics struct {
	latencies          []time.Duration
	incompleteAssembly int
	cprFailed          int
	malformed          int
	trackedAircraft    int
}

func (m *recordingMetrics) ObserveAssemblyLatency(d time.Duration) { m.latencies = append(m.latencies, d) }
func (m *recordingMetrics) IncIncompleteAssembly()                 { m.incompleteAssembly++ }
func (m *recordingMetrics) IncCPRFailed()                          { m.cprFailed++ }
func (m *recordingMetrics) IncMalformedFrame()                     { m.malformed++ }
func (m *recordingMetrics) SetTrackedAircraft(n int)               { m.trackedAircraft = n }

func newTestAssembler(cfg Config, metrics Metrics) (*Assembler, context.Context, context.CancelFunc) {
	if cfg.ExpiryScanEvery == 0 {
		cfg.ExpiryScanEvery = 20 * time.Millisecond
	}
	a := New(cfg, logging.NopLogger{}, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	return a, ctx, cancel
}

func TestAssemblerSingleAircraftComplete(t *testing.T) {
	metrics := &recordingMetrics{}
	a, ctx, cancel := newTestAssembler(Config{AssemblyTimeout: time.Minute, ExpiryAfter: time.Minute}, metrics)
	defer cancel()

	const icao = 0x40621D
	a.Update(ctx, modes.NewIdentification(icao, "UAL123"))

	oddT := time.Now()
	evenT := oddT.Add(time.Second)
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPROdd, 74158, 50194, 35000, oddT))
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPREven, 93000, 51372, 35000, evenT))
	a.Update(ctx, modes.NewVelocity(icao, 450, 90, 0, modes.VelocityAirborne, evenT))

	rows := a.Snapshot(ctx)
	if len(rows) != 1 {
		t.Fatalf("expected 1 aircraft row, got %d", len(rows))
	}
	row := rows[0]
	if row.ICAO != icao {
		t.Fatalf("icao mismatch")
	}
	if !row.HasPosition {
		t.Fatalf("expected a decoded position")
	}
	if !approxEqual(row.Lat, 52.2572, 0.01) || !approxEqual(row.Lon, 3.91937, 0.01) {
		t.Fatalf("position mismatch: lat=%f lon=%f", row.Lat, row.Lon)
	}
	if row.FirstSeen.After(row.LastSeen) {
		t.Fatalf("invariant violated: first_seen after last_seen")
	}
	if len(metrics.latencies) != 1 {
		t.Fatalf("expected exactly one assembly-latency observation, got %d", len(metrics.latencies))
	}
}

func TestAssemblerCPRZoneMismatch(t *testing.T) {
	metrics := &recordingMetrics{}
	a, ctx, cancel := newTestAssembler(Config{AssemblyTimeout: time.Minute, ExpiryAfter: time.Minute}, metrics)
	defer cancel()

	// An even/odd pair whose encoded lat/lon fall in inconsistent
	// latitude zones: GlobalPosition must reject it rather than report a
	// bogus fix (mirrors modes.TestGlobalPositionRejectsCrossedZones).
	const icao = 0x40621D
	now := time.Now()
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPREven, 97430, 0, 35000, now))
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPROdd, 94052, 0, 35000, now.Add(time.Second)))

	rows := a.Snapshot(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected no position-bearing rows, got %d", len(rows))
	}
	if metrics.cprFailed != 1 {
		t.Fatalf("expected cpr_failed == 1, got %d", metrics.cprFailed)
	}
}

// TestAssemblerCPRSameParityTwice is the literal spec.md §8 S3 scenario:
// two same-parity position messages in a row, no opposite-parity frame
// ever arrives to pair against. Expect no position emitted and a
// cpr_failed increment for the first (overwritten) frame.
func TestAssemblerCPRSameParityTwice(t *testing.T) {
	metrics := &recordingMetrics{}
	a, ctx, cancel := newTestAssembler(Config{AssemblyTimeout: time.Minute, ExpiryAfter: time.Minute}, metrics)
	defer cancel()

	const icao = 0x40621D
	now := time.Now()
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPREven, 92095, 39846, 35000, now))
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPREven, 92095, 39846, 35000, now.Add(time.Second)))

	rows := a.Snapshot(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected no position-bearing rows, got %d", len(rows))
	}
	if metrics.cprFailed != 1 {
		t.Fatalf("expected cpr_failed == 1, got %d", metrics.cprFailed)
	}
}

// TestAssemblerIncompleteTimeout mirrors spec.md §8 S6: feed only an
// Identification for an aircraft and then go truly silent — no further
// messages of any kind. The incomplete-assembly timeout must still fire
// from expire()'s own scan, since a silent aircraft never triggers
// applyUpdate again.
func TestAssemblerIncompleteTimeout(t *testing.T) {
	metrics := &recordingMetrics{}
	a, ctx, cancel := newTestAssembler(Config{AssemblyTimeout: 10 * time.Millisecond, ExpiryAfter: time.Minute, ExpiryScanEvery: 5 * time.Millisecond}, metrics)
	defer cancel()

	const icao = 0xDEF456
	a.Update(ctx, modes.NewIdentification(icao, "TEST"))

	deadline := time.After(200 * time.Millisecond)
	for metrics.incompleteAssembly == 0 {
		select {
		case <-deadline:
			t.Fatalf("incomplete_assembly counter never incremented")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if metrics.incompleteAssembly != 1 {
		t.Fatalf("expected incomplete_assembly == 1, got %d", metrics.incompleteAssembly)
	}
}

func TestAssemblerExpiry(t *testing.T) {
	a, ctx, cancel := newTestAssembler(Config{ExpiryAfter: 20 * time.Millisecond, ExpiryScanEvery: 5 * time.Millisecond}, nil)
	defer cancel()

	const icao = 0x123456
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPREven, 92095, 39846, 35000, time.Now()))
	a.Update(ctx, modes.NewAirbornePosition(icao, modes.CPROdd, 88385, 125818, 35000, time.Now().Add(time.Second)))

	time.Sleep(80 * time.Millisecond)
	rows := a.Snapshot(ctx)
	if len(rows) != 0 {
		t.Fatalf("expected aircraft to have been expired, got %d rows", len(rows))
	}
}

func approxEqual(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

