// Package assembler implements component C: the sole owner of the
// aircraft table. Per the Design Note in spec.md §9 ("give the assembler
// sole ownership of the table and expose it only through a message
// interface... do not share the map across tasks"), the table here is
// touched exclusively by the goroutine running Run; every other caller
// talks to it through Update/Snapshot, which round-trip through channels.
// Merge semantics (keep non-zero/non-empty fields across updates, evict on
// staleness) are grounded on n0xa-ascii1090's Tracker, restructured from a
// mutex-guarded map into a single-owner actor.
package assembler

import (
	"context"
	"time"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/modes"
)

// Config bundles the tunables the assembler needs, all sourced from
// config.Ingest so the assembler itself never reads the environment.
type Config struct {
	AssemblyTimeout time.Duration
	ExpiryAfter     time.Duration
	ExpiryScanEvery time.Duration

	ReceiverLat    float64
	ReceiverLon    float64
	HasReceiverRef bool
}

// cprPairWindow is the maximum age gap between an even and odd CPR frame
// for them to be treated as a single global-decode pair (spec.md §4.3).
const cprPairWindow = 10 * time.Second

// Metrics is the facade component C reports through, so tests can
// substitute a recording double instead of the real collector (spec.md §9).
type Metrics interface {
	ObserveAssemblyLatency(d time.Duration)
	IncIncompleteAssembly()
	IncCPRFailed()
	IncMalformedFrame()
	SetTrackedAircraft(n int)
}

// NopMetrics discards every observation; the default for tests that don't
// care about metrics.
type NopMetrics struct{}

func (NopMetrics) ObserveAssemblyLatency(time.Duration) {}
func (NopMetrics) IncIncompleteAssembly()               {}
func (NopMetrics) IncCPRFailed()                        {}
func (NopMetrics) IncMalformedFrame()                   {}
func (NopMetrics) SetTrackedAircraft(int)               {}

// AircraftRow is a value-copy snapshot of one table entry, safe to hand to
// another task (the assembler "does not lend references", spec.md §5).
type AircraftRow struct {
	ICAO     uint32
	Callsign string

	Lat, Lon    float64
	HasPosition bool
	AltFt       int
	OnGround    bool

	GroundSpeed     float64
	TrackDeg        float64
	VerticalRateFpm int
	HasVelocity     bool

	FirstSeen time.Time
	LastSeen  time.Time
}

type cprFrame struct {
	encLat, encLon uint32
	rxTime         time.Time
}

type aircraftState struct {
	icao uint32

	callsign string

	hasPosition bool
	lat, lon    float64
	altFt       int
	onGround    bool

	hasVelocity     bool
	groundSpeed     float64
	trackDeg        float64
	verticalRateFpm int

	evenFrame *cprFrame
	oddFrame  *cprFrame

	firstSeen time.Time
	lastSeen  time.Time

	assemblyComplete   bool
	incompleteReported bool
}

func (s *aircraftState) complete() bool {
	return s.callsign != "" && s.hasPosition && s.hasVelocity
}

func (s *aircraftState) toRow() AircraftRow {
	return AircraftRow{
		ICAO:            s.icao,
		Callsign:        s.callsign,
		Lat:             s.lat,
		Lon:             s.lon,
		HasPosition:     s.hasPosition,
		AltFt:           s.altFt,
		OnGround:        s.onGround,
		GroundSpeed:     s.groundSpeed,
		TrackDeg:        s.trackDeg,
		VerticalRateFpm: s.verticalRateFpm,
		HasVelocity:     s.hasVelocity,
		FirstSeen:       s.firstSeen,
		LastSeen:        s.lastSeen,
	}
}

type updateRequest struct {
	msg    modes.DecodedMessage
	atTime time.Time
}

type snapshotRequest struct {
	resp chan []AircraftRow
}

// Assembler is component C. Construct with New and run it with Run; every
// other method is safe to call from any goroutine.
type Assembler struct {
	cfg     Config
	log     logging.Logger
	metrics Metrics

	updates   chan updateRequest
	snapshots chan snapshotRequest
}

func New(cfg Config, log logging.Logger, metrics Metrics) *Assembler {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Assembler{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		updates:   make(chan updateRequest, 1024),
		snapshots: make(chan snapshotRequest),
	}
}

// Update feeds one decoded message into the table. It blocks until the
// assembler's task accepts it or ctx is cancelled.
func (a *Assembler) Update(ctx context.Context, msg modes.DecodedMessage) {
	select {
	case a.updates <- updateRequest{msg: msg, atTime: time.Now()}:
	case <-ctx.Done():
	}
}

// Snapshot returns a value-copy of every aircraft with a decoded position
// and a last_seen within the expiry window, the exact set D needs for a
// publish tick (spec.md §4.4 step 1).
func (a *Assembler) Snapshot(ctx context.Context) []AircraftRow {
	req := snapshotRequest{resp: make(chan []AircraftRow, 1)}
	select {
	case a.snapshots <- req:
	case <-ctx.Done():
		return nil
	}
	select {
	case rows := <-req.resp:
		return rows
	case <-ctx.Done():
		return nil
	}
}

// Run drives the assembler's single task: the aircraft table lives
// entirely on this goroutine's stack. It returns nil when ctx is
// cancelled, so a supervisor wrapping it does not treat shutdown as a
// fault.
func (a *Assembler) Run(ctx context.Context) error {
	table := make(map[uint32]*aircraftState)

	scanEvery := a.cfg.ExpiryScanEvery
	if scanEvery <= 0 {
		scanEvery = 5 * time.Second
	}
	ticker := time.NewTicker(scanEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-a.updates:
			a.applyUpdate(table, req)

		case req := <-a.snapshots:
			req.resp <- a.buildSnapshot(table)

		case <-ticker.C:
			a.expire(table, time.Now())
		}
	}
}

func (a *Assembler) applyUpdate(table map[uint32]*aircraftState, req updateRequest) {
	icao := req.msg.ICAO()
	st, exists := table[icao]
	if !exists {
		st = &aircraftState{icao: icao, firstSeen: req.atTime}
		table[icao] = st
		a.metrics.SetTrackedAircraft(len(table))
	}
	st.lastSeen = req.atTime

	switch m := req.msg.(type) {
	case modes.Identification:
		if m.Callsign != "" {
			st.callsign = m.Callsign
		}

	case modes.AirbornePosition:
		st.onGround = false
		a.mergePosition(st, m.Format, m.EncLat, m.EncLon, m.RxTime)
		st.altFt = m.AltitudeFt

	case modes.SurfacePosition:
		st.onGround = true
		a.mergePosition(st, m.Format, m.EncLat, m.EncLon, m.RxTime)
		st.altFt = 0

	case modes.Velocity:
		st.hasVelocity = true
		st.groundSpeed = m.GroundSpeed
		st.trackDeg = m.TrackDeg
		st.verticalRateFpm = m.VerticalRateFpm

	case modes.Other:
		// last_seen already updated above; nothing else to merge.
	}

	if !st.assemblyComplete && st.complete() {
		st.assemblyComplete = true
		a.metrics.ObserveAssemblyLatency(st.lastSeen.Sub(st.firstSeen))
	}
}

// mergePosition buffers one CPR half and attempts global decode against
// its opposite parity, falling back to local decode against a configured
// receiver reference, per spec.md §4.3.
func (a *Assembler) mergePosition(st *aircraftState, format modes.CPRFormat, encLat, encLon uint32, rxTime time.Time) {
	frame := &cprFrame{encLat: encLat, encLon: encLon, rxTime: rxTime}
	var samePrior, opposite *cprFrame
	if format == modes.CPREven {
		samePrior = st.evenFrame
		opposite = st.oddFrame
		st.evenFrame = frame
	} else {
		samePrior = st.oddFrame
		opposite = st.evenFrame
		st.oddFrame = frame
	}

	if opposite != nil {
		age := frame.rxTime.Sub(opposite.rxTime)
		if age < 0 {
			age = -age
		}
		if age <= cprPairWindow {
			newerIsOdd := format == modes.CPROdd
			var lat, lon float64
			var ok bool
			if newerIsOdd {
				lat, lon, ok = modes.GlobalPosition(st.evenFrame.encLat, st.evenFrame.encLon, st.oddFrame.encLat, st.oddFrame.encLon, true)
			} else {
				lat, lon, ok = modes.GlobalPosition(st.evenFrame.encLat, st.evenFrame.encLon, st.oddFrame.encLat, st.oddFrame.encLon, false)
			}
			if ok {
				st.lat, st.lon = lat, lon
				st.hasPosition = true
				return
			}
			a.metrics.IncCPRFailed()
			// keep prior position (spec.md §4.3 failure semantics)
			return
		}
	}

	// No opposite-parity frame to pair against. If one was already
	// buffered for this same parity (spec.md §8 S3: two same-parity
	// position messages back to back), that earlier frame was waiting
	// for an opposite-parity partner that never arrived before being
	// overwritten — count it as a CPR failure rather than discarding it
	// silently. A genuinely first-ever position frame for this aircraft
	// (samePrior == nil) is not a failure, just an incomplete pair so far.
	if samePrior != nil {
		a.metrics.IncCPRFailed()
	}

	if a.cfg.HasReceiverRef {
		lat, lon, ok := modes.LocalPosition(a.cfg.ReceiverLat, a.cfg.ReceiverLon, encLat, encLon, format)
		if ok {
			st.lat, st.lon = lat, lon
			st.hasPosition = true
		}
	}
	// else: defer, no position yet; prior position (if any) is kept.
}

func (a *Assembler) buildSnapshot(table map[uint32]*aircraftState) []AircraftRow {
	now := time.Now()
	expiry := a.cfg.ExpiryAfter
	if expiry <= 0 {
		expiry = 120 * time.Second
	}
	rows := make([]AircraftRow, 0, len(table))
	for _, st := range table {
		if !st.hasPosition {
			continue
		}
		if now.Sub(st.lastSeen) > expiry {
			continue
		}
		rows = append(rows, st.toRow())
	}
	return rows
}

// expire evicts stale aircraft and, for every entry still in the table,
// checks whether it's gone incomplete-and-silent for longer than
// AssemblyTimeout. This runs on the scan ticker rather than only in
// applyUpdate because an aircraft that sends one message and then never
// sends another (spec.md §8 S6) would otherwise never have its timeout
// re-evaluated: applyUpdate only runs when a new message arrives, and a
// truly silent aircraft has none.
func (a *Assembler) expire(table map[uint32]*aircraftState, now time.Time) {
	expiry := a.cfg.ExpiryAfter
	if expiry <= 0 {
		expiry = 120 * time.Second
	}
	for icao, st := range table {
		if now.Sub(st.lastSeen) > expiry {
			delete(table, icao)
			if a.log != nil {
				a.log.Debugf("expired aircraft %06X, last seen %s ago", icao, now.Sub(st.lastSeen))
			}
			continue
		}
		if !st.assemblyComplete && !st.incompleteReported && a.cfg.AssemblyTimeout > 0 {
			if now.Sub(st.firstSeen) > a.cfg.AssemblyTimeout {
				st.incompleteReported = true
				a.metrics.IncIncompleteAssembly()
			}
		}
	}
	a.metrics.SetTrackedAircraft(len(table))
}
