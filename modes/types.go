// Package modes decodes raw Mode-S hex frames into the DecodedMessage
// tagged union spec.md §3 describes, and implements the CPR position
// algorithm used to turn even/odd frame pairs into lat/lon.
//
// spec.md §1 treats the bit-level Mode-S demodulator as an assumed
// library primitive ("no re-implementation of the Mode-S bit-level
// decoder"); this package still has to turn a DF17/18 extended-squitter
// payload into typed fields, which is the part every ADS-B receiver in
// the corpus (saviobatista-go1090, n0xa-ascii1090) implements directly,
// so Decode below does that work rather than stubbing it out.
package modes

import "time"

// CPRFormat is the even/odd parity of a CPR-encoded position report.
type CPRFormat int

const (
	CPREven CPRFormat = iota
	CPROdd
)

// VelocityKind distinguishes airborne from surface velocity subtype.
type VelocityKind int

const (
	VelocityAirborne VelocityKind = iota
	VelocitySurface
)

// DecodedMessage is a sealed tagged union: exactly one of the Identification/
// AirbornePosition/SurfacePosition/Velocity/Other types applies,
// discriminated by the concrete type. Callers branch with a type switch on
// the concrete value returned by Decode, never by checking which fields are
// non-zero.
type DecodedMessage interface {
	ICAO() uint32
	isDecodedMessage()
}

type base struct {
	icao uint32
}

func (b base) ICAO() uint32    { return b.icao }
func (base) isDecodedMessage() {}

// Identification carries a decoded aircraft identification/category
// message (DF17/18 type codes 1-4).
type Identification struct {
	base
	Callsign string
}

// AirbornePosition carries one half (even or odd) of a CPR airborne
// position pair (type codes 9-18, excluding 19).
type AirbornePosition struct {
	base
	Format    CPRFormat
	EncLat    uint32
	EncLon    uint32
	AltitudeFt int
	RxTime    time.Time
}

// SurfacePosition carries one half of a CPR surface position pair (type
// codes 5-8). Altitude is always 0 on the ground per spec.md §3.
type SurfacePosition struct {
	base
	Format CPRFormat
	EncLat uint32
	EncLon uint32
	RxTime time.Time
}

// Velocity carries ground speed / track / vertical rate (type code 19).
type Velocity struct {
	base
	GroundSpeed    float64
	TrackDeg       float64
	VerticalRateFpm int
	Kind           VelocityKind
	RxTime         time.Time
}

// Other is any structurally valid but otherwise uninteresting message:
// counted by the assembler, otherwise ignored.
type Other struct {
	base
	RxTime time.Time
}

// MalformedFrame is returned by Decode when a frame fails CRC validation
// or carries an unsupported downlink format. The caller (component C, via
// the ingest loop) counts and drops these; Decode itself never logs.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string { return "malformed frame: " + e.Reason }

// Constructors below let callers outside this package (assembler tests,
// synthetic fixtures) build DecodedMessage values directly instead of
// round-tripping through Decode. base's field is unexported so these are
// the only way to attach an ICAO from another package.

func NewIdentification(icao uint32, callsign string) Identification {
	return Identification{base: base{icao: icao}, Callsign: callsign}
}

func NewAirbornePosition(icao uint32, format CPRFormat, encLat, encLon uint32, altitudeFt int, rxTime time.Time) AirbornePosition {
	return AirbornePosition{base: base{icao: icao}, Format: format, EncLat: encLat, EncLon: encLon, AltitudeFt: altitudeFt, RxTime: rxTime}
}

func NewSurfacePosition(icao uint32, format CPRFormat, encLat, encLon uint32, rxTime time.Time) SurfacePosition {
	return SurfacePosition{base: base{icao: icao}, Format: format, EncLat: encLat, EncLon: encLon, RxTime: rxTime}
}

func NewVelocity(icao uint32, groundSpeed, trackDeg float64, verticalRateFpm int, kind VelocityKind, rxTime time.Time) Velocity {
	return Velocity{base: base{icao: icao}, GroundSpeed: groundSpeed, TrackDeg: trackDeg, VerticalRateFpm: verticalRateFpm, Kind: kind, RxTime: rxTime}
}

func NewOther(icao uint32, rxTime time.Time) Other {
	return Other{base: base{icao: icao}, RxTime: rxTime}
}
