// Package subscribe implements component E: a resilient WebSocket client
// that consumes the publisher's tick stream and forwards path-sample
// candidates to the DB worker (F) over a bounded channel. The channel is
// the system's one deliberate backpressure point (spec.md §4.5): if F
// falls behind, samples are dropped here rather than the live stream
// stalling. Reconnect uses the same resilient.Stream abstraction as
// component A.
package subscribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/publish"
	"github.com/flightstream/adsbpipe/resilient"
	"github.com/flightstream/adsbpipe/security"
	"github.com/flightstream/adsbpipe/wsproto"
)

// PathSampleCandidate is what E hands to F for one aircraft on one frame.
type PathSampleCandidate struct {
	ICAO            string
	Ts              time.Time
	Lat             float64
	Lon             float64
	AltFt           int
	OnGround        bool
	GroundSpeed     float64
	TrackDeg        float64
	VerticalRateFpm int
	Callsign        string
}

// Metrics is the facade E reports drops through.
type Metrics interface {
	IncDroppedSample()
}

type NopMetrics struct{}

func (NopMetrics) IncDroppedSample() {}

type Config struct {
	URI          string // e.g. ws://localhost:8443
	SharedSecret string
}

type Subscriber struct {
	cfg     Config
	log     logging.Logger
	metrics Metrics
}

func New(cfg Config, log logging.Logger, metrics Metrics) *Subscriber {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Subscriber{cfg: cfg, log: log, metrics: metrics}
}

// Run connects to the publisher and forwards candidates to out until ctx
// is cancelled, reconnecting with resilient.DefaultPolicy on loss. out
// should be a bounded channel (default capacity 1024, spec.md §4.5); a
// full channel causes candidates to be dropped, not queued.
func (s *Subscriber) Run(ctx context.Context, out chan<- PathSampleCandidate) error {
	u, err := url.Parse(s.cfg.URI)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	connect := func(ctx context.Context) (*wsproto.Conn, error) {
		var header http.Header
		if s.cfg.SharedSecret != "" {
			header = security.Headers(s.cfg.SharedSecret)
		}
		return wsproto.Dial(ctx, u.Host, path, u.Hostname(), header)
	}

	serve := func(ctx context.Context, conn *wsproto.Conn) error {
		s.log.Infof("connected to publisher %s", s.cfg.URI)
		for {
			op, payload, err := conn.ReadFrame()
			if err != nil {
				return err
			}
			if op != wsproto.OpText {
				continue
			}
			var frame publish.PublishedFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				s.log.Errorf("malformed published frame: %v", err)
				continue
			}
			s.forward(ctx, out, frame)
		}
	}

	closeFn := func(conn *wsproto.Conn) { conn.Close() }

	onDelay := func(delay time.Duration, err error) {
		if err != nil {
			s.log.Errorf("publisher connection lost, reconnecting in %s: %v", delay, err)
		}
	}

	resilient.Stream(ctx, resilient.DefaultPolicy, connect, serve, closeFn, onDelay)
	return nil
}

func (s *Subscriber) forward(ctx context.Context, out chan<- PathSampleCandidate, frame publish.PublishedFrame) {
	ts := time.Unix(frame.Ts, 0)
	for _, ac := range frame.Aircraft {
		candidate := PathSampleCandidate{
			ICAO:            ac.ICAO,
			Ts:              ts,
			Lat:             ac.Lat,
			Lon:             ac.Lon,
			AltFt:           ac.AltFt,
			OnGround:        ac.OnGround,
			GroundSpeed:     ac.GroundSpeed,
			TrackDeg:        ac.TrackDeg,
			VerticalRateFpm: ac.VerticalRateFpm,
			Callsign:        ac.Callsign,
		}
		select {
		case out <- candidate:
		case <-ctx.Done():
			return
		default:
			s.metrics.IncDroppedSample()
		}
	}
}
