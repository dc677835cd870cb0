// Package publish implements component D: accepts subscriber WebSocket
// connections, and on a fixed tick snapshots the aircraft table and
// broadcasts it. Per spec.md §5, the subscriber set and each subscriber's
// one-frame send buffer are owned exclusively by the Publisher's own task;
// HTTP handler goroutines only ever hand a new connection to that task
// over a channel, never touch the set directly. Framing is wsproto
// (adapted from the teacher's backend/ws.go); the registry/broadcast
// shape is grounded on the teacher's wsClients map and BroadcastShutdown,
// generalized from a single global map guarded by a mutex into a map
// owned by one goroutine.
package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/flightstream/adsbpipe/assembler"
	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/security"
	"github.com/flightstream/adsbpipe/wsproto"
)

// PublishedAircraft is one row of a PublishedFrame (spec.md §3).
type PublishedAircraft struct {
	ICAO            string  `json:"icao"`
	Callsign        string  `json:"callsign"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	AltFt           int     `json:"alt_ft"`
	OnGround        bool    `json:"on_ground"`
	GroundSpeed     float64 `json:"ground_speed"`
	TrackDeg        float64 `json:"track_deg"`
	VerticalRateFpm int     `json:"vertical_rate_fpm"`
	LastSeen        int64   `json:"last_seen"`
}

// PublishedFrame is the JSON object broadcast once per publish tick.
type PublishedFrame struct {
	Ts       int64               `json:"ts"`
	Aircraft []PublishedAircraft `json:"aircraft"`
}

// Snapshotter is the read side of component C that D depends on.
type Snapshotter interface {
	Snapshot(ctx context.Context) []assembler.AircraftRow
}

// Metrics is the facade D reports subscriber churn and drops through.
type Metrics interface {
	SetSubscriberCount(n int)
	IncSubscriberDropped()
}

type NopMetrics struct{}

func (NopMetrics) SetSubscriberCount(int)  {}
func (NopMetrics) IncSubscriberDropped()   {}

type Config struct {
	Listen         string
	Interval       time.Duration
	SharedSecret   string
}

// maxConsecutiveDrops bounds how many broadcast ticks in a row a
// subscriber may fail to keep up with before it's force-disconnected
// (spec.md §8 S4: "after 10 ticks... the slow one has been disconnected").
// A 1-slot send buffer alone never bounds this: a subscriber that reads
// slowly but not never can sit just inside the OS socket buffer
// indefinitely without ever hitting the channel-full case.
const maxConsecutiveDrops = 10

type subscriber struct {
	conn     *wsproto.Conn
	sendCh   chan []byte
	done     chan struct{}
	closeOne sync.Once

	// missed is touched only from the publisher's own broadcast loop
	// (Run's goroutine), never from the subscriber's reader/writer
	// goroutines, so it needs no lock.
	missed int
}

// close marks the subscriber as finished exactly once, waking the writer
// goroutine and (via its deferred unregister) the publisher task.
func (s *subscriber) close() {
	s.closeOne.Do(func() { close(s.done) })
}

type registerMsg struct{ sub *subscriber }
type unregisterMsg struct{ sub *subscriber }

// Publisher is component D.
type Publisher struct {
	cfg     Config
	source  Snapshotter
	log     logging.Logger
	metrics Metrics

	register   chan registerMsg
	unregister chan unregisterMsg

	server *http.Server
}

func New(cfg Config, source Snapshotter, log logging.Logger, metrics Metrics) *Publisher {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Publisher{
		cfg:        cfg,
		source:     source,
		log:        log,
		metrics:    metrics,
		register:   make(chan registerMsg),
		unregister: make(chan unregisterMsg),
	}
}

func (p *Publisher) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !security.Validate(p.cfg.SharedSecret, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := wsproto.Upgrade(w, r)
	if err != nil {
		p.log.Debugf("ws upgrade failed: %v", err)
		return
	}

	sub := &subscriber{conn: conn, sendCh: make(chan []byte, 1), done: make(chan struct{})}
	p.register <- registerMsg{sub: sub}

	go func() {
		defer func() {
			sub.close()
			p.unregister <- unregisterMsg{sub: sub}
			conn.Close()
		}()
		for {
			select {
			case data := <-sub.sendCh:
				if err := conn.WriteText(data); err != nil {
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	go func() {
		for {
			if _, _, err := conn.ReadFrame(); err != nil {
				sub.close()
				return
			}
		}
	}()
}

// Run starts the HTTP/WebSocket listener and drives the publisher's
// single task: subscriber registry mutation and tick broadcast both
// happen here, nowhere else.
func (p *Publisher) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleUpgrade)
	p.server = &http.Server{Addr: p.cfg.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	subs := make(map[*subscriber]struct{})

	for {
		select {
		case <-ctx.Done():
			p.server.Close()
			return nil

		case err := <-errCh:
			return err

		case m := <-p.register:
			subs[m.sub] = struct{}{}
			p.metrics.SetSubscriberCount(len(subs))

		case m := <-p.unregister:
			delete(subs, m.sub)
			p.metrics.SetSubscriberCount(len(subs))

		case <-ticker.C:
			p.broadcast(ctx, subs)
		}
	}
}

func (p *Publisher) broadcast(ctx context.Context, subs map[*subscriber]struct{}) {
	rows := p.source.Snapshot(ctx)
	frame := PublishedFrame{Ts: time.Now().Unix(), Aircraft: make([]PublishedAircraft, 0, len(rows))}
	for _, row := range rows {
		frame.Aircraft = append(frame.Aircraft, PublishedAircraft{
			ICAO:            icaoHex(row.ICAO),
			Callsign:        row.Callsign,
			Lat:             row.Lat,
			Lon:             row.Lon,
			AltFt:           row.AltFt,
			OnGround:        row.OnGround,
			GroundSpeed:     row.GroundSpeed,
			TrackDeg:        row.TrackDeg,
			VerticalRateFpm: row.VerticalRateFpm,
			LastSeen:        row.LastSeen.Unix(),
		})
	}
	data, err := json.Marshal(frame)
	if err != nil {
		p.log.Errorf("failed to marshal published frame: %v", err)
		return
	}

	for sub := range subs {
		select {
		case sub.sendCh <- data:
			sub.missed = 0
		default:
			p.metrics.IncSubscriberDropped()
			sub.missed++
			if sub.missed >= maxConsecutiveDrops {
				delete(subs, sub)
				p.metrics.SetSubscriberCount(len(subs))
				sub.close()
			}
		}
	}
}

func icaoHex(icao uint32) string {
	const hexDigits = "0123456789ABCDEF"
	b := [6]byte{}
	for i := 5; i >= 0; i-- {
		b[i] = hexDigits[icao&0xF]
		icao >>= 4
	}
	return string(b[:])
}
