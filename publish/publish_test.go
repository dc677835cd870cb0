package publish

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/flightstream/adsbpipe/assembler"
	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/wsproto"
)

type fakeSnapshotter struct{ rows []assembler.AircraftRow }

func (f fakeSnapshotter) Snapshot(ctx context.Context) []assembler.AircraftRow { return f.rows }

func startPublisher(t *testing.T, rows []assembler.AircraftRow, interval time.Duration) (string, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := New(Config{Listen: addr, Interval: interval}, fakeSnapshotter{rows: rows}, logging.NopLogger{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the listener bind
	return addr, cancel
}

func dialSubscriber(t *testing.T, addr string) *wsproto.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := wsproto.Dial(ctx, addr, "/", "127.0.0.1", http.Header{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestPublisherBroadcastsSnapshotAircraft(t *testing.T) {
	now := time.Now()
	rows := []assembler.AircraftRow{
		{ICAO: 0x123456, HasPosition: true, Lat: 1, Lon: 2, LastSeen: now},
	}
	addr, cancel := startPublisher(t, rows, 30*time.Millisecond)
	defer cancel()

	conn := dialSubscriber(t, addr)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame PublishedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(frame.Aircraft) != 1 {
		t.Fatalf("expected 1 aircraft, got %d", len(frame.Aircraft))
	}
	if frame.Aircraft[0].ICAO != "123456" {
		t.Fatalf("unexpected icao: %s", frame.Aircraft[0].ICAO)
	}
}

func TestPublisherDropsSlowSubscriberBufferWithoutBlockingFastOne(t *testing.T) {
	rows := []assembler.AircraftRow{{ICAO: 0xABCDEF, HasPosition: true, LastSeen: time.Now()}}
	addr, cancel := startPublisher(t, rows, 20*time.Millisecond)
	defer cancel()

	slow := dialSubscriber(t, addr) // never reads
	defer slow.Close()
	fast := dialSubscriber(t, addr)
	defer fast.Close()

	received := 0
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && received < 3 {
		fast.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, _, err := fast.ReadFrame(); err == nil {
			received++
		}
	}
	if received < 3 {
		t.Fatalf("expected the fast subscriber to keep receiving frames, got %d", received)
	}
}

// TestPublisherEvictsSubscriberAfterConsecutiveDrops drives broadcast
// directly against a subscriber whose send buffer is never drained,
// exercising spec.md §8 S4 ("after 10 ticks... the slow one has been
// disconnected") at the unit level rather than through OS socket
// buffering, which can absorb many frames before the slow subscriber's
// application-level channel ever actually reports full.
func TestPublisherEvictsSubscriberAfterConsecutiveDrops(t *testing.T) {
	rows := []assembler.AircraftRow{{ICAO: 0xABCDEF, HasPosition: true, LastSeen: time.Now()}}
	p := New(Config{}, fakeSnapshotter{rows: rows}, logging.NopLogger{}, nil)

	sub := &subscriber{sendCh: make(chan []byte, 1), done: make(chan struct{})}
	sub.sendCh <- []byte("occupied") // fill the one slot so every broadcast drops
	subs := map[*subscriber]struct{}{sub: {}}

	for i := 0; i < maxConsecutiveDrops; i++ {
		if _, ok := subs[sub]; !ok {
			t.Fatalf("subscriber evicted after only %d drops, expected %d", i, maxConsecutiveDrops)
		}
		p.broadcast(context.Background(), subs)
	}

	if _, ok := subs[sub]; ok {
		t.Fatalf("expected subscriber to be evicted after %d consecutive drops", maxConsecutiveDrops)
	}
	select {
	case <-sub.done:
	default:
		t.Fatalf("expected sub.done to be closed on eviction")
	}
}
