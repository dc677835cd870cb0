package source

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flightstream/adsbpipe/logging"
)

func TestSourceForwardsFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("*8D4840D6202CC371C32CE0576098;\n"))
		conn.Write([]byte("*8D40621D58C382D690C8AC2863A7;\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	s := New(Config{Host: host, Port: port}, logging.NopLogger{})
	out := make(chan string, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go s.Run(ctx, out)

	received := make([]string, 0, 2)
	for len(received) < 2 {
		select {
		case line := <-out:
			received = append(received, line)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for frames, got %d", len(received))
		}
	}

	if received[0] != "*8D4840D6202CC371C32CE0576098;" {
		t.Fatalf("unexpected first frame: %q", received[0])
	}
	if received[1] != "*8D40621D58C382D690C8AC2863A7;" {
		t.Fatalf("unexpected second frame: %q", received[1])
	}
}

func TestSourceReconnectsAfterDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn1, err := ln.Accept()
		if err != nil {
			return
		}
		conn1.Write([]byte("*AAAAAAAAAAAAAAAAAAAAAAAAAAAA;\n"))
		conn1.Close()

		conn2, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn2.Close()
		conn2.Write([]byte("*BBBBBBBBBBBBBBBBBBBBBBBBBBBB;\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s := New(Config{Host: host, Port: port}, logging.NopLogger{})
	out := make(chan string, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go s.Run(ctx, out)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case line := <-out:
			seen[line] = true
		case <-ctx.Done():
			t.Fatalf("timed out waiting for reconnect, saw %v", seen)
		}
	}
	if !seen["*AAAAAAAAAAAAAAAAAAAAAAAAAAAA;"] || !seen["*BBBBBBBBBBBBBBBBBBBBBBBBBBBB;"] {
		t.Fatalf("missing expected frames: %v", seen)
	}
}
