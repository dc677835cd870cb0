package wsproto

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestUpgradeAndDialRoundTrip(t *testing.T) {
	var serverConn *Conn
	serverReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			close(serverReady)
			return
		}
		serverConn = conn
		close(serverReady)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client, err := Dial(ctx, addr.String(), "/", "127.0.0.1", nil)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	defer client.Close()

	<-serverReady
	if serverConn == nil {
		t.Fatalf("server never completed upgrade")
	}
	defer serverConn.Close()

	if err := serverConn.WriteText([]byte("hello")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	op, payload, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if op != OpText || string(payload) != "hello" {
		t.Fatalf("unexpected frame: op=%d payload=%q", op, payload)
	}

	if err := client.WriteText([]byte("world")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	op, payload, err = serverConn.ReadFrame()
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if op != OpText || string(payload) != "world" {
		t.Fatalf("unexpected frame: op=%d payload=%q", op, payload)
	}
}
