// Package source implements component A: a resilient TCP client that
// yields raw hex Mode-S frames from a dump1090-style feed. It speaks the
// text framing dump1090 uses on its raw-output port (one asterisk-delimited
// frame per line, "*8D4840D6...;\n") rather than binary Beast, because that
// framing is newline-delimited and maps directly onto bufio.Scanner, the
// same line-oriented read loop n0xa-ascii1090's Dump1090Client uses for its
// SBS feed.
package source

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/resilient"
)

type Config struct {
	Host string
	Port string
}

type Source struct {
	cfg Config
	log logging.Logger
}

func New(cfg Config, log logging.Logger) *Source {
	return &Source{cfg: cfg, log: log}
}

// Run dials the feed and writes trimmed raw frame lines (still carrying
// their leading '*' and trailing ';') to out until ctx is cancelled,
// reconnecting with resilient.DefaultPolicy on any read error. It holds at
// most one frame itself: each line is handed to out before the next is
// read, so once out's bounded buffer is full the read loop stops and a
// stalled decoder stage leaves unread bytes in the kernel's receive buffer
// rather than growing memory here (spec.md §4.1).
func (s *Source) Run(ctx context.Context, out chan<- string) error {
	connect := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 5 * time.Second}
		return d.DialContext(ctx, "tcp", net.JoinHostPort(s.cfg.Host, s.cfg.Port))
	}

	serve := func(ctx context.Context, conn net.Conn) error {
		s.log.Infof("connected to frame source %s", conn.RemoteAddr())
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
		return scanner.Err()
	}

	closeFn := func(conn net.Conn) { conn.Close() }

	onDelay := func(delay time.Duration, err error) {
		if err != nil {
			s.log.Errorf("frame source lost, reconnecting in %s: %v", delay, err)
		}
	}

	resilient.Stream(ctx, resilient.DefaultPolicy, connect, serve, closeFn, onDelay)
	return nil
}
