// Package app wires the components together into the two runnable
// binaries (spec.md §10). Ingest glues the frame source (A), decoder (B),
// assembler (C) and publisher (D) into cmd/adsb-ingest; Store (in
// store.go) glues the subscriber client (E) and DB worker (F) into
// cmd/adsb-store. Both follow the teacher's app.Run(ctx, *cli.Command)
// shape: read flags into a config value, build components, run them under
// supervision until ctx is cancelled.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/flightstream/adsbpipe/adminhttp"
	"github.com/flightstream/adsbpipe/assembler"
	"github.com/flightstream/adsbpipe/config"
	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/modes"
	"github.com/flightstream/adsbpipe/monitoring"
	"github.com/flightstream/adsbpipe/publish"
	"github.com/flightstream/adsbpipe/resilient"
	"github.com/flightstream/adsbpipe/source"
)

func ingestConfigFromFlags(c *cli.Command) config.Ingest {
	cfg := config.Ingest{
		Dump1090Host:    c.String("dump1090.host"),
		Dump1090Port:    c.String("dump1090.port"),
		WSListen:        c.String("ws.listen"),
		PublishInterval: c.Duration("publish.interval"),
		AssemblyTimeout: c.Duration("assembly.timeout"),
		ExpiryAfter:     c.Duration("expiry"),
		ExpiryScanEvery: c.Duration("expiry.scan"),
		ReceiverLat:     c.Float64("receiver.lat"),
		ReceiverLon:     c.Float64("receiver.lon"),
		WSSharedSecret:  c.String("ws.secret"),
		AdminListen:     c.String("admin.listen"),
		TracingEndpoint: c.String("tracing.endpoint"),
		Debug:           c.Bool("debug"),
	}
	cfg.HasReceiverRef = c.IsSet("receiver.lat") && c.IsSet("receiver.lon")
	// ADSB_WS_PORT carries a bare port; the listener needs ":port".
	if !strings.Contains(cfg.WSListen, ":") {
		cfg.WSListen = ":" + cfg.WSListen
	}
	return cfg
}

// RunIngest is the cmd/adsb-ingest entrypoint's CLI action.
func RunIngest(ctx context.Context, c *cli.Command) error {
	cfg := ingestConfigFromFlags(c)

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	srcLog := logging.New("source", level)
	asmLog := logging.New("assembler", level)
	pubLog := logging.New("publisher", level)
	defer srcLog.Close()
	defer asmLog.Close()
	defer pubLog.Close()

	metrics := monitoring.New(monitoring.Config{Component: "ingest", AssemblyTimeout: cfg.AssemblyTimeout})
	defer metrics.Close()

	shutdownTracer := monitoring.InitTracer(cfg.TracingEndpoint, "adsb-ingest")
	defer shutdownTracer()

	asm := assembler.New(assembler.Config{
		AssemblyTimeout: cfg.AssemblyTimeout,
		ExpiryAfter:     cfg.ExpiryAfter,
		ExpiryScanEvery: cfg.ExpiryScanEvery,
		ReceiverLat:     cfg.ReceiverLat,
		ReceiverLon:     cfg.ReceiverLon,
		HasReceiverRef:  cfg.HasReceiverRef,
	}, asmLog, metrics)

	src := source.New(source.Config{Host: cfg.Dump1090Host, Port: cfg.Dump1090Port}, srcLog)

	pub := publish.New(publish.Config{
		Listen:       cfg.WSListen,
		Interval:     cfg.PublishInterval,
		SharedSecret: cfg.WSSharedSecret,
	}, asm, pubLog, metrics)

	frames := make(chan string, 1024)

	decodeAndAssemble := func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame, ok := <-frames:
				if !ok {
					return nil
				}
				msg, err := modes.Decode(frame, time.Now())
				if err != nil {
					metrics.IncMalformedFrame()
					continue
				}
				asm.Update(ctx, msg)
			}
		}
	}

	admin := &http.Server{
		Addr: cfg.AdminListen,
		Handler: adminhttp.New(metrics, func() error { return nil }),
	}
	adminErrCh := make(chan error, 1)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
		}
	}()

	go resilient.Supervise(ctx, "source", func(ctx context.Context) error { return src.Run(ctx, frames) },
		func(name string, err error) { srcLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { srcLog.Errorf("%s escalated to process exit", name) })

	go resilient.Supervise(ctx, "decode", decodeAndAssemble,
		func(name string, err error) { asmLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { asmLog.Errorf("%s escalated to process exit", name) })

	go resilient.Supervise(ctx, "assembler", asm.Run,
		func(name string, err error) { asmLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { asmLog.Errorf("%s escalated to process exit", name) })

	go resilient.Supervise(ctx, "publisher", pub.Run,
		func(name string, err error) { pubLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { pubLog.Errorf("%s escalated to process exit", name) })

	go resilient.Supervise(ctx, "resource-sampler", metrics.RunResourceSampler, nil, nil)

	select {
	case <-ctx.Done():
	case err := <-adminErrCh:
		if err != nil {
			return fmt.Errorf("admin http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
	return nil
}
