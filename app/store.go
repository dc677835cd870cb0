package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/flightstream/adsbpipe/adminhttp"
	"github.com/flightstream/adsbpipe/config"
	"github.com/flightstream/adsbpipe/logging"
	"github.com/flightstream/adsbpipe/monitoring"
	"github.com/flightstream/adsbpipe/resilient"
	"github.com/flightstream/adsbpipe/storage"
	"github.com/flightstream/adsbpipe/subscribe"
)

func storeConfigFromFlags(c *cli.Command) config.Store {
	cfg := config.Store{
		WSURI:          c.String("ws.uri"),
		WSSharedSecret: c.String("ws.secret"),
		DBPath:         c.String("db.path"),
		SaveInterval:   c.Duration("save.interval"),
		SessionGap:     c.Duration("session.gap"),
		QueueCapacity:  int(c.Int("queue.capacity")),
		BatchInterval:  c.Duration("batch.interval"),
		BatchSize:      int(c.Int("batch.size")),
		AdminListen:    c.String("admin.listen"),
		TracingEndpoint: c.String("tracing.endpoint"),
		Debug:          c.Bool("debug"),
	}
	if cfg.SessionGap <= 0 {
		cfg.SessionGap = config.DefaultExpiry
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = config.DefaultQueueCapacity
	}
	return cfg
}

// RunStore is the cmd/adsb-store entrypoint's CLI action.
func RunStore(ctx context.Context, c *cli.Command) error {
	cfg := storeConfigFromFlags(c)

	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	subLog := logging.New("subscriber", level)
	dbLog := logging.New("storage", level)
	defer subLog.Close()
	defer dbLog.Close()

	metrics := monitoring.New(monitoring.Config{Component: "store"})
	defer metrics.Close()

	shutdownTracer := monitoring.InitTracer(cfg.TracingEndpoint, "adsb-store")
	defer shutdownTracer()

	sub := subscribe.New(subscribe.Config{URI: cfg.WSURI, SharedSecret: cfg.WSSharedSecret}, subLog, metrics)
	worker := storage.New(storage.Config{
		DBPath:        cfg.DBPath,
		SaveInterval:  cfg.SaveInterval,
		SessionGap:    cfg.SessionGap,
		BatchInterval: cfg.BatchInterval,
		BatchSize:     cfg.BatchSize,
	}, dbLog, metrics)

	candidates := make(chan subscribe.PathSampleCandidate, cfg.QueueCapacity)

	admin := &http.Server{
		Addr:    cfg.AdminListen,
		Handler: adminhttp.New(metrics, func() error { return nil }),
	}
	adminErrCh := make(chan error, 1)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminErrCh <- err
		}
	}()

	go resilient.Supervise(ctx, "subscriber", func(ctx context.Context) error { return sub.Run(ctx, candidates) },
		func(name string, err error) { subLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { subLog.Errorf("%s escalated to process exit", name) })

	go resilient.Supervise(ctx, "storage", func(ctx context.Context) error { return worker.Run(ctx, candidates) },
		func(name string, err error) { dbLog.Errorf("%s faulted: %v", name, err) },
		func(name string) { dbLog.Errorf("%s escalated to process exit", name) })

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
