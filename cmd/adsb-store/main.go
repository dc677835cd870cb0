package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/flightstream/adsbpipe/app"
	"github.com/flightstream/adsbpipe/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "adsb-store",
		Usage: "Subscribe to adsb-ingest's published stream and persist flight history to SQLite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ws.uri",
				Value:   config.DefaultWSURI,
				Sources: cli.EnvVars("ADSB_WS_URI"),
				Usage:   "WebSocket `URI` of the adsb-ingest publisher",
			},
			&cli.StringFlag{
				Name:    "ws.secret",
				Sources: cli.EnvVars("ADSB_WS_SECRET"),
				Usage:   "Shared secret for the publish/subscribe handshake; empty disables auth",
				Hidden:  true,
			},
			&cli.StringFlag{
				Name:    "db.path",
				Value:   config.DefaultDBPath,
				Sources: cli.EnvVars("ADSB_DB_PATH"),
				Usage:   "Path to the SQLite database file",
			},
			&cli.DurationFlag{
				Name:    "save.interval",
				Value:   config.DefaultSaveInterval,
				Sources: cli.EnvVars("ADSB_SAVE_INTERVAL"),
				Usage:   "Minimum time between persisted path rows for one aircraft",
			},
			&cli.DurationFlag{
				Name:  "session.gap",
				Value: config.DefaultExpiry,
				Usage: "Gap after which a flight session is closed and a new one opened",
			},
			&cli.IntFlag{
				Name:  "queue.capacity",
				Value: config.DefaultQueueCapacity,
				Usage: "Bounded channel capacity between the subscriber and the DB worker",
			},
			&cli.DurationFlag{
				Name:  "batch.interval",
				Value: config.DefaultBatchInterval,
				Usage: "DB worker batch-commit timer",
			},
			&cli.IntFlag{
				Name:  "batch.size",
				Value: config.DefaultBatchSize,
				Usage: "DB worker batch-commit buffer size",
			},
			&cli.StringFlag{
				Name:    "admin.listen",
				Value:   ":9091",
				Sources: cli.EnvVars("ADSB_ADMIN_LISTEN"),
				Usage:   "`ADDRESS` for the /healthz and /metrics admin surface",
			},
			&cli.StringFlag{
				Name:    "tracing.endpoint",
				Sources: cli.EnvVars("ADSB_TRACING_ENDPOINT"),
				Usage:   "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Sources: cli.EnvVars("ADSB_DEBUG"),
				Usage:   "Enable debug logging for every component in this process",
			},
		},
		Action: app.RunStore,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
