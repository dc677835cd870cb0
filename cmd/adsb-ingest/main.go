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
		Name:  "adsb-ingest",
		Usage: "Decode dump1090 frames into per-aircraft state and publish live updates over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dump1090.host",
				Value:   config.DefaultDump1090Host,
				Sources: cli.EnvVars("DUMP1090_HOST"),
				Usage:   "`HOST` of the upstream dump1090/rtl_tcp feed",
			},
			&cli.StringFlag{
				Name:    "dump1090.port",
				Value:   config.DefaultDump1090Port,
				Sources: cli.EnvVars("DUMP1090_RAW_PORT"),
				Usage:   "`PORT` of the upstream raw Mode-S feed",
			},
			&cli.StringFlag{
				Name:    "ws.listen",
				Value:   ":" + config.DefaultWSPort,
				Sources: cli.EnvVars("ADSB_WS_PORT"),
				Usage:   "`ADDRESS` the publisher listens on for subscribers",
			},
			&cli.StringFlag{
				Name:    "ws.secret",
				Sources: cli.EnvVars("ADSB_WS_SECRET"),
				Usage:   "Shared secret for the publish/subscribe handshake; empty disables auth",
				Hidden:  true,
			},
			&cli.DurationFlag{
				Name:    "publish.interval",
				Value:   config.DefaultPublishInterval,
				Sources: cli.EnvVars("ADSB_PUBLISH_INTERVAL"),
				Usage:   "Publisher broadcast tick interval",
			},
			&cli.DurationFlag{
				Name:    "assembly.timeout",
				Value:   config.DefaultAssemblyTimeout,
				Sources: cli.EnvVars("MESSAGE_ASSEMBLY_TIMEOUT_SECONDS"),
				Usage:   "Time after which an incomplete aircraft is counted as an incomplete assembly",
			},
			&cli.DurationFlag{
				Name:  "expiry",
				Value: config.DefaultExpiry,
				Usage: "Aircraft table eviction age",
			},
			&cli.DurationFlag{
				Name:  "expiry.scan",
				Value: config.DefaultExpiryScan,
				Usage: "How often the assembler scans for stale aircraft",
			},
			&cli.Float64Flag{
				Name:    "receiver.lat",
				Sources: cli.EnvVars("RECEIVER_LAT"),
				Usage:   "Receiver latitude, for local CPR decoding",
			},
			&cli.Float64Flag{
				Name:    "receiver.lon",
				Sources: cli.EnvVars("RECEIVER_LON"),
				Usage:   "Receiver longitude, for local CPR decoding",
			},
			&cli.StringFlag{
				Name:    "admin.listen",
				Value:   ":9090",
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
		Action: app.RunIngest,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
