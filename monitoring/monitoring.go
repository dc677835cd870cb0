// Package monitoring implements component G: passive in-process counters
// fed by the other components through thin facades, exported as
// Prometheus series on the admin surface and as periodic CSV/shutdown
// JSON artifacts. It also keeps the teacher's OpenTelemetry tracing setup
// and HTTP middleware, repointed at the admin HTTP surface (§10) since the
// flight-API handlers they used to wrap no longer exist in this pipeline.
package monitoring

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	github_chi_mw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "adsbpipe"

// logging level: 0=info, 1=debug. Kept as a process-wide fallback for the
// rare call site that predates per-component wiring (logging.Logger).
var logLevel int32

func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
	default:
		atomic.StoreInt32(&logLevel, 0)
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

// Config selects which process (ingest or store) this Collector belongs
// to, for metric/file labeling, plus the export directories.
type Config struct {
	Component string // "ingest" or "store"
	MetricsDir string
	AssemblyTimeout time.Duration
}

// Collector is component G. One per process; implements the Metrics
// facade interfaces declared by assembler, publish, subscribe and storage
// so those packages never import prometheus directly (spec.md §9: "pass a
// small facade interface into each component so tests can substitute a
// recording double").
type Collector struct {
	cfg Config

	registry *prometheus.Registry

	assemblyLatency   prometheus.Histogram
	incompleteTotal   prometheus.Counter
	cprFailedTotal    prometheus.Counter
	malformedTotal    prometheus.Counter
	trackedAircraft   prometheus.Gauge

	subscriberCount   prometheus.Gauge
	subscriberDropped prometheus.Counter
	droppedSamples    prometheus.Counter

	batchCommitted prometheus.Counter
	batchDiscarded prometheus.Counter
	pathRows       prometheus.Counter
	openSessions   prometheus.Gauge

	tcpRetransmits prometheus.Gauge
	tcpOutOfOrder  prometheus.Gauge
	cpuPercent     prometheus.Gauge
	rssMB          prometheus.Gauge

	mu        sync.Mutex
	latencies []time.Duration

	csv *csvWriters
}

// New constructs a Collector registered to its own Prometheus registry
// (avoiding the teacher's reliance on the global default registry, so
// tests can build one per case without cross-test interference).
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		cfg:      cfg,
		registry: reg,

		assemblyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "latency_seconds",
			Help:    "Time from first-seen to assembly completion, per aircraft.",
			Buckets: prometheus.DefBuckets,
		}),
		incompleteTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "incomplete_total",
			Help: "Aircraft that never completed assembly before the configured timeout.",
		}),
		cprFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "cpr_failed_total",
			Help: "CPR pairs rejected for zone-crossing or implausible lat/lon.",
		}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decoder", Name: "malformed_total",
			Help: "Frames dropped for CRC failure or unsupported downlink format.",
		}),
		trackedAircraft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "tracked_aircraft",
			Help: "Aircraft currently held in the assembler table.",
		}),
		subscriberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "subscribers",
			Help: "Currently connected publish subscribers.",
		}),
		subscriberDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "subscriber_dropped_total",
			Help: "Frames dropped because a subscriber's send buffer was full.",
		}),
		droppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "subscriber", Name: "dropped_samples_total",
			Help: "Path-sample candidates dropped because the persistence channel was full.",
		}),
		batchCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "batch_committed_total",
			Help: "Path samples committed to the database.",
		}),
		batchDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "batch_discarded_total",
			Help: "Batches discarded after repeated commit failure.",
		}),
		pathRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "path_rows_total",
			Help: "Path rows inserted.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "open_sessions",
			Help: "Flight sessions currently open in the DB worker's in-memory map.",
		}),
		tcpRetransmits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "retransmits",
			Help: "TCP segment retransmits, from /proc/net/netstat.",
		}),
		tcpOutOfOrder: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "out_of_order",
			Help: "TCP out-of-order segments, from /proc/net/netstat.",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "cpu_percent",
			Help: "Process CPU utilization, sampled every 5s.",
		}),
		rssMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "process", Name: "rss_mb",
			Help: "Process resident set size in MB, sampled every 5s.",
		}),
	}

	reg.MustRegister(
		c.assemblyLatency, c.incompleteTotal, c.cprFailedTotal, c.malformedTotal, c.trackedAircraft,
		c.subscriberCount, c.subscriberDropped, c.droppedSamples,
		c.batchCommitted, c.batchDiscarded, c.pathRows, c.openSessions,
		c.tcpRetransmits, c.tcpOutOfOrder, c.cpuPercent, c.rssMB,
	)

	dir := cfg.MetricsDir
	if dir == "" {
		dir = "tmp/metrics"
	}
	c.csv = newCSVWriters(dir, cfg.Component)

	return c
}

// Handler exposes this Collector's registry for the admin HTTP surface.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// --- assembler.Metrics ---

func (c *Collector) ObserveAssemblyLatency(d time.Duration) {
	c.assemblyLatency.Observe(d.Seconds())
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.mu.Unlock()
	c.csv.writeRow("assembly_latency", d.Seconds())
}

func (c *Collector) IncIncompleteAssembly() {
	c.incompleteTotal.Inc()
	c.csv.writeRow("incomplete_assembly", 1)
}

func (c *Collector) IncCPRFailed() {
	c.cprFailedTotal.Inc()
	c.csv.writeRow("cpr_failed", 1)
}

func (c *Collector) IncMalformedFrame() {
	c.malformedTotal.Inc()
	c.csv.writeRow("malformed_frame", 1)
}

func (c *Collector) SetTrackedAircraft(n int) { c.trackedAircraft.Set(float64(n)) }

// --- publish.Metrics ---

func (c *Collector) SetSubscriberCount(n int) { c.subscriberCount.Set(float64(n)) }

func (c *Collector) IncSubscriberDropped() {
	c.subscriberDropped.Inc()
	c.csv.writeRow("subscriber_dropped", 1)
}

// --- subscribe.Metrics ---

func (c *Collector) IncDroppedSample() {
	c.droppedSamples.Inc()
	c.csv.writeRow("dropped_sample", 1)
}

// --- storage.Metrics ---

func (c *Collector) IncBatchCommitted(n int) {
	c.batchCommitted.Add(float64(n))
	c.csv.writeRow("batch_committed", float64(n))
}

func (c *Collector) IncBatchDiscarded() {
	c.batchDiscarded.Inc()
	c.csv.writeRow("batch_discarded", 1)
}

func (c *Collector) IncPathRowInserted() { c.pathRows.Inc() }

func (c *Collector) SetOpenSessions(n int) { c.openSessions.Set(float64(n)) }

// Close computes the assembly-latency min/max/mean/median summary, writes
// the shutdown JSON snapshot (spec.md §4.7), and closes any open CSV
// files.
func (c *Collector) Close() error {
	c.writeSnapshot()
	return c.csv.closeAll()
}

// ============ Tracing (adapted from the teacher's monitoring.go) ============

var tracer = otel.Tracer("adsbpipe")

// InitTracer installs a tracer provider, optionally exporting via OTLP/HTTP
// when endpoint is non-empty; otherwise it installs a no-export provider so
// spans are still created (and can be inspected in-process) without a
// collector running.
func InitTracer(endpoint, serviceName string) func() {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() { _ = tp.Shutdown(ctx) }
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)
	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// TracingMiddleware creates a span per admin HTTP request, same shape as
// the teacher's middleware, repointed at /healthz and /metrics instead of
// the dashboard's flight-API routes.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.URLPathKey.String(r.URL.Path),
		)
		if rid := github_chi_mw.GetReqID(r.Context()); rid != "" {
			span.SetAttributes(attribute.String("http.request_id", rid))
		}
		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
