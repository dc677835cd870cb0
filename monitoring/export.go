package monitoring

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// csvWriters lazily opens one append-only CSV file per metric kind under
// <dir>/<component>_<kind>.csv and writes a (timestamp, value) row per
// observation, per spec.md §4.7's streaming export.
type csvWriters struct {
	dir       string
	component string

	mu      sync.Mutex
	writers map[string]*csv.Writer
	files   map[string]*os.File
}

func newCSVWriters(dir, component string) *csvWriters {
	return &csvWriters{
		dir:       dir,
		component: component,
		writers:   make(map[string]*csv.Writer),
		files:     make(map[string]*os.File),
	}
}

func (c *csvWriters) writeRow(kind string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.writers[kind]
	if !ok {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return
		}
		name := fmt.Sprintf("%s_%s.csv", c.component, kind)
		f, err := os.OpenFile(filepath.Join(c.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		w = csv.NewWriter(f)
		c.writers[kind] = w
		c.files[kind] = f
	}
	_ = w.Write([]string{time.Now().UTC().Format(time.RFC3339Nano), fmt.Sprintf("%g", value)})
	w.Flush()
}

func (c *csvWriters) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for kind, f := range c.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.files, kind)
		delete(c.writers, kind)
	}
	return firstErr
}

// latencySummary is the min/max/mean/median view over assembly latency
// required by spec.md §4.7, computed once at Close rather than per sample.
type latencySummary struct {
	Count  int     `json:"count"`
	MinSec float64 `json:"min_seconds"`
	MaxSec float64 `json:"max_seconds"`
	MeanSec float64 `json:"mean_seconds"`
	MedianSec float64 `json:"median_seconds"`
}

func summarize(durations []time.Duration) latencySummary {
	if len(durations) == 0 {
		return latencySummary{}
	}
	secs := make([]float64, len(durations))
	sum := 0.0
	for i, d := range durations {
		secs[i] = d.Seconds()
		sum += secs[i]
	}
	sort.Float64s(secs)
	median := secs[len(secs)/2]
	if len(secs)%2 == 0 {
		median = (secs[len(secs)/2-1] + secs[len(secs)/2]) / 2
	}
	return latencySummary{
		Count:     len(secs),
		MinSec:    secs[0],
		MaxSec:    secs[len(secs)-1],
		MeanSec:   sum / float64(len(secs)),
		MedianSec: median,
	}
}

// snapshot is the flat-object shutdown export (spec.md §6: "not considered
// a stable wire format").
type snapshot struct {
	Component         string          `json:"component"`
	ExportedAt        string          `json:"exported_at"`
	AssemblyLatency   latencySummary  `json:"assembly_latency"`
	IncompleteTotal   float64         `json:"incomplete_assembly_total"`
	CPRFailedTotal    float64         `json:"cpr_failed_total"`
	MalformedTotal    float64         `json:"malformed_frame_total"`
}

func (c *Collector) writeSnapshot() {
	c.mu.Lock()
	sum := summarize(c.latencies)
	c.mu.Unlock()

	snap := snapshot{
		Component:       c.cfg.Component,
		ExportedAt:      time.Now().UTC().Format(time.RFC3339),
		AssemblyLatency: sum,
		IncompleteTotal: counterValue(c.incompleteTotal),
		CPRFailedTotal:  counterValue(c.cprFailedTotal),
		MalformedTotal:  counterValue(c.malformedTotal),
	}

	dir := c.cfg.MetricsDir
	if dir == "" {
		dir = "tmp/metrics"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s_snapshot_%s.json", c.cfg.Component, time.Now().UTC().Format("20060102_150405"))
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// counterValue reads a prometheus.Counter's current value without going
// through the HTTP exposition format.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

// RunResourceSampler is component G's CPU%/RSS and TCP-counter sampler
// (spec.md §4.7). It samples every 5s until ctx is cancelled; TCP counters
// read zero on platforms without /proc/net/netstat, matching "zero/
// unavailable on other platforms".
func (c *Collector) RunResourceSampler(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	fs, fsErr := procfs.NewDefaultFS()
	proc, procErr := procfs.NewProc(os.Getpid())

	var lastCPU float64
	var lastSample time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now()

			if procErr == nil {
				if stat, err := proc.Stat(); err == nil {
					cpuSecs := stat.CPUTime()
					if !lastSample.IsZero() {
						elapsed := now.Sub(lastSample).Seconds()
						if elapsed > 0 {
							c.cpuPercent.Set(100 * (cpuSecs - lastCPU) / elapsed)
						}
					}
					lastCPU = cpuSecs
					c.rssMB.Set(float64(stat.ResidentMemory()) / (1024 * 1024))
				}
			}
			lastSample = now

			if fsErr == nil {
				if stats, err := fs.NetStat(); err == nil {
					for _, group := range stats {
						if v, ok := group.Stats["RetransSegs"]; ok {
							c.tcpRetransmits.Set(v)
						}
						if v, ok := group.Stats["OutOfOrderPkts"]; ok {
							c.tcpOutOfOrder.Set(v)
						}
					}
				}
			}

			_ = runtime.NumGoroutine() // reserved for a future goroutine-count gauge
		}
	}
}
