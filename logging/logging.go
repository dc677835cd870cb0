// Package logging implements component H: a per-component named logger
// writing to both stdout and a timestamped file under tmp/logs/, with a
// level configurable per component from the environment. Generalizes the
// teacher's single global log-level switch (monitoring.SetLogLevel) into a
// small per-component facade so components can be tested with a recording
// double instead of the process-wide logger.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a logging verbosity level.
type Level int32

const (
	LevelInfo Level = iota
	LevelDebug
)

func ParseLevel(s string) Level {
	if strings.EqualFold(strings.TrimSpace(s), "debug") {
		return LevelDebug
	}
	return LevelInfo
}

// Logger is the facade every component logs through. Tests substitute a
// recording implementation; production code uses *ComponentLogger.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebug() bool
}

// ComponentLogger writes UTC-timestamped, component-tagged lines to stdout
// and to tmp/logs/<component>_<YYYYMMDD_HHMMSS>.log.
type ComponentLogger struct {
	component string
	level     int32 // atomic Level
	out       io.Writer
	file      *os.File
	mu        sync.Mutex
}

var dir = "tmp/logs"

// SetLogDir overrides the log file directory (ADSB_LOG_DIR). Call before
// New for it to take effect.
func SetLogDir(d string) {
	if strings.TrimSpace(d) != "" {
		dir = d
	}
}

// New opens (creating tmp/logs/ if needed) a component logger at the given
// initial level. A file-open failure degrades to stdout-only rather than
// failing startup: logging is an ambient concern, not a fatal dependency.
// Unless level is already LevelDebug, a <COMPONENT>_LOG_LEVEL environment
// variable (e.g. SOURCE_LOG_LEVEL=debug) overrides it for this component.
func New(component string, level Level) *ComponentLogger {
	if v, ok := os.LookupEnv(strings.ToUpper(component) + "_LOG_LEVEL"); ok && level != LevelDebug {
		level = ParseLevel(v)
	}
	cl := &ComponentLogger{component: component, out: os.Stdout}
	atomic.StoreInt32(&cl.level, int32(level))

	if err := os.MkdirAll(dir, 0o755); err == nil {
		name := fmt.Sprintf("%s_%s.log", component, time.Now().UTC().Format("20060102_150405"))
		if f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			cl.file = f
			cl.out = io.MultiWriter(os.Stdout, f)
		}
	}
	return cl
}

func (c *ComponentLogger) Close() error {
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func (c *ComponentLogger) IsDebug() bool { return Level(atomic.LoadInt32(&c.level)) == LevelDebug }

func (c *ComponentLogger) SetLevel(l Level) { atomic.StoreInt32(&c.level, int32(l)) }

func (c *ComponentLogger) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s [%s] %s\n", ts, level, c.component, msg)
}

func (c *ComponentLogger) Infof(format string, args ...interface{}) { c.write("INFO", format, args...) }

func (c *ComponentLogger) Errorf(format string, args ...interface{}) {
	c.write("ERROR", format, args...)
}

func (c *ComponentLogger) Debugf(format string, args ...interface{}) {
	if c.IsDebug() {
		c.write("DEBUG", format, args...)
	}
}

// process-wide fallback logger used by code that predates per-component
// wiring (mirrors the teacher's package-level log.Printf usage).
func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

// NopLogger discards everything; useful as a test default.
type NopLogger struct{}

func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Errorf(string, ...interface{}) {}
func (NopLogger) IsDebug() bool                 { return false }
