// Package resilient centralizes the reconnect-with-backoff pattern that
// both the frame source (A) and the durable subscriber (E) need, per the
// Design Note in spec.md §9 ("Ad-hoc reconnection loops scattered across
// files: centralize into a single resilient stream abstraction
// parameterized by a connect() factory and a backoff policy"). It wraps
// github.com/cenkalti/backoff/v5, the same exponential-backoff library the
// teacher already pulls in transitively through its OTLP exporter.
package resilient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes the reconnect backoff: starting delay, cap, and
// multiplier. Matches spec.md §4.1 (500ms start, 10s cap, reset on
// success).
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy is the policy spec.md §4.1 mandates for the frame source
// and, by extension, the subscriber client (§4.5: "same backoff policy as
// A").
var DefaultPolicy = Policy{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}

func (p Policy) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	return eb
}

// Stream runs connect() to obtain a live connection of type T, hands it to
// serve() to drive until serve returns (normal loss or error), and then
// reconnects with exponential backoff that resets to Initial on every
// successful connect. It runs until ctx is cancelled, at which point it
// closes the current connection (via closeFn, if non-nil) and returns.
//
// serve should block for the life of the connection and return nil or an
// error when the connection is lost; Stream treats any return as "lost,
// reconnect".
func Stream[T any](
	ctx context.Context,
	policy Policy,
	connect func(ctx context.Context) (T, error),
	serve func(ctx context.Context, conn T) error,
	closeFn func(T),
	onReconnectDelay func(delay time.Duration, err error),
) {
	b := policy.newBackOff()
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := connect(ctx)
		if err != nil {
			delay := b.NextBackOff()
			if onReconnectDelay != nil {
				onReconnectDelay(delay, err)
			}
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Reset backoff on every successful connect (spec.md §4.1).
		b = policy.newBackOff()

		serveErr := serve(ctx, conn)
		if closeFn != nil {
			closeFn(conn)
		}
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		if onReconnectDelay != nil {
			onReconnectDelay(delay, serveErr)
		}
		if !sleep(ctx, delay) {
			return
		}
	}
}

// sleep waits for d or ctx cancellation (interruptible backoff, per
// spec.md §5). Returns false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Supervise restarts task with exponential backoff whenever it returns an
// error (or panics), per spec.md §7: "three faults within 60s escalate to
// process exit". onEscalate is invoked (and Supervise returns) once that
// threshold is crossed.
func Supervise(ctx context.Context, name string, task func(ctx context.Context) error, onFault func(name string, err error), onEscalate func(name string)) {
	const window = 60 * time.Second
	const maxFaults = 3
	var faults []time.Time
	b := DefaultPolicy.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}
		err := runGuarded(ctx, task)
		if err == nil {
			return
		}
		now := time.Now()
		faults = append(faults, now)
		cut := now.Add(-window)
		kept := faults[:0]
		for _, f := range faults {
			if f.After(cut) {
				kept = append(kept, f)
			}
		}
		faults = kept
		if onFault != nil {
			onFault(name, err)
		}
		if len(faults) >= maxFaults {
			if onEscalate != nil {
				onEscalate(name)
			}
			return
		}
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func runGuarded(ctx context.Context, task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{r}
		}
	}()
	return task(ctx)
}

type panicError struct{ v interface{} }

func (p *panicError) Error() string { return "panic: " + toString(p.v) }

func toString(v interface{}) string {
	if e, ok := v.(error); ok {
		return e.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
