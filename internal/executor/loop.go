// Package executor runs the fixed-rate control loop: every tick it asks the
// coordinator to evaluate the active trajectory against fresh telemetry and
// fans the resulting status out to the configured sinks.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/timeutil"
)

var logf = monitoring.Prefixed("executor")

// Ticker evaluates one control tick. *replan.Coordinator implements it.
type Ticker interface {
	Tick(src replan.TelemetrySource) (replan.Status, bool)
}

// Sink receives the status of every tick, evaluated or not. Publish is
// called from the loop goroutine and must not block for long.
type Sink interface {
	Publish(replan.Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(replan.Status)

// Publish calls f(st).
func (f SinkFunc) Publish(st replan.Status) { f(st) }

// IntervalFromHz converts a loop rate into a tick interval. Non-positive
// rates fall back to 200 Hz.
func IntervalFromHz(hz float64) time.Duration {
	if hz <= 0 {
		hz = 200
	}
	return time.Duration(float64(time.Second) / hz)
}

// LoopConfig contains configuration for Loop.
type LoopConfig struct {
	Ticker   Ticker
	Source   replan.TelemetrySource
	Sinks    []Sink
	Interval time.Duration
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
}

// Loop drives Ticker at a fixed interval.
type Loop struct {
	ticker   Ticker
	source   replan.TelemetrySource
	sinks    []Sink
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticks   uint64
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) *Loop {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Loop{
		ticker:   cfg.Ticker,
		source:   cfg.Source,
		sinks:    append([]Sink(nil), cfg.Sinks...),
		interval: cfg.Interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Stop is called. It returns nil on a
// clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	done := l.doneCh
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(done)
	}()

	if l.interval <= 0 {
		logf("interval is zero or negative, not starting")
		return nil
	}

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	logf("control loop started: interval=%v", l.interval)

	for {
		select {
		case <-ctx.Done():
			logf("control loop stopping due to context cancellation")
			return nil
		case <-l.stopCh:
			logf("control loop stopping due to Stop() call")
			return nil
		case <-ticker.C():
			l.Step()
		}
	}
}

// Step runs a single tick and publishes its status. ok reports whether the
// monitor was evaluated; a tick that was not is still published, as unsafe,
// so sinks never hold on to an earlier safe status.
func (l *Loop) Step() (replan.Status, bool) {
	st, ok := l.ticker.Tick(l.source)
	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
	if !ok {
		st.Safe, st.Evaluated = false, false
		if st.Time.IsZero() {
			st.Time = l.clock.Now()
		}
	}
	for _, s := range l.sinks {
		s.Publish(st)
	}
	return st, ok
}

// Stop requests the loop to stop and waits for it. It is safe to call
// multiple times.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	done := l.doneCh
	l.mu.Unlock()

	<-done
}

// IsRunning returns whether the loop is currently running.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Ticks returns the number of ticks attempted so far.
func (l *Loop) Ticks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}
