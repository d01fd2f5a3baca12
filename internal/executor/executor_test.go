package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/pathguard/internal/flatness"
	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/planner"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/safety"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"github.com/banshee-data/pathguard/internal/voxelmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

type fakeTicker struct {
	mu    sync.Mutex
	calls int
	ok    bool
}

func (f *fakeTicker) Tick(replan.TelemetrySource) (replan.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return replan.Status{PlanID: "p1", Elapsed: float64(f.calls), Safe: true, Evaluated: f.ok}, f.ok
}

type collector struct {
	mu  sync.Mutex
	got []replan.Status
}

func (c *collector) Publish(st replan.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, st)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func captureLogs(t *testing.T) func() []string {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func TestIntervalFromHz(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, IntervalFromHz(200))
	assert.Equal(t, time.Millisecond, IntervalFromHz(1000))
	assert.Equal(t, 5*time.Millisecond, IntervalFromHz(0))
}

func TestStep(t *testing.T) {
	ft := &fakeTicker{ok: true}
	sink := &collector{}
	var fn []replan.Status
	l := NewLoop(LoopConfig{
		Ticker: ft,
		Sinks:  []Sink{sink, SinkFunc(func(st replan.Status) { fn = append(fn, st) })},
	})

	st, ok := l.Step()
	require.True(t, ok)
	assert.Equal(t, "p1", st.PlanID)
	assert.Equal(t, 1, sink.len())
	assert.Len(t, fn, 1)

	ft.ok = false
	st, ok = l.Step()
	assert.False(t, ok)
	assert.False(t, st.Safe, "unevaluated tick is reported unsafe")
	assert.False(t, st.Time.IsZero())
	require.Equal(t, 2, sink.len(), "unevaluated tick is still published")
	assert.False(t, sink.got[1].Safe)
	assert.False(t, sink.got[1].Evaluated)
	assert.Len(t, fn, 2)
	assert.Equal(t, uint64(2), l.Ticks())
}

func TestRun_MockClock(t *testing.T) {
	captureLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ft := &fakeTicker{ok: true}
	sink := &collector{}
	l := NewLoop(LoopConfig{Ticker: ft, Sinks: []Sink{sink}, Interval: 5 * time.Millisecond, Clock: clock})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Millisecond)
		return sink.len() >= 3
	}, 2*time.Second, time.Millisecond)
	assert.True(t, l.IsRunning())

	l.Stop()
	require.NoError(t, <-done)
	assert.False(t, l.IsRunning())
	l.Stop() // second stop is a no-op
}

func TestRun_ContextCancel(t *testing.T) {
	captureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLoop(LoopConfig{Ticker: &fakeTicker{}, Interval: time.Hour, Clock: timeutil.NewMockClock(time.Unix(0, 0))})
	assert.NoError(t, l.Run(ctx))
	assert.False(t, l.IsRunning())
}

func TestRun_ZeroInterval(t *testing.T) {
	logs := captureLogs(t)
	l := NewLoop(LoopConfig{Ticker: &fakeTicker{}})
	assert.NoError(t, l.Run(context.Background()))
	assert.Contains(t, strings.Join(logs(), "\n"), "not starting")
}

func TestFollowSource(t *testing.T) {
	piece, err := trajectory.RestToRest(r3.Vec{}, r3.Vec{X: 4}, 4)
	require.NoError(t, err)
	tr, err := trajectory.New(piece)
	require.NoError(t, err)

	src := FollowSource{Flat: flatness.New(0.61, 9.8)}
	tel, err := src.Sample(tr, 2)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, tel.Position.X, 1e-9)
	assert.InDelta(t, 1.875, tel.Speed, 1e-9)
	// zero acceleration at the midpoint: level and facing +x
	h := geom.Boresight(tel.Orientation)
	assert.InDelta(t, 1.0, h.X, 1e-9)
	assert.InDelta(t, 0.0, tel.Attitude.TiltDeg, 1e-6)
	assert.InDelta(t, 0.61*9.8, tel.Attitude.Thrust, 1e-9)
}

func TestLogSink(t *testing.T) {
	logs := captureLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := NewLogSink(clock, time.Second)

	s.Publish(replan.Status{PlanID: "a", Safe: true, Evaluated: true})
	assert.Len(t, logs(), 2, "first status logs the plan and the status")

	clock.Advance(100 * time.Millisecond)
	s.Publish(replan.Status{PlanID: "a", Safe: true, Evaluated: true})
	assert.Len(t, logs(), 2, "throttled")

	clock.Advance(100 * time.Millisecond)
	s.Publish(replan.Status{PlanID: "a", Safe: false, Evaluated: true, Speed: 3, StoppingDistance: 1.1})
	require.Len(t, logs(), 3)
	assert.Contains(t, logs()[2], "UNSAFE")
	assert.Contains(t, logs()[2], "1.10 m to stop")

	clock.Advance(100 * time.Millisecond)
	s.Publish(replan.Status{PlanID: "a", Safe: true, Evaluated: true})
	require.Len(t, logs(), 4)
	assert.Contains(t, logs()[3], "SAFE again")

	clock.Advance(time.Second)
	s.Publish(replan.Status{PlanID: "a", Safe: true, Evaluated: true, StoppingDistance: 0.5})
	require.Len(t, logs(), 5, "interval elapsed")
	assert.Contains(t, logs()[4], "stop=0.50m")

	s.Publish(replan.Status{PlanID: "b", Safe: true, Evaluated: true})
	assert.Len(t, logs(), 7, "new plan logs immediately")
}

func TestLogSink_Unevaluated(t *testing.T) {
	logs := captureLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := NewLogSink(clock, time.Second)

	s.Publish(replan.Status{Reason: replan.ReasonNoPlan})
	require.Len(t, logs(), 1)
	assert.Contains(t, logs()[0], "not evaluated (no plan installed)")
	s.Publish(replan.Status{Reason: replan.ReasonNoPlan})
	assert.Len(t, logs(), 1, "repeated reason is not logged again")

	s.Publish(replan.Status{PlanID: "a", Safe: true, Evaluated: true})
	require.Len(t, logs(), 3)
	assert.Contains(t, logs()[1], "tracking plan a")

	s.Publish(replan.Status{PlanID: "a", Elapsed: 1.5, Reason: "telemetry is stale"})
	require.Len(t, logs(), 4)
	assert.Contains(t, logs()[3], "plan a at t=1.50s (telemetry is stale)")

	s.Publish(replan.Status{PlanID: "a", Elapsed: 1.6, Safe: true, Evaluated: true})
	require.Len(t, logs(), 6)
	assert.Contains(t, logs()[4], "resumed")

	s.Publish(replan.Status{PlanID: "a", Elapsed: 4, Reason: replan.ReasonFinished})
	require.Len(t, logs(), 7)
	assert.Contains(t, logs()[6], "plan finished")
}

func TestLatest(t *testing.T) {
	var l Latest
	_, ok := l.Get()
	assert.False(t, ok)
	l.Publish(replan.Status{PlanID: "x"})
	st, ok := l.Get()
	assert.True(t, ok)
	assert.Equal(t, "x", st.PlanID)
}

// End to end: real map, planner and coordinator driven by the loop.
func TestLoop_EndToEnd(t *testing.T) {
	captureLogs(t)
	m, err := voxelmap.New(voxelmap.Config{Bound: [6]float64{0, 10, 0, 10, 0, 3}, VoxelWidth: 0.5, DilateRadius: 0.5})
	require.NoError(t, err)
	flat := flatness.New(0.61, 9.8)
	p := planner.New(planner.DefaultConfig(), m, flat)
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	c := replan.New(m, p, safety.NewMonitor(safety.DefaultConfig()), replan.Options{Clock: clock})
	t.Cleanup(c.Close)

	_, err = c.HandleMap([]r3.Vec{{X: 5.1, Y: 8.1, Z: 1.1}})
	require.NoError(t, err)
	assert.Equal(t, 27, c.Snapshot().Occupied, "one voxel dilated by one cell")
	require.NoError(t, c.HandleGoal(r3.Vec{X: 1.1, Y: 1.1, Z: 1.1}))
	require.NoError(t, c.HandleGoal(r3.Vec{X: 8.1, Y: 1.1, Z: 1.1}))
	c.Wait()
	plan, ok := c.Active()
	require.True(t, ok, "plan not installed")

	sink := &collector{}
	l := NewLoop(LoopConfig{Ticker: c, Source: FollowSource{Flat: flat}, Sinks: []Sink{sink}, Clock: clock})

	last := 0.0
	for i := 0; i < 1000; i++ {
		clock.Advance(20 * time.Millisecond)
		st, ok := l.Step()
		if !ok {
			assert.False(t, st.Safe)
			assert.Equal(t, replan.ReasonFinished, st.Reason)
			break
		}
		assert.True(t, st.Evaluated)
		assert.GreaterOrEqual(t, st.Progress, last, "progress regressed at tick %d", i)
		assert.GreaterOrEqual(t, st.Progress, st.Elapsed)
		assert.False(t, math.IsNaN(st.Progress))
		last = st.Progress
	}
	assert.Greater(t, sink.len(), 10)
	assert.Less(t, last, plan.Trajectory.TotalDuration()+1e-9)
}
