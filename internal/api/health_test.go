package api

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/banshee-data/pathguard/internal/executor"
	"github.com/banshee-data/pathguard/internal/planner"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/safety"
	"github.com/banshee-data/pathguard/internal/serialmux"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"github.com/banshee-data/pathguard/internal/voxelmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// straightPlanner flies a 4 s rest-to-rest line between the goals.
type straightPlanner struct{}

func (straightPlanner) Plan(_ context.Context, start, goal r3.Vec) (planner.Result, error) {
	piece, err := trajectory.RestToRest(start, goal, 4)
	if err != nil {
		return planner.Result{}, err
	}
	tr, err := trajectory.New(piece)
	if err != nil {
		return planner.Result{}, err
	}
	return planner.Result{Trajectory: tr, Cost: 100}, nil
}

func poseLine(p, v r3.Vec) string {
	return fmt.Sprintf(`{"q":[1,0,0,0],"p":[%g,%g,%g],"v":[%g,%g,%g]}`, p.X, p.Y, p.Z, v.X, v.Y, v.Z)
}

func TestHealthPublisher_TracksLoop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	vm, err := voxelmap.New(voxelmap.Config{Bound: [6]float64{0, 10, 0, 10, 0, 3}, VoxelWidth: 0.5, DilateRadius: 0.5})
	require.NoError(t, err)
	coord := replan.New(vm, straightPlanner{}, safety.NewMonitor(safety.DefaultConfig()), replan.Options{Clock: clock})
	t.Cleanup(coord.Close)

	_, err = coord.HandleMap([]r3.Vec{{X: 8, Y: 8, Z: 1}})
	require.NoError(t, err)
	require.NoError(t, coord.HandleGoal(r3.Vec{X: 1, Y: 1, Z: 1}))
	require.NoError(t, coord.HandleGoal(r3.Vec{X: 5, Y: 1, Z: 1}))
	coord.Wait()
	plan, ok := coord.Active()
	require.True(t, ok, "plan not installed")

	src := serialmux.NewPoseSource(clock, 100*time.Millisecond)
	latest := &executor.Latest{}
	h := NewHealthPublisher()
	loop := executor.NewLoop(executor.LoopConfig{
		Ticker: coord,
		Source: src,
		Sinks:  []executor.Sink{latest, h},
		Clock:  clock,
	})

	report := func(elapsed float64) {
		t.Helper()
		traj := plan.Trajectory
		require.NoError(t, src.HandleLine(poseLine(traj.Position(elapsed), traj.Velocity(elapsed))))
	}

	// fresh telemetry on the trajectory, facing along it
	clock.Advance(time.Second)
	report(1)
	st, ok := loop.Step()
	require.True(t, ok)
	require.True(t, st.Safe)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, h))

	// telemetry stops arriving
	clock.Advance(200 * time.Millisecond)
	st, ok = loop.Step()
	assert.False(t, ok)
	assert.False(t, st.Safe)
	assert.Equal(t, serialmux.ErrStaleTelemetry.Error(), st.Reason)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, h))
	got, _ := latest.Get()
	assert.False(t, got.Safe, "status API must not keep the last safe tick")
	assert.Equal(t, plan.ID, got.PlanID)

	// telemetry resumes
	report(1.2)
	_, ok = loop.Step()
	require.True(t, ok)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, h))

	coord.Abort()
	st, ok = loop.Step()
	assert.False(t, ok)
	assert.False(t, st.Safe)
	assert.Equal(t, replan.ReasonNoPlan, st.Reason)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, h))
	got, _ = latest.Get()
	assert.False(t, got.Safe)
	assert.Empty(t, got.PlanID)
}

func TestHealthPublisher_FinishedPlan(t *testing.T) {
	h := NewHealthPublisher()
	h.Publish(replan.Status{PlanID: "p", Safe: true, Evaluated: true})
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, h))

	h.Publish(replan.Status{PlanID: "p", Elapsed: 4, Duration: 4, Reason: replan.ReasonFinished})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, h))

	// a status that claims safety without an evaluation is not trusted
	h.Publish(replan.Status{PlanID: "p", Safe: true})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, h))
}
