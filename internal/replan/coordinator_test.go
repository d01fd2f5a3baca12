package replan

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/pathguard/internal/geom"
	"github.com/banshee-data/pathguard/internal/planner"
	"github.com/banshee-data/pathguard/internal/safety"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"github.com/banshee-data/pathguard/internal/trajectory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

type fakeMap struct {
	occupied map[r3.Vec]bool
	ingests  int
}

func (m *fakeMap) Ingest(points []r3.Vec) (int, error) {
	m.ingests++
	return len(points), nil
}

func (m *fakeMap) Occupied(p r3.Vec) bool { return m.occupied[p] }

func (m *fakeMap) OccupiedCount() int { return len(m.occupied) }

func (m *fakeMap) Contains(p r3.Vec) bool {
	return math.Abs(p.X) <= 10 && math.Abs(p.Y) <= 10 && p.Z >= 0 && p.Z <= 5
}

func (m *fakeMap) GoalFromPose(x, y, oz float64) r3.Vec {
	return r3.Vec{X: x, Y: y, Z: 1 + math.Abs(oz)}
}

// fakePlanner builds a straight rest-to-rest trajectory unless fn overrides it.
type fakePlanner struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, start, goal r3.Vec) (planner.Result, error)
}

func (p *fakePlanner) Plan(ctx context.Context, start, goal r3.Vec) (planner.Result, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, call, start, goal)
	}
	return straight(start, goal)
}

func (p *fakePlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func straight(start, goal r3.Vec) (planner.Result, error) {
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

// follow reports the vehicle exactly on the trajectory, facing along it.
type follow struct{}

func (follow) Sample(traj trajectory.Trajectory, elapsed float64) (Telemetry, error) {
	v := traj.Velocity(elapsed)
	return Telemetry{
		Orientation: geom.FromYaw(math.Atan2(v.Y, v.X)),
		Position:    traj.Position(elapsed),
		Speed:       r3.Norm(v),
	}, nil
}

type failingSource struct{}

func (failingSource) Sample(trajectory.Trajectory, float64) (Telemetry, error) {
	return Telemetry{}, errors.New("no telemetry")
}

type recorder struct {
	mu      sync.Mutex
	records []PlanRecord
}

func (r *recorder) ObservePlan(rec PlanRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		out = append(out, rec.Outcome)
	}
	return out
}

var (
	pA = r3.Vec{X: 0, Y: 0, Z: 1}
	pB = r3.Vec{X: 4, Y: 0, Z: 1}
	pC = r3.Vec{X: 4, Y: 4, Z: 1}
	pD = r3.Vec{X: 0, Y: 4, Z: 1}
	pX = r3.Vec{X: 2, Y: 2, Z: 1} // occupied
)

type harness struct {
	c     *Coordinator
	m     *fakeMap
	p     *fakePlanner
	clock *timeutil.MockClock
	rec   *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		m:     &fakeMap{occupied: map[r3.Vec]bool{pX: true}},
		p:     &fakePlanner{},
		clock: timeutil.NewMockClock(time.Unix(1000, 0)),
		rec:   &recorder{},
	}
	h.c = New(h.m, h.p, safety.NewMonitor(safety.DefaultConfig()), Options{Clock: h.clock, Observer: h.rec})
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	_, err := h.c.HandleMap([]r3.Vec{pX})
	require.NoError(t, err)
}

func (h *harness) install(t *testing.T, start, goal r3.Vec) Plan {
	t.Helper()
	require.NoError(t, h.c.HandleGoal(start))
	require.NoError(t, h.c.HandleGoal(goal))
	h.c.Wait()
	plan, ok := h.c.Active()
	require.True(t, ok, "plan not installed")
	return plan
}

func TestHandleGoal_BeforeMap(t *testing.T) {
	h := newHarness(t)
	err := h.c.HandleGoal(pA)
	assert.ErrorIs(t, err, ErrMapNotReady)
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestHandleMap_OneShot(t *testing.T) {
	h := newHarness(t)

	n, err := h.c.HandleMap([]r3.Vec{pX, pA})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	snap := h.c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 1, snap.Occupied)

	n, err = h.c.HandleMap([]r3.Vec{pB})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.m.ingests)
}

func TestScenarioC_OccupiedGoalRejected(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	err := h.c.HandleGoal(pX)
	assert.ErrorIs(t, err, ErrInfeasibleGoal)
	assert.Equal(t, 0, h.c.Snapshot().Goals)

	require.NoError(t, h.c.HandleGoal(pA))
	for _, bad := range []r3.Vec{pX, {X: 50}, {X: math.NaN()}} {
		assert.ErrorIs(t, h.c.HandleGoal(bad), ErrInfeasibleGoal, "goal %v", bad)
	}
	assert.Equal(t, 1, h.c.Snapshot().Goals)

	h.c.Wait()
	assert.Equal(t, 0, h.p.Calls())
}

func TestScenarioC_RejectedThirdGoalKeepsPair(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.install(t, pA, pB)

	assert.ErrorIs(t, h.c.HandleGoal(pX), ErrInfeasibleGoal)
	assert.Equal(t, 2, h.c.Snapshot().Goals)
	assert.Equal(t, 1, h.p.Calls())
}

func TestScenarioD_PairTriggersOnePlan(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	require.NoError(t, h.c.HandleGoal(pA))
	h.c.Wait()
	assert.Equal(t, 0, h.p.Calls())

	require.NoError(t, h.c.HandleGoal(pB))
	h.c.Wait()
	assert.Equal(t, 1, h.p.Calls())

	plan, ok := h.c.Active()
	require.True(t, ok)
	assert.Equal(t, pA, plan.Start)
	assert.Equal(t, pB, plan.Goal)
	assert.Equal(t, h.clock.Now(), plan.StartedAt)
	assert.NotEmpty(t, plan.ID)

	snap := h.c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, plan.ID, snap.PlanID)
	assert.Equal(t, 0.0, snap.Progress)
	assert.False(t, snap.Safe)
	assert.Equal(t, []string{OutcomeInstalled}, h.rec.outcomes())
}

func TestScenarioD_FailureKeepsPreviousPlan(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	first := h.install(t, pA, pB)

	h.clock.Advance(time.Second)
	st, ok := h.c.Tick(follow{})
	require.True(t, ok)
	require.Greater(t, st.Progress, 0.0)
	before := h.c.Snapshot()

	h.p.fn = func(context.Context, int, r3.Vec, r3.Vec) (planner.Result, error) {
		return planner.Result{}, planner.ErrInfeasible
	}
	require.NoError(t, h.c.HandleGoal(pC))
	require.NoError(t, h.c.HandleGoal(pD))
	h.c.Wait()

	assert.Equal(t, 2, h.p.Calls())
	plan, ok := h.c.Active()
	require.True(t, ok)
	assert.Equal(t, first.ID, plan.ID)
	assert.Equal(t, first.StartedAt, plan.StartedAt)

	after := h.c.Snapshot()
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Safe, after.Safe)
	assert.Equal(t, StateReady, after.State)
	assert.Equal(t, []string{OutcomeInstalled, OutcomeFailed}, h.rec.outcomes())
}

func TestNonFiniteCostIsFailure(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.p.fn = func(_ context.Context, _ int, start, goal r3.Vec) (planner.Result, error) {
		res, err := straight(start, goal)
		res.Cost = math.Inf(1)
		return res, err
	}

	require.NoError(t, h.c.HandleGoal(pA))
	require.NoError(t, h.c.HandleGoal(pB))
	h.c.Wait()

	_, ok := h.c.Active()
	assert.False(t, ok)
	assert.Equal(t, []string{OutcomeFailed}, h.rec.outcomes())
}

func TestThirdGoalStartsFreshPair(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.install(t, pA, pB)

	require.NoError(t, h.c.HandleGoal(pC))
	assert.Equal(t, 1, h.c.Snapshot().Goals)
	h.c.Wait()
	assert.Equal(t, 1, h.p.Calls())

	require.NoError(t, h.c.HandleGoal(pD))
	h.c.Wait()
	plan, _ := h.c.Active()
	assert.Equal(t, pC, plan.Start)
	assert.Equal(t, pD, plan.Goal)
}

func TestSupersededPlanIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	release := make(chan struct{})
	started := make(chan struct{})
	h.p.fn = func(ctx context.Context, call int, start, goal r3.Vec) (planner.Result, error) {
		if call == 1 {
			close(started)
			<-release
			// the old attempt finishes successfully even though it was cancelled
			return straight(start, goal)
		}
		return straight(start, goal)
	}

	require.NoError(t, h.c.HandleGoal(pA))
	require.NoError(t, h.c.HandleGoal(pB))
	<-started
	assert.Equal(t, StateArmed, h.c.Snapshot().State)

	require.NoError(t, h.c.HandleGoal(pC))
	require.NoError(t, h.c.HandleGoal(pD))

	// let the newer plan land first, then release the stale one
	require.Eventually(t, func() bool {
		_, ok := h.c.Active()
		return ok
	}, 2*time.Second, time.Millisecond)
	close(release)
	h.c.Wait()

	plan, ok := h.c.Active()
	require.True(t, ok)
	assert.Equal(t, pC, plan.Start)
	assert.Equal(t, pD, plan.Goal)
	assert.ElementsMatch(t, []string{OutcomeInstalled, OutcomeSuperseded}, h.rec.outcomes())
}

func TestTickContinuesWhilePlanning(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	first := h.install(t, pA, pB)

	release := make(chan struct{})
	h.p.fn = func(_ context.Context, _ int, start, goal r3.Vec) (planner.Result, error) {
		<-release
		return straight(start, goal)
	}
	require.NoError(t, h.c.HandleGoal(pC))
	require.NoError(t, h.c.HandleGoal(pD))

	h.clock.Advance(500 * time.Millisecond)
	st, ok := h.c.Tick(follow{})
	assert.True(t, ok)
	assert.Equal(t, first.ID, st.PlanID)

	close(release)
	h.c.Wait()
	plan, _ := h.c.Active()
	assert.NotEqual(t, first.ID, plan.ID)
}

func TestTickGuards(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	st, ok := h.c.Tick(follow{})
	assert.False(t, ok, "tick with no plan")
	assert.False(t, st.Evaluated)
	assert.False(t, st.Safe)
	assert.Equal(t, ReasonNoPlan, st.Reason)
	assert.Equal(t, h.clock.Now(), st.Time)

	plan := h.install(t, pA, pB)
	st, ok = h.c.Tick(follow{})
	assert.False(t, ok, "tick at elapsed 0")
	assert.Equal(t, ReasonNotStarted, st.Reason)
	assert.Equal(t, plan.ID, st.PlanID)

	h.clock.Advance(time.Second)
	st, ok = h.c.Tick(failingSource{})
	assert.False(t, ok, "tick without telemetry")
	assert.False(t, st.Safe)
	assert.Equal(t, "no telemetry", st.Reason)
	assert.Equal(t, plan.ID, st.PlanID)

	st, ok = h.c.Tick(follow{})
	require.True(t, ok)
	assert.True(t, st.Evaluated)
	assert.Empty(t, st.Reason)
	assert.Equal(t, plan.ID, st.PlanID)
	assert.InDelta(t, 1.0, st.Elapsed, 1e-9)
	assert.InDelta(t, 4.0, st.Duration, 1e-9)
	assert.GreaterOrEqual(t, st.Progress, st.Elapsed)
	assert.True(t, st.Safe)
	assert.Greater(t, st.Speed, 0.0)
	assert.InDelta(t, st.Speed*st.Speed/(2*safety.DefaultConfig().MaxDecel), st.StoppingDistance, 1e-12)

	// a previously safe plan is reported unsafe once telemetry fails
	st, ok = h.c.Tick(failingSource{})
	assert.False(t, ok)
	assert.False(t, st.Safe)

	h.clock.Advance(3 * time.Second)
	st, ok = h.c.Tick(follow{})
	assert.False(t, ok, "tick at elapsed == T")
	assert.False(t, st.Safe)
	assert.Equal(t, ReasonFinished, st.Reason)
	assert.InDelta(t, 4.0, st.Elapsed, 1e-9)
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	h.ready(t)
	h.install(t, pA, pB)
	h.clock.Advance(time.Second)
	st, ok := h.c.Tick(follow{})
	require.True(t, ok)
	require.True(t, st.Safe)

	h.c.Abort()

	_, ok = h.c.Active()
	assert.False(t, ok)
	snap := h.c.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 0, snap.Goals)
	assert.Equal(t, 0.0, snap.Progress)
	assert.False(t, snap.Safe)

	st, ok = h.c.Tick(follow{})
	assert.False(t, ok)
	assert.False(t, st.Safe, "aborted plan must not stay safe")
	assert.Empty(t, st.PlanID)
	assert.Equal(t, ReasonNoPlan, st.Reason)
}

func TestHandlePoseGoal(t *testing.T) {
	h := newHarness(t)
	h.ready(t)

	p, err := h.c.HandlePoseGoal(1, 2, -0.5)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 1.5}, p)
	assert.Equal(t, 1, h.c.Snapshot().Goals)
}
