package executor

import (
	"sync"
	"time"

	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/timeutil"
)

// LogSink logs tick status at most once per interval. Changes of the safety
// flag and of the active plan are logged immediately, as is the first tick
// of every stretch the monitor could not evaluate.
type LogSink struct {
	clock    timeutil.Clock
	interval time.Duration

	mu       sync.Mutex
	last     time.Time
	havePrev bool
	prev     replan.Status
}

// NewLogSink creates a LogSink. clock may be nil.
func NewLogSink(clock timeutil.Clock, interval time.Duration) *LogSink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LogSink{clock: clock, interval: interval}
}

// Publish implements Sink.
func (s *LogSink) Publish(st replan.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	prev, have := s.prev, s.havePrev
	s.prev, s.havePrev = st, true

	switch {
	case !st.Evaluated:
		if have && !prev.Evaluated && prev.Reason == st.Reason && prev.PlanID == st.PlanID {
			return
		}
		if st.PlanID == "" {
			logf("safety not evaluated (%s), reporting unsafe", st.Reason)
		} else {
			logf("safety not evaluated for plan %s at t=%.2fs (%s), reporting unsafe", st.PlanID, st.Elapsed, st.Reason)
		}
	case !have || st.PlanID != prev.PlanID:
		logf("tracking plan %s (%.2fs)", st.PlanID, st.Duration)
		s.logStatus(st)
	case !prev.Evaluated:
		logf("safety evaluation resumed at t=%.2fs", st.Elapsed)
		s.logStatus(st)
	case st.Safe != prev.Safe:
		if st.Safe {
			logf("vehicle SAFE again at t=%.2fs, verified to %.2fs", st.Elapsed, st.Progress)
		} else {
			logf("vehicle UNSAFE at t=%.2fs: speed %.2f m/s needs %.2f m to stop, verified only to %.2fs",
				st.Elapsed, st.Speed, st.StoppingDistance, st.Progress)
		}
	case now.Sub(s.last) >= s.interval:
		s.logStatus(st)
	default:
		return
	}
	s.last = now
}

func (s *LogSink) logStatus(st replan.Status) {
	logf("t=%.2f/%.2fs progress=%.2fs safe=%t speed=%.2f stop=%.2fm thrust=%.2f tilt=%.1f pitch=%.1f roll=%.1f rate=%.2f",
		st.Elapsed, st.Duration, st.Progress, st.Safe, st.Speed, st.StoppingDistance,
		st.Attitude.Thrust, st.Attitude.TiltDeg, st.Attitude.PitchDeg, st.Attitude.RollDeg, st.Attitude.BodyRateMag)
}

// Latest keeps the most recent status for readers such as the HTTP API.
type Latest struct {
	mu sync.RWMutex
	st replan.Status
	ok bool
}

// Publish implements Sink.
func (l *Latest) Publish(st replan.Status) {
	l.mu.Lock()
	l.st, l.ok = st, true
	l.mu.Unlock()
}

// Get returns the latest status, if any.
func (l *Latest) Get() (replan.Status, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st, l.ok
}
