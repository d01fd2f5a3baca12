package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

// ProgressSample is one stored tick status.
type ProgressSample struct {
	PlanID   string    `json:"plan_id"`
	Time     time.Time `json:"time"`
	Elapsed  float64   `json:"elapsed_s"`
	Progress float64   `json:"progress_s"`
	Safe     bool      `json:"safe"`
	Speed    float64   `json:"speed"`
	Position r3.Vec    `json:"position"`
	Thrust   float64   `json:"thrust"`
	TiltDeg  float64   `json:"tilt_deg"`
}

// RecordStatus stores a tick status.
func (db *DB) RecordStatus(st replan.Status) error {
	safe := 0
	if st.Safe {
		safe = 1
	}
	_, err := db.Exec(`INSERT INTO progress_samples (
			plan_id, ts, elapsed_s, progress_s, safe, speed, pos_x, pos_y, pos_z, thrust, tilt_deg
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.PlanID, st.Time.UnixNano(), st.Elapsed, st.Progress, safe, st.Speed,
		st.Position.X, st.Position.Y, st.Position.Z,
		nullFloat(st.Attitude.Thrust), nullFloat(st.Attitude.TiltDeg),
	)
	if err != nil {
		return fmt.Errorf("failed to record progress for plan %s: %w", st.PlanID, err)
	}
	return nil
}

// ProgressForPlan returns the samples of one plan ordered by elapsed time.
func (db *DB) ProgressForPlan(planID string) ([]ProgressSample, error) {
	rows, err := db.Query(`SELECT plan_id, ts, elapsed_s, progress_s, safe, speed,
			pos_x, pos_y, pos_z, COALESCE(thrust, 0), COALESCE(tilt_deg, 0)
		FROM progress_samples WHERE plan_id = ? ORDER BY elapsed_s, sample_id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProgressSample
	for rows.Next() {
		var (
			s    ProgressSample
			ts   int64
			safe int
		)
		if err := rows.Scan(&s.PlanID, &ts, &s.Elapsed, &s.Progress, &safe, &s.Speed,
			&s.Position.X, &s.Position.Y, &s.Position.Z, &s.Thrust, &s.TiltDeg); err != nil {
			return nil, err
		}
		s.Time = time.Unix(0, ts).UTC()
		s.Safe = safe != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// ProgressSink records tick statuses at most once per interval per plan. A
// change of the safety flag is always recorded. Ticks the monitor did not
// evaluate are not stored; the first evaluated tick after them is.
type ProgressSink struct {
	db       *DB
	clock    timeutil.Clock
	interval time.Duration

	mu       sync.Mutex
	last     time.Time
	lastPlan string
	lastSafe bool
	dropped  uint64
}

// NewProgressSink creates a ProgressSink. clock may be nil.
func NewProgressSink(db *DB, clock timeutil.Clock, interval time.Duration) *ProgressSink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ProgressSink{db: db, clock: clock, interval: interval}
}

// Publish implements the executor sink interface.
func (p *ProgressSink) Publish(st replan.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !st.Evaluated || st.PlanID == "" {
		p.lastPlan = ""
		return
	}
	now := p.clock.Now()
	if st.PlanID == p.lastPlan && st.Safe == p.lastSafe && now.Sub(p.last) < p.interval {
		return
	}
	if err := p.db.RecordStatus(st); err != nil {
		p.dropped++
		logf("%v", err)
		return
	}
	p.last, p.lastPlan, p.lastSafe = now, st.PlanID, st.Safe
}

// Dropped returns the number of statuses that failed to store.
func (p *ProgressSink) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
