package db

import (
	"bytes"
	"errors"
	"log"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/pathguard/internal/monitoring"
	"github.com/banshee-data/pathguard/internal/replan"
	"github.com/banshee-data/pathguard/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	d, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func tableExists(t *testing.T, d *DB, name string) bool {
	t.Helper()
	var n int
	if err := d.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n > 0
}

func TestNewDB_Pragmas(t *testing.T) {
	d := newTestDB(t)
	var mode string
	if err := d.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", mode)
	}
}

func TestMigrations(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	d, err := OpenDB(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer d.Close()

	if v, dirty, err := d.MigrateVersion(); err != nil || v != 0 || dirty {
		t.Fatalf("fresh database: version=%d dirty=%v err=%v", v, dirty, err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if latest != 2 {
		t.Fatalf("latest = %d, want 2", latest)
	}

	if err := d.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := d.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp should be a no-op: %v", err)
	}
	if v, _, _ := d.MigrateVersion(); v != latest {
		t.Errorf("version after up = %d, want %d", v, latest)
	}
	if !tableExists(t, d, "plans") || !tableExists(t, d, "progress_samples") {
		t.Fatal("tables missing after MigrateUp")
	}

	if err := d.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if v, _, _ := d.MigrateVersion(); v != 1 {
		t.Errorf("version after down = %d, want 1", v)
	}
	if tableExists(t, d, "progress_samples") {
		t.Error("progress_samples should be dropped")
	}
	if !tableExists(t, d, "plans") {
		t.Error("plans should survive one step down")
	}
}

func TestRecordPlan(t *testing.T) {
	d := newTestDB(t)
	base := time.Unix(1000, 0)

	installed := replan.PlanRecord{
		ID: "a", CreatedAt: base, Start: r3.Vec{X: 1}, Goal: r3.Vec{X: 5, Z: 1},
		Duration: 4.5, Cost: 120, Pieces: 2, Outcome: replan.OutcomeInstalled,
	}
	failed := replan.PlanRecord{
		ID: "b", CreatedAt: base.Add(time.Second), Goal: r3.Vec{Y: 2},
		Duration: math.NaN(), Cost: math.Inf(1), Outcome: replan.OutcomeFailed, Err: "no route",
	}
	for _, rec := range []replan.PlanRecord{installed, failed} {
		if err := d.RecordPlan(rec); err != nil {
			t.Fatalf("RecordPlan(%s): %v", rec.ID, err)
		}
	}
	if err := d.RecordPlan(installed); err == nil {
		t.Error("expected duplicate plan id to fail")
	}

	plans, err := d.ListPlans(0)
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != 2 || plans[0].ID != "b" || plans[1].ID != "a" {
		t.Fatalf("ListPlans order wrong: %+v", plans)
	}
	if plans[0].Cost != nil {
		t.Errorf("infinite cost should be stored as NULL, got %v", *plans[0].Cost)
	}
	if plans[0].Error != "no route" || plans[0].Outcome != replan.OutcomeFailed {
		t.Errorf("failed plan = %+v", plans[0])
	}

	got, err := d.GetPlan("a")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Cost == nil || *got.Cost != 120 || got.Pieces != 2 || got.Goal != installed.Goal {
		t.Errorf("GetPlan = %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
	}

	if _, err := d.GetPlan("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPlan(missing) err = %v, want ErrNotFound", err)
	}

	limited, err := d.ListPlans(1)
	if err != nil || len(limited) != 1 {
		t.Errorf("ListPlans(1) = %d rows, err %v", len(limited), err)
	}
}

func TestObservePlan(t *testing.T) {
	d := newTestDB(t)
	var obs replan.PlanObserver = d
	obs.ObservePlan(replan.PlanRecord{ID: "x", CreatedAt: time.Unix(1, 0), Outcome: replan.OutcomeSuperseded})
	obs.ObservePlan(replan.PlanRecord{ID: "x", CreatedAt: time.Unix(1, 0), Outcome: replan.OutcomeSuperseded}) // logged, not fatal

	plans, err := d.ListPlans(10)
	if err != nil || len(plans) != 1 {
		t.Fatalf("ListPlans = %v, %v", plans, err)
	}
}

func TestProgress(t *testing.T) {
	d := newTestDB(t)
	at := time.Unix(2000, 0)
	for _, st := range []replan.Status{
		{PlanID: "p", Time: at, Elapsed: 0.2, Progress: 1.0, Safe: true, Speed: 1},
		{PlanID: "p", Time: at, Elapsed: 0.1, Progress: 0.5, Safe: false, Speed: 2, Position: r3.Vec{X: 3}},
		{PlanID: "q", Time: at, Elapsed: 0.1, Progress: 0.1, Safe: true},
	} {
		if err := d.RecordStatus(st); err != nil {
			t.Fatalf("RecordStatus: %v", err)
		}
	}

	got, err := d.ProgressForPlan("p")
	if err != nil {
		t.Fatalf("ProgressForPlan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Elapsed != 0.1 || got[0].Safe || got[0].Position.X != 3 {
		t.Errorf("first sample = %+v", got[0])
	}
	if got[1].Progress != 1.0 || !got[1].Safe {
		t.Errorf("second sample = %+v", got[1])
	}
}

func TestProgressSink(t *testing.T) {
	d := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sink := NewProgressSink(d, clock, time.Second)

	publish := func(elapsed float64, safe bool) {
		sink.Publish(replan.Status{PlanID: "p", Time: clock.Now(), Elapsed: elapsed, Safe: safe, Evaluated: true})
	}
	publish(0.1, true)
	clock.Advance(100 * time.Millisecond)
	publish(0.2, true)  // throttled
	publish(0.3, false) // safety flag changed
	clock.Advance(time.Second)
	publish(1.3, false)
	// unevaluated ticks are skipped and force the next evaluated one out
	sink.Publish(replan.Status{PlanID: "p", Time: clock.Now(), Elapsed: 1.35, Reason: "telemetry is stale"})
	sink.Publish(replan.Status{Time: clock.Now(), Reason: replan.ReasonNoPlan})
	clock.Advance(10 * time.Millisecond)
	publish(1.4, false)

	got, err := d.ProgressForPlan("p")
	if err != nil {
		t.Fatalf("ProgressForPlan: %v", err)
	}
	var elapsed []float64
	for _, s := range got {
		elapsed = append(elapsed, s.Elapsed)
	}
	if len(elapsed) != 4 || elapsed[0] != 0.1 || elapsed[1] != 0.3 || elapsed[2] != 1.3 || elapsed[3] != 1.4 {
		t.Errorf("recorded elapsed = %v, want [0.1 0.3 1.3 1.4]", elapsed)
	}
	if sink.Dropped() != 0 {
		t.Errorf("Dropped = %d", sink.Dropped())
	}
}

func TestRunMigrateCommand(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand(&out, []string{"status"}, path); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "2 pending") {
		t.Errorf("status output = %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, []string{"up"}, path); err != nil {
		t.Fatalf("up: %v", err)
	}
	if !strings.Contains(out.String(), "up to date") {
		t.Errorf("up output = %q", out.String())
	}

	if err := RunMigrateCommand(&out, []string{"sideways"}, path); err == nil {
		t.Error("expected error for unknown action")
	}
	if err := RunMigrateCommand(&out, nil, path); err == nil {
		t.Error("expected error for missing action")
	}
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	d := newTestDB(t)
	mux := http.NewServeMux()
	if err := d.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Body.Len() < 2 || w.Body.Bytes()[0] != 0x1f || w.Body.Bytes()[1] != 0x8b {
		t.Error("backup is not gzip data")
	}
}
