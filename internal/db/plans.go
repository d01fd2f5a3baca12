package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/pathguard/internal/replan"
	"gonum.org/v1/gonum/spatial/r3"
)

var ErrNotFound = errors.New("not found")

// PlanRow is a stored planning attempt.
type PlanRow struct {
	ID        string    `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
	Start     r3.Vec    `json:"start"`
	Goal      r3.Vec    `json:"goal"`
	Duration  float64   `json:"duration_s"`
	Cost      *float64  `json:"cost,omitempty"`
	Pieces    int       `json:"pieces"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

// RecordPlan stores rec. Recording the same plan id twice is an error.
func (db *DB) RecordPlan(rec replan.PlanRecord) error {
	errText := sql.NullString{String: rec.Err, Valid: rec.Err != ""}
	_, err := db.Exec(`INSERT INTO plans (
			plan_id, created_at, start_x, start_y, start_z, goal_x, goal_y, goal_z,
			duration_s, cost, pieces, outcome, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UnixNano(),
		rec.Start.X, rec.Start.Y, rec.Start.Z,
		rec.Goal.X, rec.Goal.Y, rec.Goal.Z,
		nullFloat(rec.Duration), nullFloat(rec.Cost), rec.Pieces,
		rec.Outcome, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to record plan %s: %w", rec.ID, err)
	}
	return nil
}

// ObservePlan implements replan.PlanObserver. Errors are logged since the
// coordinator has no use for them.
func (db *DB) ObservePlan(rec replan.PlanRecord) {
	if err := db.RecordPlan(rec); err != nil {
		logf("%v", err)
	}
}

const planColumns = `plan_id, created_at, start_x, start_y, start_z, goal_x, goal_y, goal_z,
	duration_s, cost, pieces, outcome, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (PlanRow, error) {
	var (
		row      PlanRow
		created  int64
		duration sql.NullFloat64
		cost     sql.NullFloat64
		outcome  string
		errText  sql.NullString
	)
	if err := s.Scan(&row.ID, &created,
		&row.Start.X, &row.Start.Y, &row.Start.Z,
		&row.Goal.X, &row.Goal.Y, &row.Goal.Z,
		&duration, &cost, &row.Pieces, &outcome, &errText); err != nil {
		return PlanRow{}, err
	}
	row.CreatedAt = time.Unix(0, created).UTC()
	row.Duration = duration.Float64
	if cost.Valid {
		c := cost.Float64
		row.Cost = &c
	}
	row.Outcome = outcome
	row.Error = errText.String
	return row, nil
}

// ListPlans returns the most recent plans, newest first. limit <= 0 means 100.
func (db *DB) ListPlans(limit int) ([]PlanRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+planColumns+` FROM plans ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlanRow
	for rows.Next() {
		row, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetPlan returns a single plan or ErrNotFound.
func (db *DB) GetPlan(id string) (PlanRow, error) {
	row, err := scanPlan(db.QueryRow(`SELECT `+planColumns+` FROM plans WHERE plan_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRow{}, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return row, err
}
