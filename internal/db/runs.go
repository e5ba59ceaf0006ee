package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Run outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Run is one row of the run ledger: a single pipeline computation
// attempt with the parameter snapshot it ran under and its outcome.
// Failed runs carry the error message and zero region counts.
type Run struct {
	ID              string        `json:"id"`
	InputVersion    string        `json:"input_version"`
	Shape           string        `json:"shape"`
	Sigma           float64       `json:"sigma"`
	Filter          string        `json:"filter"`
	Agglomerate     bool          `json:"agglomerate"`
	SizeRegularizer float64       `json:"size_regularizer"`
	ReduceTo        float64       `json:"reduce_to"`
	Started         time.Time     `json:"started"`
	Finished        time.Time     `json:"finished"`
	FilterTime      time.Duration `json:"filter_ns"`
	NormalizeTime   time.Duration `json:"normalize_ns"`
	WatershedTime   time.Duration `json:"watershed_ns"`
	GraphTime       time.Duration `json:"graph_ns"`
	RegionsInitial  uint32        `json:"regions_initial"`
	RegionsFinal    uint32        `json:"regions_final"`
	EdgeCount       int64         `json:"edge_count"`
	Outcome         string        `json:"outcome"`
	Err             string        `json:"error,omitempty"`
}

func (r *Run) String() string {
	return fmt.Sprintf(
		"Run %s: input %s shape %s sigma %g filter %s -> %d regions (%d initial), %d edges, %s",
		r.ID, r.InputVersion, r.Shape, r.Sigma, r.Filter,
		r.RegionsFinal, r.RegionsInitial, r.EdgeCount, r.Outcome,
	)
}

// RecordRun inserts one run row and, for successful runs, the region
// size distribution that goes with it. sizes[i] is the voxel count of
// region i+1. Both inserts happen in one transaction so a run never
// appears without its sizes.
func (db *DB) RecordRun(run Run, sizes []uint32) error {
	if run.ID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if run.Outcome != OutcomeOK && run.Outcome != OutcomeError {
		return fmt.Errorf("unknown run outcome %q", run.Outcome)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer tx.Rollback()

	agglomerateInt := 0
	if run.Agglomerate {
		agglomerateInt = 1
	}

	_, err = tx.Exec(
		`INSERT INTO runs (
			id, input_version, shape, sigma, filter, agglomerate,
			size_regularizer, reduce_to, started_unix_ns, finished_unix_ns,
			filter_ns, normalize_ns, watershed_ns, graph_ns,
			regions_initial, regions_final, edge_count, outcome, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.InputVersion, run.Shape, run.Sigma, run.Filter, agglomerateInt,
		run.SizeRegularizer, run.ReduceTo, run.Started.UnixNano(), run.Finished.UnixNano(),
		int64(run.FilterTime), int64(run.NormalizeTime), int64(run.WatershedTime), int64(run.GraphTime),
		run.RegionsInitial, run.RegionsFinal, run.EdgeCount, run.Outcome, run.Err,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if len(sizes) > 0 {
		stmt, err := tx.Prepare("INSERT INTO region_sizes (run_id, region, size) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare region size insert: %w", err)
		}
		defer stmt.Close()

		for i, size := range sizes {
			if _, err := stmt.Exec(run.ID, i+1, size); err != nil {
				return fmt.Errorf("failed to record size of region %d: %w", i+1, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run transaction: %w", err)
	}
	return nil
}

const runColumns = `id, input_version, shape, sigma, filter, agglomerate,
		size_regularizer, reduce_to, started_unix_ns, finished_unix_ns,
		filter_ns, normalize_ns, watershed_ns, graph_ns,
		regions_initial, regions_final, edge_count, outcome, error_message`

// ListRuns returns the most recent runs, newest first. A limit of zero
// or less returns up to 100 rows.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_unix_ns DESC, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RunByID retrieves a single run row.
func (db *DB) RunByID(id string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RegionSizes returns the region size distribution recorded for a run,
// ordered by region label. Failed runs have no sizes.
func (db *DB) RegionSizes(runID string) ([]uint32, error) {
	rows, err := db.Query("SELECT size FROM region_sizes WHERE run_id = ? ORDER BY region", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query region sizes: %w", err)
	}
	defer rows.Close()

	var sizes []uint32
	for rows.Next() {
		var size uint32
		if err := rows.Scan(&size); err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sizes, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		run            Run
		agglomerateInt int
		startedNs      int64
		finishedNs     int64
		filterNs       int64
		normalizeNs    int64
		watershedNs    int64
		graphNs        int64
	)

	err := s.Scan(
		&run.ID,
		&run.InputVersion,
		&run.Shape,
		&run.Sigma,
		&run.Filter,
		&agglomerateInt,
		&run.SizeRegularizer,
		&run.ReduceTo,
		&startedNs,
		&finishedNs,
		&filterNs,
		&normalizeNs,
		&watershedNs,
		&graphNs,
		&run.RegionsInitial,
		&run.RegionsFinal,
		&run.EdgeCount,
		&run.Outcome,
		&run.Err,
	)
	if err == sql.ErrNoRows {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Agglomerate = agglomerateInt == 1
	run.Started = time.Unix(0, startedNs)
	run.Finished = time.Unix(0, finishedNs)
	run.FilterTime = time.Duration(filterNs)
	run.NormalizeTime = time.Duration(normalizeNs)
	run.WatershedTime = time.Duration(watershedNs)
	run.GraphTime = time.Duration(graphNs)
	return run, nil
}
