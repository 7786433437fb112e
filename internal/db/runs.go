package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned when a run id has no recording_runs row.
var ErrRunNotFound = errors.New("run not found")

// Run is one recording session of the node, from startup to shutdown.
type Run struct {
	RunID         string     `json:"run_id"`
	VehName       string     `json:"veh_name"`
	ThetaDotBasis string     `json:"theta_dot_basis"`
	VBasis        string     `json:"v_basis"`
	FIFile        string     `json:"fi_file"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// WheelsCmd is a received wheel velocity command as it arrived on the input.
type WheelsCmd struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Stamp      float64   `json:"stamp"`
	VelLeft    float64   `json:"vel_left"`
	VelRight   float64   `json:"vel_right"`
	ReceivedAt time.Time `json:"received_at"`
}

// FISnapshot is the accumulated FI matrix at a point in a run.
type FISnapshot struct {
	ID      int64         `json:"id"`
	RunID   string        `json:"run_id"`
	TakenAt time.Time     `json:"taken_at"`
	Updates int           `json:"updates"`
	Elapsed float64       `json:"elapsed"`
	FI      [2][2]float64 `json:"fi"`
	Final   bool          `json:"final"`
}

// StartRun inserts a new run row. StartedAt is set to now when zero.
func (db *DB) StartRun(run *Run) error {
	if run.RunID == "" {
		return fmt.Errorf("run id must not be empty")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := db.Exec(
		`INSERT INTO recording_runs (run_id, veh_name, theta_dot_basis, v_basis, fi_file, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.VehName, run.ThetaDotBasis, run.VBasis, run.FIFile, toUnix(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID, err)
	}
	return nil
}

// EndRun marks the run as ended at the given time.
func (db *DB) EndRun(runID string, endedAt time.Time) error {
	res, err := db.Exec(`UPDATE recording_runs SET ended_at = ? WHERE run_id = ?`, toUnix(endedAt), runID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, veh_name, theta_dot_basis, v_basis, fi_file, started_at, ended_at`

func scanRun(scan func(dest ...any) error) (Run, error) {
	var (
		r       Run
		started float64
		ended   sql.NullFloat64
	)
	if err := scan(&r.RunID, &r.VehName, &r.ThetaDotBasis, &r.VBasis, &r.FIFile, &started, &ended); err != nil {
		return Run{}, err
	}
	r.StartedAt = fromUnix(started)
	if ended.Valid {
		t := fromUnix(ended.Float64)
		r.EndedAt = &t
	}
	return r, nil
}

// GetRun returns a single run by id.
func (db *DB) GetRun(runID string) (Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM recording_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// LatestRun returns the most recently started run.
func (db *DB) LatestRun() (Run, error) {
	row := db.QueryRow(`SELECT ` + runColumns + ` FROM recording_runs ORDER BY started_at DESC, rowid DESC LIMIT 1`)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

// Runs returns up to limit runs, newest first. A non-positive limit returns
// every run.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM recording_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordParam stores one echoed startup parameter for the run. Recording the
// same name twice keeps the latest value.
func (db *DB) RecordParam(runID, name, value string) error {
	_, err := db.Exec(
		`INSERT INTO params (run_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (run_id, name) DO UPDATE SET value = excluded.value`,
		runID, name, value,
	)
	if err != nil {
		return fmt.Errorf("failed to record param %s: %w", name, err)
	}
	return nil
}

// Params returns the echoed parameters of the run keyed by name.
func (db *DB) Params(runID string) (map[string]string, error) {
	rows, err := db.Query(`SELECT name, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	params := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		params[name] = value
	}
	return params, rows.Err()
}

// RecordWheelsCmd appends a received command to the run's log.
func (db *DB) RecordWheelsCmd(cmd *WheelsCmd) error {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now().UTC()
	}
	res, err := db.Exec(
		`INSERT INTO wheels_cmds (run_id, stamp, vel_left, vel_right, received_at) VALUES (?, ?, ?, ?, ?)`,
		cmd.RunID, nullFromNaN(cmd.Stamp), nullFromNaN(cmd.VelLeft), nullFromNaN(cmd.VelRight), toUnix(cmd.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record wheels command: %w", err)
	}
	cmd.ID, err = res.LastInsertId()
	return err
}

// WheelsCmds returns every command of the run in arrival order.
func (db *DB) WheelsCmds(runID string) ([]WheelsCmd, error) {
	rows, err := db.Query(
		`SELECT id, run_id, stamp, vel_left, vel_right, received_at FROM wheels_cmds WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []WheelsCmd
	for rows.Next() {
		var (
			c                  WheelsCmd
			stamp, left, right sql.NullFloat64
			received           float64
		)
		if err := rows.Scan(&c.ID, &c.RunID, &stamp, &left, &right, &received); err != nil {
			return nil, err
		}
		c.Stamp = nanFromNull(stamp)
		c.VelLeft = nanFromNull(left)
		c.VelRight = nanFromNull(right)
		c.ReceivedAt = fromUnix(received)
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

// RecordFISnapshot stores the FI matrix at snap.TakenAt.
func (db *DB) RecordFISnapshot(snap *FISnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	final := 0
	if snap.Final {
		final = 1
	}
	res, err := db.Exec(
		`INSERT INTO fi_snapshots (run_id, taken_at, updates, elapsed, fi_00, fi_01, fi_10, fi_11, final)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, toUnix(snap.TakenAt), snap.Updates, nullFromNaN(snap.Elapsed),
		nullFromNaN(snap.FI[0][0]), nullFromNaN(snap.FI[0][1]),
		nullFromNaN(snap.FI[1][0]), nullFromNaN(snap.FI[1][1]),
		final,
	)
	if err != nil {
		return fmt.Errorf("failed to record FI snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	return err
}

// FISnapshots returns the run's snapshots oldest first.
func (db *DB) FISnapshots(runID string) ([]FISnapshot, error) {
	rows, err := db.Query(
		`SELECT id, run_id, taken_at, updates, elapsed, fi_00, fi_01, fi_10, fi_11, final
		 FROM fi_snapshots WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []FISnapshot
	for rows.Next() {
		var (
			s                  FISnapshot
			taken              float64
			elapsed            sql.NullFloat64
			f00, f01, f10, f11 sql.NullFloat64
			final              int
		)
		if err := rows.Scan(&s.ID, &s.RunID, &taken, &s.Updates, &elapsed, &f00, &f01, &f10, &f11, &final); err != nil {
			return nil, err
		}
		s.TakenAt = fromUnix(taken)
		s.Elapsed = nanFromNull(elapsed)
		s.FI = [2][2]float64{
			{nanFromNull(f00), nanFromNull(f01)},
			{nanFromNull(f10), nanFromNull(f11)},
		}
		s.Final = final != 0
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
