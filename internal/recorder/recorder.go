// Package recorder is the trajectory recording node: it consumes wheel
// velocity commands from a line transport, integrates them into the FI matrix
// and writes the FI file once at shutdown.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.recorder/internal/config"
	"github.com/banshee-data/trajectory.recorder/internal/db"
	"github.com/banshee-data/trajectory.recorder/internal/fsutil"
	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
	"github.com/banshee-data/trajectory.recorder/internal/monitoring"
	"github.com/banshee-data/trajectory.recorder/internal/serialmux"
	"github.com/banshee-data/trajectory.recorder/internal/timeutil"
)

// NodeName prefixes parameter echo lines.
const NodeName = "trajectory_recording_node"

var nodeLogf = monitoring.NodeLogf(NodeName)

// maxHistory bounds the in-memory snapshot history served to the chart.
const maxHistory = 2000

// Store is the persistence the recorder needs. *db.DB implements it.
type Store interface {
	StartRun(run *db.Run) error
	EndRun(runID string, endedAt time.Time) error
	RecordParam(runID, name, value string) error
	RecordWheelsCmd(cmd *db.WheelsCmd) error
	RecordFISnapshot(snap *db.FISnapshot) error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used for snapshot timing and timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithFileSystem sets where the FI file is written.
func WithFileSystem(fs fsutil.FileSystem) Option {
	return func(r *Recorder) { r.fs = fs }
}

// Stats summarises the recorder's progress.
type Stats struct {
	RunID    string  `json:"run_id"`
	Commands int     `json:"commands"`
	Rejected int     `json:"rejected"`
	Updates  int     `json:"updates"`
	Elapsed  float64 `json:"elapsed"`
}

// Recorder owns the accumulator for one run. HandleEvent is called from a
// single consumer goroutine; the mutex exists because the admin routes read
// the matrix concurrently.
type Recorder struct {
	cfg     *config.RecorderConfig
	store   Store
	clock   timeutil.Clock
	fs      fsutil.FileSystem
	runID   string
	thetaFn kinematics.BasisKind
	vFn     kinematics.BasisKind

	mu       sync.Mutex
	acc      *kinematics.Accumulator
	commands int
	rejected int
	history  []db.FISnapshot

	shutdownOnce sync.Once
	shutdownErr  error
}

// New resolves the configured basis functions and starts a run. An unknown
// basis name is an error and no run is started. store may be nil.
func New(cfg *config.RecorderConfig, store Store, opts ...Option) (*Recorder, error) {
	if cfg == nil {
		cfg = config.EmptyRecorderConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	theta, err := kinematics.ParseBasis(cfg.GetThetaDotFunction())
	if err != nil {
		return nil, err
	}
	v, err := kinematics.ParseBasis(cfg.GetVFunction())
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		store:   store,
		clock:   timeutil.RealClock{},
		fs:      fsutil.OSFileSystem{},
		runID:   uuid.New().String(),
		thetaFn: theta,
		vFn:     v,
		acc:     kinematics.NewAccumulator(theta, v),
	}
	for _, opt := range opts {
		opt(r)
	}

	params := cfg.Params()
	for _, p := range params {
		nodeLogf("%s = %s", p.Name, p.Value)
	}

	if r.store != nil {
		run := &db.Run{
			RunID:         r.runID,
			VehName:       cfg.GetVehName(),
			ThetaDotBasis: theta.String(),
			VBasis:        v.String(),
			FIFile:        cfg.GetFIFile(),
			StartedAt:     r.clock.Now().UTC(),
		}
		if err := r.store.StartRun(run); err != nil {
			return nil, fmt.Errorf("failed to start run: %w", err)
		}
		for _, p := range params {
			if err := r.store.RecordParam(r.runID, p.Name, p.Value); err != nil {
				return nil, err
			}
		}
	}

	nodeLogf("run %s started", r.runID)
	return r, nil
}

// RunID returns the identifier of this recording run.
func (r *Recorder) RunID() string { return r.runID }

// HandleEvent processes one line from the transport. Lines that are not
// wheel commands are logged and ignored; malformed commands are returned as
// errors and do not touch the matrix.
func (r *Recorder) HandleEvent(payload string) error {
	switch serialmux.ClassifyPayload(payload) {
	case serialmux.EventTypeWheelsCmd:
		cmd, err := ParseVelocityCommand(payload)
		if err != nil {
			r.mu.Lock()
			r.rejected++
			r.mu.Unlock()
			return fmt.Errorf("failed to handle wheels command: %w", err)
		}
		return r.OnVelocityCommand(cmd)
	case serialmux.EventTypeConfig:
		monitoring.Logf("Config Line: %s", payload)
	default:
		monitoring.Logf("unknown event type: %s", payload)
	}
	return nil
}

// OnVelocityCommand integrates one command and, when enabled, records it.
func (r *Recorder) OnVelocityCommand(cmd kinematics.VelocityCommand) error {
	r.mu.Lock()
	r.acc.OnVelocityCommand(cmd)
	r.commands++
	r.mu.Unlock()

	if r.store == nil || !r.cfg.GetRecordCommands() {
		return nil
	}
	return r.store.RecordWheelsCmd(&db.WheelsCmd{
		RunID:      r.runID,
		Stamp:      cmd.Stamp,
		VelLeft:    cmd.VelLeft,
		VelRight:   cmd.VelRight,
		ReceivedAt: r.clock.Now().UTC(),
	})
}

// Run subscribes to mux and consumes its lines until ctx is done or the mux
// closes the subscription. Lines delivered before Run subscribes are not
// seen; callers starting Monitor first should Subscribe themselves and use
// Consume.
func (r *Recorder) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)
	return r.Consume(ctx, ch)
}

// Consume handles lines until ctx is done or lines is closed, taking periodic
// snapshots on the configured interval. It does not persist; call Shutdown
// afterwards.
func (r *Recorder) Consume(ctx context.Context, lines <-chan string) error {
	var tick <-chan time.Time
	if interval := r.cfg.GetSnapshotInterval(); interval > 0 {
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if _, err := r.Snapshot(false); err != nil {
				monitoring.Logf("error taking FI snapshot: %v", err)
			}
		case payload, ok := <-lines:
			if !ok {
				monitoring.Logf("input closed; %d commands received", r.Stats().Commands)
				return nil
			}
			if err := r.HandleEvent(payload); err != nil {
				monitoring.Logf("error handling event: %v", err)
			}
		}
	}
}

// Snapshot captures the current matrix into the history and the store.
func (r *Recorder) Snapshot(final bool) (db.FISnapshot, error) {
	r.mu.Lock()
	fi := r.acc.FI()
	snap := db.FISnapshot{
		RunID:   r.runID,
		TakenAt: r.clock.Now().UTC(),
		Updates: r.acc.Updates(),
		Elapsed: r.acc.Elapsed(),
		FI: [2][2]float64{
			{fi.At(0, 0), fi.At(0, 1)},
			{fi.At(1, 0), fi.At(1, 1)},
		},
		Final: final,
	}
	r.history = append(r.history, snap)
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
	r.mu.Unlock()

	if r.store == nil {
		return snap, nil
	}
	err := r.store.RecordFISnapshot(&snap)
	return snap, err
}

// Shutdown writes the FI file, stores a final snapshot and ends the run. Only
// the first call does any work; later calls return the first result.
func (r *Recorder) Shutdown() error {
	r.shutdownOnce.Do(func() {
		var errs []error

		path := r.cfg.GetFIFile()
		r.mu.Lock()
		err := r.acc.Persist(r.fs, path)
		r.mu.Unlock()
		if err != nil {
			nodeLogf("failed to save FI matrix: %v", err)
			errs = append(errs, err)
		} else {
			nodeLogf("FI matrix saved to %s", path)
		}

		if _, err := r.Snapshot(true); err != nil {
			errs = append(errs, fmt.Errorf("failed to store final snapshot: %w", err))
		}
		if r.store != nil {
			if err := r.store.EndRun(r.runID, r.clock.Now().UTC()); err != nil {
				errs = append(errs, err)
			}
		}
		r.shutdownErr = errors.Join(errs...)
	})
	return r.shutdownErr
}

// FI returns a copy of the accumulated matrix.
func (r *Recorder) FI() *mat.Dense {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acc.FI()
}

// Stats returns counters for the current run.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		RunID:    r.runID,
		Commands: r.commands,
		Rejected: r.rejected,
		Updates:  r.acc.Updates(),
		Elapsed:  r.acc.Elapsed(),
	}
}

// History returns the snapshots taken during this run, oldest first.
func (r *Recorder) History() []db.FISnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]db.FISnapshot(nil), r.history...)
}
