// Command fi-recompute rebuilds the FI matrix of a recorded run from the wheel
// commands stored in the run log, optionally with different basis functions.
//
// Usage:
//
//	fi-recompute --db trajectory_recorder.db [--run ID] --out FIfile [--theta NAME] [--v NAME]
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.recorder/internal/db"
	"github.com/banshee-data/trajectory.recorder/internal/fsutil"
	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
)

var (
	dbPath  = flag.String("db", "trajectory_recorder.db", "Path to the recorder run log")
	runID   = flag.String("run", "", "Run to recompute (default: latest run)")
	outPath = flag.String("out", "", "Where to write the FI file (\"-\" for stdout, default: the run's FIfile)")
	theta   = flag.String("theta", "", "theta_dot basis function (default: the run's)")
	vFn     = flag.String("v", "", "v basis function (default: the run's)")
)

// result is one recomputed run.
type result struct {
	Run      db.Run
	Theta    kinematics.BasisKind
	V        kinematics.BasisKind
	Commands int
	acc      *kinematics.Accumulator
}

func (r *result) FI() *mat.Dense { return r.acc.FI() }

// selectRun returns the named run, or the latest one when id is empty.
func selectRun(store *db.DB, id string) (db.Run, error) {
	if id == "" {
		return store.LatestRun()
	}
	return store.GetRun(id)
}

// recompute replays the stored commands of a run, in arrival order, through a
// fresh accumulator. Empty basis names fall back to those the run used.
func recompute(store *db.DB, id, thetaName, vName string) (*result, error) {
	run, err := selectRun(store, id)
	if err != nil {
		return nil, err
	}
	if thetaName == "" {
		thetaName = run.ThetaDotBasis
	}
	if vName == "" {
		vName = run.VBasis
	}
	thetaKind, err := kinematics.ParseBasis(thetaName)
	if err != nil {
		return nil, fmt.Errorf("theta: %w", err)
	}
	vKind, err := kinematics.ParseBasis(vName)
	if err != nil {
		return nil, fmt.Errorf("v: %w", err)
	}

	cmds, err := store.WheelsCmds(run.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to load commands for run %s: %w", run.RunID, err)
	}

	acc := kinematics.NewAccumulator(thetaKind, vKind)
	for _, c := range cmds {
		acc.OnVelocityCommand(kinematics.VelocityCommand{Stamp: c.Stamp, VelLeft: c.VelLeft, VelRight: c.VelRight})
	}
	return &result{Run: run, Theta: thetaKind, V: vKind, Commands: len(cmds), acc: acc}, nil
}

func main() {
	flag.Parse()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	res, err := recompute(store, *runID, *theta, *vFn)
	if errors.Is(err, db.ErrRunNotFound) {
		log.Fatalf("no such run in %s: %v", *dbPath, err)
	}
	if err != nil {
		log.Fatalf("recompute failed: %v", err)
	}

	log.Printf("run %s (%s): %d commands, %d updates over %.3fs using %s / %s",
		res.Run.RunID, res.Run.VehName, res.Commands, res.acc.Updates(), res.acc.Elapsed(), res.Theta, res.V)

	out := *outPath
	if out == "" {
		out = res.Run.FIFile
	}
	if out == "-" {
		if err := kinematics.WriteFI(os.Stdout, res.FI()); err != nil {
			log.Fatalf("failed to write FI matrix: %v", err)
		}
		return
	}
	if err := res.acc.Persist(fsutil.OSFileSystem{}, out); err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("FI matrix saved to %s", out)
}
