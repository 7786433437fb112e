package main

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.recorder/internal/db"
	"github.com/banshee-data/trajectory.recorder/internal/kinematics"
)

func seedRun(t *testing.T, store *db.DB, id string, started time.Time, cmds [][3]float64) {
	t.Helper()
	require.NoError(t, store.StartRun(&db.Run{
		RunID:         id,
		VehName:       "megaman",
		ThetaDotBasis: kinematics.DefaultThetaDotBasis,
		VBasis:        kinematics.DefaultVBasis,
		FIFile:        "FIfile",
		StartedAt:     started,
	}))
	for _, c := range cmds {
		require.NoError(t, store.RecordWheelsCmd(&db.WheelsCmd{
			RunID: id, Stamp: c[0], VelLeft: c[1], VelRight: c[2], ReceivedAt: started,
		}))
	}
}

func newStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "recorder.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecompute_LatestRunWithStoredBases(t *testing.T) {
	store := newStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, store, "old", base, [][3]float64{{0, 9, 9}, {1, 9, 9}})
	seedRun(t, store, "new", base.Add(time.Hour), [][3]float64{{0, 0, 0}, {0.5, 1, 1}, {1, 1, 1}})

	res, err := recompute(store, "", "", "")
	require.NoError(t, err)

	assert.Equal(t, "new", res.Run.RunID)
	assert.Equal(t, 3, res.Commands)
	assert.Equal(t, kinematics.BasisThetaDotCompoundLinear, res.Theta)
	want := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	assert.True(t, mat.EqualApprox(want, res.FI(), 1e-12), "FI = %v", mat.Formatted(res.FI()))
}

func TestRecompute_OverrideBases(t *testing.T) {
	store := newStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seedRun(t, store, "run", base, [][3]float64{{0, 0, 0}, {2, 0.25, 0.75}})

	res, err := recompute(store, "run", "Duty_fi_theta_dot_naive", "Duty_fi_v_naive")
	require.NoError(t, err)

	// naive bases broadcast one value across both columns
	want := mat.NewDense(2, 2, []float64{1, 1, 2, 2})
	assert.True(t, mat.EqualApprox(want, res.FI(), 1e-12), "FI = %v", mat.Formatted(res.FI()))
}

func TestRecompute_Errors(t *testing.T) {
	store := newStore(t)

	_, err := recompute(store, "", "", "")
	assert.True(t, errors.Is(err, db.ErrRunNotFound))

	_, err = recompute(store, "missing", "", "")
	assert.True(t, errors.Is(err, db.ErrRunNotFound))

	seedRun(t, store, "run", time.Now(), nil)
	_, err = recompute(store, "run", "Duty_fi_theta_dot_cubic", "")
	assert.True(t, errors.Is(err, kinematics.ErrUnknownBasis))

	res, err := recompute(store, "run", "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Commands)
	assert.True(t, mat.Equal(mat.NewDense(2, 2, nil), res.FI()))
}
