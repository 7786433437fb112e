package kinematics

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/trajectory.recorder/internal/fsutil"
)

const (
	// FIRowThetaDot holds the rotational-rate accumulation.
	FIRowThetaDot = 0
	// FIRowV holds the linear-velocity accumulation.
	FIRowV = 1
)

// VelocityCommand is one stamped wheel command. Stamp is in seconds since an
// arbitrary epoch.
type VelocityCommand struct {
	Stamp    float64 `json:"stamp"`
	VelLeft  float64 `json:"vel_left"`
	VelRight float64 `json:"vel_right"`
}

// Accumulator integrates dt * basis(vel_left, vel_right) into a 2x2 matrix.
//
// Commands must be delivered one at a time in arrival order. Stamps are not
// checked for monotonicity: a negative dt is integrated as-is.
type Accumulator struct {
	theta BasisFunc
	v     BasisFunc

	fi      *mat.Dense
	prev    *VelocityCommand
	updates int
	elapsed float64
}

// NewAccumulator returns a zeroed accumulator using registered basis kinds.
func NewAccumulator(theta, v BasisKind) *Accumulator {
	return NewAccumulatorFunc(theta.Func(), v.Func())
}

// NewAccumulatorFunc returns a zeroed accumulator using arbitrary basis functions.
func NewAccumulatorFunc(theta, v BasisFunc) *Accumulator {
	return &Accumulator{
		theta: theta,
		v:     v,
		fi:    mat.NewDense(2, 2, nil),
	}
}

// OnVelocityCommand folds one command into the matrix. The first command only
// seeds the previous stamp.
func (a *Accumulator) OnVelocityCommand(cmd VelocityCommand) {
	if a.prev != nil {
		dt := cmd.Stamp - a.prev.Stamp
		a0, a1 := a.theta(cmd.VelLeft, cmd.VelRight)
		b0, b1 := a.v(cmd.VelLeft, cmd.VelRight)

		a.fi.Set(FIRowThetaDot, 0, a.fi.At(FIRowThetaDot, 0)+dt*a0)
		a.fi.Set(FIRowThetaDot, 1, a.fi.At(FIRowThetaDot, 1)+dt*a1)
		a.fi.Set(FIRowV, 0, a.fi.At(FIRowV, 0)+dt*b0)
		a.fi.Set(FIRowV, 1, a.fi.At(FIRowV, 1)+dt*b1)

		a.updates++
		a.elapsed += dt
	}
	c := cmd
	a.prev = &c
}

// FI returns a copy of the accumulated matrix.
func (a *Accumulator) FI() *mat.Dense {
	return mat.DenseCopyOf(a.fi)
}

// Updates returns the number of commands that contributed to the matrix.
func (a *Accumulator) Updates() int { return a.updates }

// Elapsed returns the summed dt over all updates, in seconds.
func (a *Accumulator) Elapsed() float64 { return a.elapsed }

// Previous returns the last command seen, if any.
func (a *Accumulator) Previous() (VelocityCommand, bool) {
	if a.prev == nil {
		return VelocityCommand{}, false
	}
	return *a.prev, true
}

// Persist writes the matrix to path, replacing any existing file.
func (a *Accumulator) Persist(fs fsutil.FileSystem, path string) error {
	var buf bytes.Buffer
	if err := WriteFI(&buf, a.fi); err != nil {
		return err
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write FI file %s: %w", path, err)
	}
	return nil
}

// WriteFI writes m as space separated rows in %.18e notation, one row per line.
func WriteFI(w io.Writer, m mat.Matrix) error {
	r, c := m.Dims()
	bw := bufio.NewWriter(w)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if j > 0 {
				bw.WriteByte(' ')
			}
			fmt.Fprintf(bw, "%.18e", m.At(i, j))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadFI parses a matrix written by WriteFI. Blank lines and lines starting
// with '#' are skipped.
func ReadFI(r io.Reader) (*mat.Dense, error) {
	var (
		data []float64
		cols int
		rows int
	)
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", rows+1, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: failed to parse %q: %w", rows+1, f, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("empty FI file")
	}
	return mat.NewDense(rows, cols, data), nil
}
