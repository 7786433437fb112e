// Package kinematics accumulates the FI matrix used by the offline wheel
// calibration: the time integral of two basis functions of the commanded
// wheel velocities.
package kinematics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownBasis is returned when a basis function name is not registered.
var ErrUnknownBasis = errors.New("unknown basis function")

// BasisFunc maps a left/right wheel command pair to the two FI columns.
type BasisFunc func(left, right float64) (float64, float64)

// BasisKind enumerates the supported basis functions.
type BasisKind int

const (
	BasisThetaDotCompoundLinear BasisKind = iota
	BasisVCompoundLinear
	BasisThetaDotNaive
	BasisVNaive
)

const (
	DefaultThetaDotBasis = "Duty_fi_theta_dot_compound_linear"
	DefaultVBasis        = "Duty_fi_v_compound_linear"
)

var basisNames = map[BasisKind]string{
	BasisThetaDotCompoundLinear: DefaultThetaDotBasis,
	BasisVCompoundLinear:        DefaultVBasis,
	BasisThetaDotNaive:          "Duty_fi_theta_dot_naive",
	BasisVNaive:                 "Duty_fi_v_naive",
}

var basisByName = func() map[string]BasisKind {
	m := make(map[string]BasisKind, len(basisNames))
	for k, name := range basisNames {
		m[name] = k
	}
	return m
}()

// ParseBasis resolves a configured basis function name.
func ParseBasis(name string) (BasisKind, error) {
	k, ok := basisByName[strings.TrimSpace(name)]
	if !ok {
		return 0, fmt.Errorf("%w %q (supported: %s)", ErrUnknownBasis, name, strings.Join(BasisNames(), ", "))
	}
	return k, nil
}

// BasisNames returns the registered names in sorted order.
func BasisNames() []string {
	names := make([]string, 0, len(basisNames))
	for _, name := range basisNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k BasisKind) String() string {
	if name, ok := basisNames[k]; ok {
		return name
	}
	return fmt.Sprintf("BasisKind(%d)", int(k))
}

// Eval evaluates the basis for one wheel command. The naive kinds produce a
// single value which is broadcast across both columns.
func (k BasisKind) Eval(left, right float64) (float64, float64) {
	switch k {
	case BasisThetaDotCompoundLinear, BasisVCompoundLinear:
		return left, right
	case BasisThetaDotNaive:
		d := right - left
		return d, d
	case BasisVNaive:
		s := right + left
		return s, s
	default:
		return 0, 0
	}
}

// Func returns the evaluation rule as a BasisFunc.
func (k BasisKind) Func() BasisFunc {
	return k.Eval
}
