package ipm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// selectable interior-point variants
type InteriorPointMethodType int

const (
	IPM_PRIMAL      InteriorPointMethodType = 0
	IPM_PRIMAL_DUAL InteriorPointMethodType = 1
)

func (t InteriorPointMethodType) String() string {
	switch t {
	case IPM_PRIMAL:
		return "primal"
	case IPM_PRIMAL_DUAL:
		return "primal-dual"
	}
	return fmt.Sprintf("InteriorPointMethodType(%d)", int(t))
}

// ParseInteriorPointMethodType accepts "primal" and "primal-dual".
func ParseInteriorPointMethodType(s string) (InteriorPointMethodType, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "-")) {
	case "primal":
		return IPM_PRIMAL, nil
	case "primal-dual", "primaldual", "pd":
		return IPM_PRIMAL_DUAL, nil
	}
	return 0, errors.Errorf("unknown interior-point method type %q", s)
}

// Scaler maps objective values of a scaled problem back to the original
// problem. It is only used for reporting.
type Scaler interface {
	ObjUnscaled(obj float64) float64
}

// NewInteriorPointMethod returns the step strategy of the given type. dnorm is
// the data norm of the problem, scaler may be nil.
func NewInteriorPointMethod(f *Formulation, dnorm float64, t InteriorPointMethodType, scaler Scaler, opts Options) IPMStepStrategy {
	switch t {
	case IPM_PRIMAL:
		return newPrimalMethod(f, dnorm, scaler, opts)
	case IPM_PRIMAL_DUAL:
		return newPrimalDualMethod(f, dnorm, scaler, opts)
	}
	panic(fmt.Sprintf("unknown interior-point method type %d", int(t)))
}
