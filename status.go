package ipm

import (
	"math"
)

// TerminationStatus describes why the interior-point iterations stopped.
type TerminationStatus string

const (
	SUCCESSFUL_TERMINATION TerminationStatus = "optimal solution found"
	NOT_FINISHED           TerminationStatus = "not finished"
	MAX_ITS_EXCEEDED       TerminationStatus = "maximum number of iterations exceeded"
	INFEASIBLE             TerminationStatus = "problem appears to be infeasible"
	UNKNOWN                TerminationStatus = "iterations stalled"
	NUMERICAL_DIFFICULTIES TerminationStatus = "numerical difficulties"
)

// statusTracker keeps the merit histories the termination tests look at.
type statusTracker struct {
	opts  Options
	dnorm float64

	mu, rnorm, phi, phiMin []float64
}

func newStatusTracker(opts Options, dnorm float64) *statusTracker {
	return &statusTracker{opts: opts, dnorm: dnorm}
}

// status records the merits of iteration idx and classifies it. Iterations
// must be passed in order, starting at zero.
func (s *statusTracker) status(idx int, mu, rnorm, gap float64) TerminationStatus {
	phi := (rnorm + math.Abs(gap)) / s.dnorm
	phiMin := phi
	if idx > 0 {
		phiMin = math.Min(phi, s.phiMin[idx-1])
	}
	s.mu = append(s.mu, mu)
	s.rnorm = append(s.rnorm, rnorm)
	s.phi = append(s.phi, phi)
	s.phiMin = append(s.phiMin, phiMin)

	if mu <= s.opts.MuTol && rnorm <= s.opts.ArTol*s.dnorm {
		return SUCCESSFUL_TERMINATION
	}
	if idx >= s.opts.MaxIterations {
		return MAX_ITS_EXCEEDED
	}

	// the merit grew far above its best value: no feasible point in sight
	if idx >= 10 && phi >= 1e-8 && phi >= 1e4*phiMin {
		return INFEASIBLE
	}

	// no progress over the last 30 iterations
	if idx >= 30 && phiMin >= 0.5*s.phiMin[idx-30] {
		return UNKNOWN
	}

	// infeasibility shrinks far slower than complementarity
	if mu > 0 && s.mu[0] > 0 && s.rnorm[0] > 0 && rnorm > s.opts.ArTol*s.dnorm {
		if (rnorm/mu)/(s.rnorm[0]/s.mu[0]) >= 1e8 {
			return UNKNOWN
		}
	}
	return NOT_FINISHED
}
