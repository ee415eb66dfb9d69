package ipm

import (
	"github.com/pkg/errors"
)

// SmallCorrectorPolicy decides how Gondzio correctors aimed at small
// complementarity products are counted against the corrector budget.
type SmallCorrectorPolicy string

const (
	// small correctors come on top of the regular budget
	SMALL_CORRECTORS_ADDITIVE SmallCorrectorPolicy = "additive"
	// small correctors share the regular budget
	SMALL_CORRECTORS_CAPPED SmallCorrectorPolicy = "capped"
)

// Options holds the parameters of the interior-point method and of the Schur
// complement linear system.
type Options struct {
	// MaxIterations is the limit on interior-point iterations.
	MaxIterations int `mapstructure:"max_iterations"`

	// MuTol is the complementarity tolerance for successful termination.
	MuTol float64 `mapstructure:"mutol"`

	// ArTol is the relative residual tolerance: a solve terminates
	// successfully once the residual norm is below ArTol times the data norm.
	ArTol float64 `mapstructure:"artol"`

	// MaxCorrectors is the base number of Gondzio correctors per iteration.
	MaxCorrectors int `mapstructure:"maximum_correctors"`

	// DynamicCorrectorSchedule shrinks the corrector budget when the inner
	// iterative solve struggles, and treats badly converged inner solves as
	// numerical trouble.
	DynamicCorrectorSchedule bool `mapstructure:"dynamic_corrector_schedule"`

	// AdditionalCorrectorsSmallCompPairs enables correctors aimed at small
	// complementarity products once regular correctors stop helping.
	AdditionalCorrectorsSmallCompPairs bool    `mapstructure:"additional_correctors_small_comp_pairs"`
	MaxAdditionalCorrectors            int     `mapstructure:"max_additional_correctors"`
	FirstIterSmallCorrectors           int     `mapstructure:"first_iter_small_correctors"`
	MaxAlphaSmallCorrectors            float64 `mapstructure:"max_alpha_small_correctors"`

	SmallCorrectorPolicy SmallCorrectorPolicy `mapstructure:"small_corrector_policy"`

	// Gondzio corrector parameters. A corrector is computed at the trial step
	// length min(1, StepFactor1*alpha + StepFactor0) and accepted when it
	// improves the step length by a factor of 1 + AcceptanceTolerance.
	// Complementarity products are pushed into [BetaMin, BetaMax]*sigma*mu.
	StepFactor0         float64 `mapstructure:"step_factor0"`
	StepFactor1         float64 `mapstructure:"step_factor1"`
	AcceptanceTolerance float64 `mapstructure:"acceptance_tolerance"`
	BetaMin             float64 `mapstructure:"beta_min"`
	BetaMax             float64 `mapstructure:"beta_max"`

	// Tsig is the exponent of Mehrotra's centering heuristic.
	Tsig float64 `mapstructure:"tsig"`

	// step length heuristic
	GammaF           float64 `mapstructure:"gamma_f"`
	GammaA           float64 `mapstructure:"gamma_a"`
	StepLengthFactor float64 `mapstructure:"steplength_factor"`

	// LinesearchPoints is the number of corrector weights tried between
	// alpha² and one.
	LinesearchPoints int `mapstructure:"n_linesearch_points"`

	// ResidualBlowupFactor raises numerical trouble when the residual norm
	// grows by more than this factor within one iteration.
	ResidualBlowupFactor float64 `mapstructure:"residual_blowup_factor"`

	// PoorStepAlpha is the step length below which a step counts as poor.
	PoorStepAlpha float64 `mapstructure:"poor_step_alpha"`

	// Probing enables the probing step length after numerical trouble.
	Probing          bool    `mapstructure:"probing"`
	ProbingMinFactor float64 `mapstructure:"probing_min_factor"`

	// MaxAttempts bounds the retries of one iteration after a poor step.
	MaxAttempts int `mapstructure:"max_attempts"`

	// inner solve
	DynamicInnerTolerance bool    `mapstructure:"dynamic_bicg_tol"`
	InnerTolerance        float64 `mapstructure:"outer_bicg_tol"`
	InnerMaxIterations    int     `mapstructure:"outer_bicg_max_iter"`
	InnerRefinement       bool    `mapstructure:"inner_refinement"`

	// KKT system
	PrimalRegularization    float64 `mapstructure:"primal_regularization"`
	DualRegularization      float64 `mapstructure:"dual_regularization"`
	SchurDropTolerance      float64 `mapstructure:"schur_drop_tolerance"`
	SchurDropToleranceFloor float64 `mapstructure:"schur_drop_tolerance_floor"`
	ComputeInertia          bool    `mapstructure:"compute_inertia"`
}

// DefaultOptions returns the parameter set used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 100,
		MuTol:         1e-6,
		ArTol:         1e-4,

		MaxCorrectors:                      3,
		DynamicCorrectorSchedule:           false,
		AdditionalCorrectorsSmallCompPairs: false,
		MaxAdditionalCorrectors:            5,
		FirstIterSmallCorrectors:           10,
		MaxAlphaSmallCorrectors:            0.5,
		SmallCorrectorPolicy:               SMALL_CORRECTORS_ADDITIVE,

		StepFactor0:         0.3,
		StepFactor1:         1.5,
		AcceptanceTolerance: 0.01,
		BetaMin:             0.1,
		BetaMax:             10,
		Tsig:                3,

		GammaF:           0.99,
		GammaA:           1 / (1 - 0.99),
		StepLengthFactor: 0.99999999,
		LinesearchPoints: 10,

		ResidualBlowupFactor: 1e4,
		PoorStepAlpha:        1e-4,
		Probing:              true,
		ProbingMinFactor:     0.1,
		MaxAttempts:          3,

		DynamicInnerTolerance: true,
		InnerTolerance:        1e-10,
		InnerMaxIterations:    75,
		InnerRefinement:       true,

		PrimalRegularization:    1e-10,
		DualRegularization:      1e-10,
		SchurDropTolerance:      0,
		SchurDropToleranceFloor: 1e-8,
		ComputeInertia:          false,
	}
}

// Validate checks that the options are usable.
func (o Options) Validate() error {
	switch {
	case o.MaxIterations <= 0:
		return errors.New("max_iterations must be positive")
	case o.MuTol <= 0 || o.ArTol <= 0:
		return errors.New("mutol and artol must be positive")
	case o.MaxCorrectors < 0 || o.MaxAdditionalCorrectors < 0:
		return errors.New("corrector limits must not be negative")
	case o.LinesearchPoints <= 0:
		return errors.New("n_linesearch_points must be positive")
	case o.InnerTolerance <= 1e-15 || o.InnerTolerance >= 1:
		return errors.Errorf("outer_bicg_tol %g not in (1e-15, 1)", o.InnerTolerance)
	case o.GammaF <= 0 || o.GammaF > 1:
		return errors.New("gamma_f must lie in (0, 1]")
	case o.StepLengthFactor <= 0 || o.StepLengthFactor >= 1:
		return errors.New("steplength_factor must lie in (0, 1)")
	case o.ProbingMinFactor <= 0 || o.ProbingMinFactor > 1:
		return errors.New("probing_min_factor must lie in (0, 1]")
	case o.SchurDropTolerance < 0:
		return errors.New("schur_drop_tolerance must not be negative")
	case o.MaxAttempts <= 0:
		return errors.New("max_attempts must be positive")
	case o.BetaMin <= 0 || o.BetaMin >= o.BetaMax:
		return errors.Errorf("beta_min %g and beta_max %g do not form a band", o.BetaMin, o.BetaMax)
	case o.GammaA <= 0:
		return errors.New("gamma_a must be positive")
	case o.Tsig <= 0:
		return errors.New("tsig must be positive")
	case o.PoorStepAlpha <= 0 || o.PoorStepAlpha >= 1:
		return errors.New("poor_step_alpha must lie in (0, 1)")
	case o.StepFactor0 < 0 || o.StepFactor1 < 0:
		return errors.New("step factors must not be negative")
	}
	switch o.SmallCorrectorPolicy {
	case SMALL_CORRECTORS_ADDITIVE, SMALL_CORRECTORS_CAPPED:
	default:
		return errors.Errorf("unknown small corrector policy %q", o.SmallCorrectorPolicy)
	}
	return nil
}
