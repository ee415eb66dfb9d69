// Package ipm implements a Mehrotra predictor-corrector interior-point method
// with Gondzio correctors for block-structured convex quadratic programs, with
// the Newton systems solved by Schur complement decomposition across the ranks
// of a scenario tree.
package ipm

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// IterationContext carries the state of one interior-point iteration. It is
// reset at the start of every iteration and threaded through every call of
// the iteration explicitly.
type IterationContext struct {
	Iteration int

	Mu    float64
	Sigma float64

	// PrevResidualNorm is the residual norm of the previous iteration, zero
	// in the first one.
	PrevResidualNorm float64

	NumericalTroubles bool
	// WrongInertia is set after a factorization with unexpected inertia and
	// makes every attempt of the iteration start out troubled.
	WrongInertia      bool
	PureCenteringStep bool
	SmallCorrectors   bool
	PrecondDecreased  bool
	Probed            bool

	GondzioCorrections int
	SmallCorrections   int

	// Telemetry of the latest linear system solve.
	Telemetry SolveTelemetry
}

func newIterationContext(iteration int, mu, prevResidualNorm float64) *IterationContext {
	return &IterationContext{
		Iteration:        iteration,
		Mu:               mu,
		PrevResidualNorm: prevResidualNorm,
		Telemetry:        SolveTelemetry{Skipped: true, Converged: true},
	}
}

// resetAttempt clears what one attempt at the iteration may have changed,
// keeping the pure centering decision.
func (c *IterationContext) resetAttempt() {
	c.NumericalTroubles = c.WrongInertia
	c.SmallCorrectors = false
	c.PrecondDecreased = false
	c.Probed = false
	c.GondzioCorrections = 0
	c.SmallCorrections = 0
}

// IPMStepStrategy computes and takes the steps of one interior-point
// iteration. PrimalMethod uses one step length for all variables,
// PrimalDualMethod separate primal and dual step lengths.
type IPMStepStrategy interface {
	// ComputePredictorStep solves for the affine scaling direction. It
	// reports false when the inner solve did not reach its tolerance.
	ComputePredictorStep(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) (bool, error)

	// ComputeCenteringParameter returns Mehrotra's sigma = (mu_aff/mu)^tsig.
	ComputeCenteringParameter(iterate, step *Variables) float64

	// ComputeCorrectorStep adds the Mehrotra corrector to step, or replaces
	// step by a centering step when ctx.PureCenteringStep is set.
	ComputeCorrectorStep(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) error

	GondzioCorrectionLoop(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) error

	// AdjustLimitGondzioCorrectors sets the corrector budget from the
	// telemetry of the previous iteration.
	AdjustLimitGondzioCorrectors(last SolveTelemetry)
	CheckNumericalTroubles(res *Residuals, ctx *IterationContext) bool
	IsPoorStep(iterate, step *Variables, ctx *IterationContext) bool

	MehrotraStepLength(iterate, step *Variables)
	DoProbing(iterate *Variables, res *Residuals, step *Variables)
	StepLengths() (alphaPrimal, alphaDual float64)
	TakeStep(iterate, step *Variables)

	PrintStatistics(iterate *Variables, res *Residuals, ctx *IterationContext, status TerminationStatus)
	Type() InteriorPointMethodType
}

// method holds what both strategies share.
type method struct {
	data   *Formulation
	dnorm  float64
	scaler Scaler
	opts   Options

	corrector      *Variables
	correctorResid *Residuals
	tempStep       *Variables
	trial          *Variables
	probeResid     *Residuals

	maxCorrectors int
}

func newMethod(f *Formulation, dnorm float64, scaler Scaler, opts Options) *method {
	return &method{
		data:           f,
		dnorm:          dnorm,
		scaler:         scaler,
		opts:           opts,
		corrector:      f.NewVariables(),
		correctorResid: f.NewResiduals(),
		tempStep:       f.NewVariables(),
		trial:          f.NewVariables(),
		probeResid:     f.NewResiduals(),
		maxCorrectors:  opts.MaxCorrectors,
	}
}

// ComputePredictorStep implements IPMStepStrategy.
func (m *method) ComputePredictorStep(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) (bool, error) {
	res.SetComplementarity(iterate, 0)
	m.setInnerTolerance(sys, ctx.Iteration)

	tel, err := sys.Solve(iterate, res, step)
	ctx.Telemetry = tel
	if err != nil {
		return false, errors.Wrap(err, "predictor")
	}
	step.negate()
	return tel.Converged || tel.Skipped, nil
}

// ComputeCorrectorStep implements IPMStepStrategy.
func (m *method) ComputeCorrectorStep(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) error {
	cr := m.correctorResid
	shift := -ctx.Sigma * ctx.Mu

	if ctx.PureCenteringStep {
		// full Newton step towards the central path point sigma*mu
		cr.copyFrom(res)
		cr.SetComplementarity(iterate, shift)
		tel, err := sys.Solve(iterate, cr, step)
		ctx.Telemetry = tel
		if err != nil {
			return errors.Wrap(err, "centering step")
		}
		step.negate()
		return nil
	}

	cr.ClearLinear()
	cr.SetComplementarity(step, shift)
	tel, err := sys.Solve(iterate, cr, m.corrector)
	ctx.Telemetry = tel
	if err != nil {
		return errors.Wrap(err, "corrector")
	}
	m.corrector.negate()
	step.axpy(1, m.corrector)
	return nil
}

// computeGondzioCorrector solves for a corrector pushing the complementarity
// products at the trial point iterate + alpha*step into [rmin, rmax]. Small
// correctors only push up.
func (m *method) computeGondzioCorrector(iterate, step *Variables, alphaPrimal, alphaDual, rmin, rmax float64, sys LinearSystem, ctx *IterationContext) error {
	m.trial.copyFrom(iterate)
	m.trial.axpyPD(alphaPrimal, alphaDual, step)

	if ctx.SmallCorrectors {
		rmax = math.Inf(1)
	}
	cr := m.correctorResid
	cr.ClearLinear()
	cr.SetComplementarity(m.trial, 0)
	cr.ProjectComplementarity(rmin, rmax)

	tel, err := sys.Solve(iterate, cr, m.corrector)
	ctx.Telemetry = tel
	return errors.Wrap(err, "gondzio corrector")
}

// correctorAllowed reports whether the budget admits another Gondzio
// corrector, switching to small correctors once the regular budget is spent
// under the additive policy.
func (m *method) correctorAllowed(ctx *IterationContext, alpha float64) bool {
	regular := ctx.GondzioCorrections - ctx.SmallCorrections
	if !ctx.SmallCorrectors && regular >= m.maxCorrectors {
		if m.opts.SmallCorrectorPolicy != SMALL_CORRECTORS_ADDITIVE || !m.switchToSmallCorrectors(ctx, alpha) {
			return false
		}
	}
	if ctx.SmallCorrectors {
		if ctx.SmallCorrections >= m.opts.MaxAdditionalCorrectors {
			return false
		}
		if m.opts.SmallCorrectorPolicy == SMALL_CORRECTORS_CAPPED && ctx.GondzioCorrections >= m.maxCorrectors {
			return false
		}
	}
	return true
}

// switchToSmallCorrectors enters the small corrector phase if it is enabled
// and the step is still short.
func (m *method) switchToSmallCorrectors(ctx *IterationContext, alpha float64) bool {
	if !m.opts.AdditionalCorrectorsSmallCompPairs || ctx.SmallCorrectors {
		return false
	}
	if ctx.Iteration < m.opts.FirstIterSmallCorrectors || alpha >= m.opts.MaxAlphaSmallCorrectors {
		return false
	}
	klog.V(4).Infof("iteration %d: switching to small complementarity correctors at alpha %g", ctx.Iteration, alpha)
	ctx.SmallCorrectors = true
	return true
}

// countCorrection records an accepted corrector.
func (m *method) countCorrection(ctx *IterationContext) {
	ctx.GondzioCorrections++
	if ctx.SmallCorrectors {
		ctx.SmallCorrections++
	}
}

// targetBand returns the interval Gondzio correctors push the complementarity
// products into.
func (m *method) targetBand(ctx *IterationContext) (rmin, rmax float64) {
	return ctx.Sigma * ctx.Mu * m.opts.BetaMin, ctx.Sigma * ctx.Mu * m.opts.BetaMax
}

// enhancedAlpha is the trial step length a corrector is computed for.
func (m *method) enhancedAlpha(alpha float64) float64 {
	return math.Min(1, m.opts.StepFactor1*alpha+m.opts.StepFactor0)
}

// weights returns the corrector weights tried by the candidate search, evenly
// spaced from alpha² to one.
func (m *method) weights(alpha float64) []float64 {
	n := m.opts.LinesearchPoints
	wmin := alpha * alpha
	out := make([]float64, n+1)
	for i := range out {
		out[i] = wmin + (1-wmin)*float64(i)/float64(n)
	}
	out[n] = 1
	return out
}

// AdjustLimitGondzioCorrectors implements IPMStepStrategy.
func (m *method) AdjustLimitGondzioCorrectors(last SolveTelemetry) {
	if !m.opts.DynamicCorrectorSchedule {
		m.maxCorrectors = m.opts.MaxCorrectors
		return
	}
	level := 0
	if !last.Skipped {
		if last.Iterations > 15 {
			level++
		}
		if last.Iterations > 30 {
			level++
		}
		if !last.Converged {
			level++
			if last.RelResidual > 1e-4 {
				level++
			}
		}
	}
	m.maxCorrectors = max(0, m.opts.MaxCorrectors-level)
}

// CheckNumericalTroubles implements IPMStepStrategy. It flags a residual
// norm blowing up against the previous iteration and, with the dynamic
// corrector schedule, an inner solve whose accuracy no longer matches the
// outer residual.
func (m *method) CheckNumericalTroubles(res *Residuals, ctx *IterationContext) bool {
	rnorm := res.ResidualNorm()
	if ctx.PrevResidualNorm > 0 && rnorm > ctx.PrevResidualNorm*m.opts.ResidualBlowupFactor {
		klog.V(4).Infof("iteration %d: residual norm %g blew up from %g", ctx.Iteration, rnorm, ctx.PrevResidualNorm)
		ctx.NumericalTroubles = true
	}
	tel := ctx.Telemetry
	if m.opts.DynamicCorrectorSchedule && !tel.Converged && !tel.Skipped && tel.RelResidual*1e2*m.dnorm >= rnorm {
		klog.V(4).Infof("iteration %d: inner solve relative residual %g too large for residual norm %g", ctx.Iteration, tel.RelResidual, rnorm)
		ctx.NumericalTroubles = true
	}
	if ctx.NumericalTroubles {
		ctx.SmallCorrectors = false
	}
	return ctx.NumericalTroubles
}

// isPoorStep classifies a step of maximal length alphaMax. A short step is
// retried once the preconditioner has been sharpened, or else replaced by a
// pure centering step once.
func (m *method) isPoorStep(ctx *IterationContext, alphaMax float64) bool {
	if alphaMax >= m.opts.PoorStepAlpha {
		return false
	}
	if ctx.PrecondDecreased {
		return true
	}
	if !ctx.PureCenteringStep {
		klog.V(4).Infof("iteration %d: poor step %g, retrying with pure centering", ctx.Iteration, alphaMax)
		ctx.PureCenteringStep = true
		return true
	}
	return false
}

// setInnerTolerance tightens the inner solve tolerance as the iterations
// progress, unless a fixed tolerance is configured.
func (m *method) setInnerTolerance(sys LinearSystem, iteration int) {
	sys.SetInnerTolerance(innerTolerance(m.opts, iteration))
}

func innerTolerance(opts Options, iteration int) float64 {
	if !opts.DynamicInnerTolerance {
		return opts.InnerTolerance
	}
	switch {
	case iteration < 0:
		return 1e-10
	case iteration <= 2:
		return 1e-7
	case iteration <= 10:
		return 1e-8
	case iteration <= 20:
		return 1e-9
	case iteration <= 30:
		return 1e-10
	default:
		return 1e-11
	}
}

// probingFactor compares the residual norm and complementarity at a probed
// point with the current ones and returns the fraction of the probed step
// length to take.
func probingFactor(rnormLast, rnormProbe, muLast, muProbe, minFactor float64) float64 {
	ratio := math.Max(ratioOf(rnormProbe, rnormLast), ratioOf(muProbe, muLast))
	if ratio <= 1 {
		return 1
	}
	return math.Max(minFactor, math.Min(1, 1/ratio))
}

func ratioOf(num, den float64) float64 {
	if den == 0 {
		if num == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return num / den
}

// computeProbingFactor evaluates the residuals at the probed point m.trial.
func (m *method) computeProbingFactor(iterate *Variables, res *Residuals) float64 {
	m.probeResid.Evaluate(m.trial)
	f := probingFactor(res.ResidualNorm(), m.probeResid.ResidualNorm(), iterate.mu(), m.trial.mu(), m.opts.ProbingMinFactor)
	klog.V(4).Infof("probing: residual norm %g -> %g, factor %g", res.ResidualNorm(), m.probeResid.ResidualNorm(), f)
	return f
}

// finalStepLength applies the Mehrotra step length heuristic on one side of
// a blocking step: the blocking component is moved so that its pair product
// reaches mufull, but at least gamma_f of the way to the boundary.
func (m *method) finalStepLength(b blocking, partnerAlpha, mufull float64) float64 {
	if b.side == 0 {
		return 1
	}
	alpha := b.alpha
	switch b.side {
	case 1:
		if est := b.dualValue + partnerAlpha*b.dualStep; est > 0 && b.primalStep != 0 {
			alpha = (-b.primalValue + mufull/est) / b.primalStep
		}
	case 2:
		if est := b.primalValue + partnerAlpha*b.primalStep; est > 0 && b.dualStep != 0 {
			alpha = (-b.dualValue + mufull/est) / b.dualStep
		}
	}
	if math.IsNaN(alpha) {
		alpha = b.alpha
	}
	alpha = math.Min(math.Max(alpha, m.opts.GammaF*b.alpha), b.alpha)
	return alpha * m.opts.StepLengthFactor
}

// printStatistics logs one iteration line on the first rank.
func (m *method) printStatistics(iterate *Variables, res *Residuals, ctx *IterationContext, status TerminationStatus, alphaPrimal, alphaDual float64) {
	obj := m.data.Objective(iterate)
	if m.scaler != nil {
		obj = m.scaler.ObjUnscaled(obj)
	}
	if !m.data.tree.isRoot() {
		return
	}
	klog.V(2).Infof("it %3d  mu %.3e  rnorm %.3e  gap %.3e  obj %.8e  alpha %.3e/%.3e  corr %d(%d)  %s",
		ctx.Iteration, ctx.Mu, res.ResidualNorm(), res.DualityGap(), obj,
		alphaPrimal, alphaDual, ctx.GondzioCorrections, ctx.SmallCorrections, status)
}
