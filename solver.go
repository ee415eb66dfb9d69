package ipm

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/jjhbw/stochipm/internal/comm"
)

// errNoValidStep ends the iterations with NUMERICAL_DIFFICULTIES.
var errNoValidStep = errors.New("no valid step")

// Result is the outcome of a solve.
type Result struct {
	Status     TerminationStatus
	Iterations int
	Objective  float64

	Mu           float64
	ResidualNorm float64

	// X holds the root variables followed by the variables of each scenario.
	X []float64
	// Y and Z hold the multipliers of the equality and inequality rows: the
	// root rows, the linking rows, then the rows of each scenario.
	Y, Z []float64
}

// Solver runs the interior-point iterations on one rank of a formulation.
// Every rank of the formulation must run its own Solver in lockstep.
type Solver struct {
	data     *Formulation
	strategy IPMStepStrategy
	sys      LinearSystem
	opts     Options
	dnorm    float64
	monitors []Monitor

	// inertia of the KKT matrix at a regular iterate
	wantInertia Inertia
	// iterate after the step, committed once it is valid
	trial       *Variables
}

// NewSolver sets up the Schur complement system and the step strategy of type
// t for f.
func NewSolver(f *Formulation, t InteriorPointMethodType, opts Options, monitors ...Monitor) (*Solver, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	dnorm := dataNorm(f)
	strategy := NewInteriorPointMethod(f, dnorm, t, nil, opts)
	return newSolver(f, strategy, NewSchurSystem(f, opts), opts, monitors...), nil
}

func newSolver(f *Formulation, strategy IPMStepStrategy, sys LinearSystem, opts Options, monitors ...Monitor) *Solver {
	nx, my, mz := f.problem.sizes()
	return &Solver{
		data:        f,
		strategy:    strategy,
		sys:         sys,
		opts:        opts,
		dnorm:       dataNorm(f),
		monitors:    monitors,
		wantInertia: Inertia{Positive: nx, Negative: my + mz},
	}
}

// dataNorm is the data norm the tolerances are relative to. A problem
// without data gets norm one.
func dataNorm(f *Formulation) float64 {
	if n := f.problem.DataNorm(); n > 0 {
		return n
	}
	return 1
}

// Solve runs the iterations from the default starting point until a
// termination test fires. Errors are reserved for failures that leave no
// meaningful status; numerical breakdowns end with NUMERICAL_DIFFICULTIES.
func (s *Solver) Solve() (*Result, error) {
	iterate := s.data.NewVariables()
	res := s.data.NewResiduals()
	step := s.data.NewVariables()
	s.trial = s.data.NewVariables()

	status := NOT_FINISHED
	if err := s.defaultStart(iterate, res, step); err != nil {
		if !isNumerical(err) {
			return nil, err
		}
		s.warn("no starting point: %v", err)
		status = NUMERICAL_DIFFICULTIES
	}

	tracker := newStatusTracker(s.opts, s.dnorm)
	last := SolveTelemetry{Skipped: true, Converged: true}
	var prevRnorm float64
	it := 0
	for ; status == NOT_FINISHED; it++ {
		res.Evaluate(iterate)
		mu := iterate.mu()
		ctx := newIterationContext(it, mu, prevRnorm)

		status = tracker.status(it, mu, res.ResidualNorm(), res.DualityGap())
		if status != NOT_FINISHED {
			s.strategy.PrintStatistics(iterate, res, ctx, status)
			s.notify(iterate, res, ctx, status)
			break
		}

		if err := s.iterate(iterate, res, step, ctx, last); err != nil {
			if !isNumerical(err) {
				return nil, errors.Wrapf(err, "iteration %d", it)
			}
			s.warn("iteration %d: %v", it, err)
			status = NUMERICAL_DIFFICULTIES
			s.notify(iterate, res, ctx, status)
			break
		}
		last = ctx.Telemetry
		prevRnorm = res.ResidualNorm()

		s.strategy.PrintStatistics(iterate, res, ctx, NOT_FINISHED)
		s.notify(iterate, res, ctx, NOT_FINISHED)
	}

	res.Evaluate(iterate)
	return &Result{
		Status:       status,
		Iterations:   it,
		Objective:    s.data.Objective(iterate),
		Mu:           iterate.mu(),
		ResidualNorm: res.ResidualNorm(),
		X:            iterate.Primal(),
		Y:            iterate.EqualityDuals(),
		Z:            iterate.InequalityDuals(),
	}, nil
}

// isNumerical reports whether err stems from the numerics of the Newton
// systems rather than from misuse.
func isNumerical(err error) bool {
	switch errors.Cause(err) {
	case ErrSingularBlock, ErrInnerSolveBreakdown, errNoValidStep:
		return true
	}
	return false
}

func (s *Solver) warn(format string, args ...interface{}) {
	if s.data.tree.isRoot() {
		klog.Warningf(format, args...)
	}
}

// defaultStart moves an interior point one Newton step towards feasibility
// and then shifts all bound variables well into the interior.
func (s *Solver) defaultStart(iterate *Variables, res *Residuals, step *Variables) error {
	sdatanorm := math.Sqrt(s.dnorm)
	iterate.interiorPoint(sdatanorm, sdatanorm)
	res.Evaluate(iterate)
	res.SetComplementarity(iterate, 0)

	if err := s.sys.Factor(iterate); err != nil {
		return errors.Wrap(err, "factor starting point")
	}
	s.sys.SetInnerTolerance(innerTolerance(s.opts, -1))
	if _, err := s.sys.Solve(iterate, res, step); err != nil {
		return errors.Wrap(err, "starting point step")
	}
	if !step.finite() {
		return errors.Wrap(errNoValidStep, "starting point step is not finite")
	}
	step.negate()
	iterate.axpy(1, step)

	shift := 1e3 + 2*iterate.violation()
	iterate.shiftBoundVariables(shift, shift)
	return nil
}

// iterate computes a step at iterate and takes it.
func (s *Solver) iterate(iterate *Variables, res *Residuals, step *Variables, ctx *IterationContext, last SolveTelemetry) error {
	s.strategy.AdjustLimitGondzioCorrectors(last)
	if err := s.sys.Factor(iterate); err != nil {
		return err
	}
	s.checkInertia(ctx)

	for attempt := 1; ; attempt++ {
		ctx.resetAttempt()
		if err := s.computeStep(iterate, res, step, ctx); err != nil {
			return err
		}
		if attempt >= s.opts.MaxAttempts || !s.strategy.IsPoorStep(iterate, step, ctx) {
			break
		}
	}
	if !step.finite() {
		return errors.Wrap(errNoValidStep, "step is not finite")
	}

	if ctx.NumericalTroubles && s.opts.Probing {
		s.strategy.DoProbing(iterate, res, step)
		ctx.Probed = true
	} else {
		s.strategy.MehrotraStepLength(iterate, step)
	}

	alphaPrimal, alphaDual := s.strategy.StepLengths()
	if !validStepLength(alphaPrimal) || !validStepLength(alphaDual) {
		return errors.Wrapf(errNoValidStep, "step lengths %g/%g", alphaPrimal, alphaDual)
	}
	s.trial.copyFrom(iterate)
	s.strategy.TakeStep(s.trial, step)
	if !s.trial.valid() {
		return errors.Wrap(errNoValidStep, "step leaves the interior")
	}
	iterate.copyFrom(s.trial)
	return nil
}

// checkInertia marks the iteration as troubled when the factorization does
// not have the inertia of a KKT matrix with positive definite reduced
// Hessian.
func (s *Solver) checkInertia(ctx *IterationContext) {
	if !s.sys.ReportsInertia() {
		return
	}
	in, ok := s.sys.Inertia()
	if !ok || in == s.wantInertia {
		return
	}
	s.warn("iteration %d: inertia %+v, want %+v", ctx.Iteration, in, s.wantInertia)
	ctx.WrongInertia = true
}

func validStepLength(alpha float64) bool {
	return alpha > 0 && alpha <= 1
}

// computeStep runs the predictor, the corrector and the Gondzio correctors
// of one attempt.
func (s *Solver) computeStep(iterate *Variables, res *Residuals, step *Variables, ctx *IterationContext) error {
	ok, err := s.strategy.ComputePredictorStep(iterate, res, step, s.sys, ctx)
	if err != nil {
		return err
	}
	if !ok {
		retried, err := s.sharpenPreconditioner(iterate, ctx)
		if err != nil {
			return err
		}
		if retried {
			if _, err := s.strategy.ComputePredictorStep(iterate, res, step, s.sys, ctx); err != nil {
				return err
			}
		}
	}

	if ctx.PureCenteringStep {
		ctx.Sigma = 1
	} else {
		ctx.Sigma = s.strategy.ComputeCenteringParameter(iterate, step)
	}

	if err := s.strategy.ComputeCorrectorStep(iterate, res, step, s.sys, ctx); err != nil {
		return err
	}

	if ctx.PureCenteringStep {
		s.strategy.CheckNumericalTroubles(res, ctx)
	} else if err := s.strategy.GondzioCorrectionLoop(iterate, res, step, s.sys, ctx); err != nil {
		return err
	}

	if ctx.NumericalTroubles && !ctx.PrecondDecreased {
		if _, err := s.sharpenPreconditioner(iterate, ctx); err != nil {
			return err
		}
	}
	return nil
}

// sharpenPreconditioner brings the preconditioner closer to the exact Schur
// complement and refactors. It reports false when nothing was left to
// sharpen.
func (s *Solver) sharpenPreconditioner(iterate *Variables, ctx *IterationContext) (bool, error) {
	if ctx.PrecondDecreased || !s.sys.DecreasePreconditionerImpact() {
		return false, nil
	}
	ctx.PrecondDecreased = true
	if err := s.sys.Factor(iterate); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Solver) notify(iterate *Variables, res *Residuals, ctx *IterationContext, status TerminationStatus) {
	alphaPrimal, alphaDual := 0.0, 0.0
	if status == NOT_FINISHED {
		alphaPrimal, alphaDual = s.strategy.StepLengths()
	}
	rec := IterationRecord{
		Iteration:          ctx.Iteration,
		Mu:                 ctx.Mu,
		ResidualNorm:       res.ResidualNorm(),
		DualityGap:         res.DualityGap(),
		Objective:          s.data.Objective(iterate),
		Sigma:              ctx.Sigma,
		AlphaPrimal:        alphaPrimal,
		AlphaDual:          alphaDual,
		GondzioCorrections: ctx.GondzioCorrections,
		SmallCorrections:   ctx.SmallCorrections,
		InnerIterations:    ctx.Telemetry.Iterations,
		NumericalTroubles:  ctx.NumericalTroubles,
		PureCentering:      ctx.PureCenteringStep,
		Probed:             ctx.Probed,
		Status:             status,
	}
	for _, m := range s.monitors {
		m.ProcessIteration(rec)
	}
}

// Solve solves p on a single rank.
func Solve(p *Problem, t InteriorPointMethodType, opts Options, monitors ...Monitor) (*Result, error) {
	return SolveDistributed(p, 1, t, opts, monitors...)
}

// SolveDistributed cleans up p, distributes its scenarios over nranks
// in-process ranks and solves it. Monitors listen to the first rank only.
func SolveDistributed(p *Problem, nranks int, t InteriorPointMethodType, opts Options, monitors ...Monitor) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid options")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}
	if nranks <= 0 {
		return nil, errors.Errorf("invalid number of ranks %d", nranks)
	}

	cleaner := newModelCleaner()
	reduced, err := cleaner.cleanup(p)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, nranks)
	world := comm.NewWorld(nranks)
	err = world.Run(func(c comm.Comm) error {
		f, err := NewFormulation(reduced, c)
		if err != nil {
			return err
		}
		var ms []Monitor
		if c.Rank() == 0 {
			ms = monitors
		}
		s, err := NewSolver(f, t, opts, ms...)
		if err != nil {
			return err
		}
		r, err := s.Solve()
		if err != nil {
			return err
		}
		results[c.Rank()] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleaner.postsolve(results[0]), nil
}
