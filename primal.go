package ipm

import (
	"math"

	"k8s.io/klog/v2"
)

// PrimalMethod takes one common step length for primal and dual variables.
type PrimalMethod struct {
	*method

	alpha float64

	alphaCandidate, weightCandidate float64
}

func newPrimalMethod(f *Formulation, dnorm float64, scaler Scaler, opts Options) *PrimalMethod {
	return &PrimalMethod{method: newMethod(f, dnorm, scaler, opts)}
}

// Type implements IPMStepStrategy.
func (p *PrimalMethod) Type() InteriorPointMethodType {
	return IPM_PRIMAL
}

// ComputeCenteringParameter implements IPMStepStrategy.
func (p *PrimalMethod) ComputeCenteringParameter(iterate, step *Variables) float64 {
	mu := iterate.mu()
	if mu == 0 {
		return 0
	}
	alpha := iterate.stepbound(step)
	muAffine := iterate.mustep(step, alpha)
	return math.Pow(muAffine/mu, p.opts.Tsig)
}

// calculateAlphaWeightCandidate searches the corrector weight maximizing the
// step length of step + weight*corrector.
func (p *PrimalMethod) calculateAlphaWeightCandidate(iterate, step, corrector *Variables, alpha float64) {
	p.alphaCandidate, p.weightCandidate = -1, 1
	for _, w := range p.weights(alpha) {
		p.tempStep.copyFrom(step)
		p.tempStep.axpy(w, corrector)
		if a := iterate.stepbound(p.tempStep); a > p.alphaCandidate {
			p.alphaCandidate, p.weightCandidate = a, w
		}
	}
}

// GondzioCorrectionLoop implements IPMStepStrategy.
func (p *PrimalMethod) GondzioCorrectionLoop(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) error {
	rmin, rmax := p.targetBand(ctx)
	alpha := iterate.stepbound(step)

	for p.correctorAllowed(ctx, alpha) {
		if p.CheckNumericalTroubles(res, ctx) || alpha == 1 {
			break
		}

		enhanced := p.enhancedAlpha(alpha)
		if err := p.computeGondzioCorrector(iterate, step, enhanced, enhanced, rmin, rmax, sys, ctx); err != nil {
			return err
		}
		if p.CheckNumericalTroubles(res, ctx) {
			break
		}

		p.calculateAlphaWeightCandidate(iterate, step, p.corrector, alpha)
		if p.alphaCandidate >= (1+p.opts.AcceptanceTolerance)*alpha {
			step.axpy(p.weightCandidate, p.corrector)
			alpha = p.alphaCandidate
			p.countCorrection(ctx)
			continue
		}
		if p.switchToSmallCorrectors(ctx, alpha) {
			continue
		}
		break
	}
	klog.V(4).Infof("iteration %d: %d gondzio correctors (%d small), alpha %g", ctx.Iteration, ctx.GondzioCorrections, ctx.SmallCorrections, alpha)
	return nil
}

// MehrotraStepLength implements IPMStepStrategy.
func (p *PrimalMethod) MehrotraStepLength(iterate, step *Variables) {
	b := iterate.findBlocking(step)
	mufull := iterate.mustep(step, b.alpha) / p.opts.GammaA
	p.alpha = p.finalStepLength(b, b.alpha, mufull)
}

// computeProbingStep sets the probed point iterate + alpha*step.
func (p *PrimalMethod) computeProbingStep(iterate, step *Variables, alpha float64) {
	p.trial.copyFrom(iterate)
	p.trial.axpy(alpha, step)
}

// DoProbing implements IPMStepStrategy.
func (p *PrimalMethod) DoProbing(iterate *Variables, res *Residuals, step *Variables) {
	alphaMax := iterate.stepbound(step)
	p.computeProbingStep(iterate, step, alphaMax)
	factor := p.computeProbingFactor(iterate, res)
	p.alpha = factor * alphaMax * p.opts.StepLengthFactor
}

// IsPoorStep implements IPMStepStrategy.
func (p *PrimalMethod) IsPoorStep(iterate, step *Variables, ctx *IterationContext) bool {
	return p.isPoorStep(ctx, iterate.stepbound(step))
}

// StepLengths implements IPMStepStrategy.
func (p *PrimalMethod) StepLengths() (float64, float64) {
	return p.alpha, p.alpha
}

// TakeStep implements IPMStepStrategy.
func (p *PrimalMethod) TakeStep(iterate, step *Variables) {
	iterate.axpy(p.alpha, step)
}

// PrintStatistics implements IPMStepStrategy.
func (p *PrimalMethod) PrintStatistics(iterate *Variables, res *Residuals, ctx *IterationContext, status TerminationStatus) {
	p.printStatistics(iterate, res, ctx, status, p.alpha, p.alpha)
}
