package ipm

import (
	"math"

	"k8s.io/klog/v2"
)

// PrimalDualMethod takes separate step lengths for the primal variables
// x, s, v, w, t, u and the dual variables y, z, gamma, phi, lambda, pi.
type PrimalDualMethod struct {
	*method

	alphaPrimal, alphaDual float64

	alphaPrimalCandidate, alphaDualCandidate   float64
	weightPrimalCandidate, weightDualCandidate float64
}

func newPrimalDualMethod(f *Formulation, dnorm float64, scaler Scaler, opts Options) *PrimalDualMethod {
	return &PrimalDualMethod{method: newMethod(f, dnorm, scaler, opts)}
}

// Type implements IPMStepStrategy.
func (p *PrimalDualMethod) Type() InteriorPointMethodType {
	return IPM_PRIMAL_DUAL
}

// ComputeCenteringParameter implements IPMStepStrategy.
func (p *PrimalDualMethod) ComputeCenteringParameter(iterate, step *Variables) float64 {
	mu := iterate.mu()
	if mu == 0 {
		return 0
	}
	alphaPrimal, alphaDual := iterate.stepboundPD(step)
	muAffine := iterate.mustepPD(step, alphaPrimal, alphaDual)
	return math.Pow(muAffine/mu, p.opts.Tsig)
}

// calculateAlphaPDWeightCandidate searches the primal and dual corrector
// weights independently.
func (p *PrimalDualMethod) calculateAlphaPDWeightCandidate(iterate, step, corrector *Variables, alphaPrimal, alphaDual float64) {
	p.alphaPrimalCandidate, p.weightPrimalCandidate = -1, 1
	p.alphaDualCandidate, p.weightDualCandidate = -1, 1

	weights := p.weights(math.Min(alphaPrimal, alphaDual))
	for _, w := range weights {
		p.tempStep.copyFrom(step)
		p.tempStep.axpy(w, corrector)
		ap, ad := iterate.stepboundPD(p.tempStep)
		if ap > p.alphaPrimalCandidate {
			p.alphaPrimalCandidate, p.weightPrimalCandidate = ap, w
		}
		if ad > p.alphaDualCandidate {
			p.alphaDualCandidate, p.weightDualCandidate = ad, w
		}
	}
}

// GondzioCorrectionLoop implements IPMStepStrategy.
func (p *PrimalDualMethod) GondzioCorrectionLoop(iterate *Variables, res *Residuals, step *Variables, sys LinearSystem, ctx *IterationContext) error {
	rmin, rmax := p.targetBand(ctx)
	alphaPrimal, alphaDual := iterate.stepboundPD(step)

	for p.correctorAllowed(ctx, math.Min(alphaPrimal, alphaDual)) {
		if p.CheckNumericalTroubles(res, ctx) || (alphaPrimal == 1 && alphaDual == 1) {
			break
		}

		if err := p.computeGondzioCorrector(iterate, step, p.enhancedAlpha(alphaPrimal), p.enhancedAlpha(alphaDual), rmin, rmax, sys, ctx); err != nil {
			return err
		}
		if p.CheckNumericalTroubles(res, ctx) {
			break
		}

		p.calculateAlphaPDWeightCandidate(iterate, step, p.corrector, alphaPrimal, alphaDual)
		acc := 1 + p.opts.AcceptanceTolerance
		if p.alphaPrimalCandidate >= acc*alphaPrimal || p.alphaDualCandidate >= acc*alphaDual {
			// each side only moves if its step length does not shrink
			wp, wd := 0.0, 0.0
			if p.alphaPrimalCandidate >= alphaPrimal {
				wp, alphaPrimal = p.weightPrimalCandidate, p.alphaPrimalCandidate
			}
			if p.alphaDualCandidate >= alphaDual {
				wd, alphaDual = p.weightDualCandidate, p.alphaDualCandidate
			}
			step.axpyPD(wp, wd, p.corrector)
			p.countCorrection(ctx)
			continue
		}
		if p.switchToSmallCorrectors(ctx, math.Min(alphaPrimal, alphaDual)) {
			continue
		}
		break
	}
	klog.V(4).Infof("iteration %d: %d gondzio correctors (%d small), alpha %g/%g", ctx.Iteration, ctx.GondzioCorrections, ctx.SmallCorrections, alphaPrimal, alphaDual)
	return nil
}

// MehrotraStepLength implements IPMStepStrategy.
func (p *PrimalDualMethod) MehrotraStepLength(iterate, step *Variables) {
	primal, dual := iterate.findBlockingPD(step)
	mufull := iterate.mustepPD(step, primal.alpha, dual.alpha) / p.opts.GammaA
	p.alphaPrimal = p.finalStepLength(primal, dual.alpha, mufull)
	p.alphaDual = p.finalStepLength(dual, primal.alpha, mufull)
}

// computeProbingStep sets the probed point with separate step lengths.
func (p *PrimalDualMethod) computeProbingStep(iterate, step *Variables, alphaPrimal, alphaDual float64) {
	p.trial.copyFrom(iterate)
	p.trial.axpyPD(alphaPrimal, alphaDual, step)
}

// DoProbing implements IPMStepStrategy.
func (p *PrimalDualMethod) DoProbing(iterate *Variables, res *Residuals, step *Variables) {
	maxPrimal, maxDual := iterate.stepboundPD(step)
	p.computeProbingStep(iterate, step, maxPrimal, maxDual)
	factor := p.computeProbingFactor(iterate, res)
	p.alphaPrimal = factor * maxPrimal * p.opts.StepLengthFactor
	p.alphaDual = factor * maxDual * p.opts.StepLengthFactor
}

// IsPoorStep implements IPMStepStrategy.
func (p *PrimalDualMethod) IsPoorStep(iterate, step *Variables, ctx *IterationContext) bool {
	ap, ad := iterate.stepboundPD(step)
	return p.isPoorStep(ctx, math.Min(ap, ad))
}

// StepLengths implements IPMStepStrategy.
func (p *PrimalDualMethod) StepLengths() (float64, float64) {
	return p.alphaPrimal, p.alphaDual
}

// TakeStep implements IPMStepStrategy.
func (p *PrimalDualMethod) TakeStep(iterate, step *Variables) {
	iterate.axpyPD(p.alphaPrimal, p.alphaDual, step)
}

// PrintStatistics implements IPMStepStrategy.
func (p *PrimalDualMethod) PrintStatistics(iterate *Variables, res *Residuals, ctx *IterationContext, status TerminationStatus) {
	p.printStatistics(iterate, res, ctx, status, p.alphaPrimal, p.alphaDual)
}
