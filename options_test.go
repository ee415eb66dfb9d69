package ipm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
}

func TestOptions_Validate(t *testing.T) {

	tests := []struct {
		name   string
		modify func(o *Options)
	}{
		{"no iterations", func(o *Options) { o.MaxIterations = 0 }},
		{"zero mutol", func(o *Options) { o.MuTol = 0 }},
		{"negative artol", func(o *Options) { o.ArTol = -1 }},
		{"negative correctors", func(o *Options) { o.MaxCorrectors = -1 }},
		{"negative small correctors", func(o *Options) { o.MaxAdditionalCorrectors = -2 }},
		{"no linesearch points", func(o *Options) { o.LinesearchPoints = 0 }},
		{"inner tolerance too tight", func(o *Options) { o.InnerTolerance = 1e-16 }},
		{"inner tolerance too loose", func(o *Options) { o.InnerTolerance = 1 }},
		{"gamma_f above one", func(o *Options) { o.GammaF = 1.5 }},
		{"full step length factor", func(o *Options) { o.StepLengthFactor = 1 }},
		{"zero probing factor", func(o *Options) { o.ProbingMinFactor = 0 }},
		{"negative drop tolerance", func(o *Options) { o.SchurDropTolerance = -1e-3 }},
		{"no attempts", func(o *Options) { o.MaxAttempts = 0 }},
		{"unknown policy", func(o *Options) { o.SmallCorrectorPolicy = "greedy" }},
		{"empty target band", func(o *Options) { o.BetaMin, o.BetaMax = 2, 2 }},
		{"inverted target band", func(o *Options) { o.BetaMin, o.BetaMax = 10, 0.1 }},
		{"zero beta_min", func(o *Options) { o.BetaMin = 0 }},
		{"zero gamma_a", func(o *Options) { o.GammaA = 0 }},
		{"negative tsig", func(o *Options) { o.Tsig = -1 }},
		{"zero poor step", func(o *Options) { o.PoorStepAlpha = 0 }},
		{"poor step of one", func(o *Options) { o.PoorStepAlpha = 1 }},
		{"negative step factor", func(o *Options) { o.StepFactor0 = -0.1 }},
		{"negative step factor slope", func(o *Options) { o.StepFactor1 = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.modify(&o)
			assert.Error(t, o.Validate())
		})
	}

	o := DefaultOptions()
	o.SmallCorrectorPolicy = SMALL_CORRECTORS_CAPPED
	o.GammaF = 1
	assert.NoError(t, o.Validate())
}
