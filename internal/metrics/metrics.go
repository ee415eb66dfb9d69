// Package metrics exports interior-point iteration statistics as prometheus
// metrics.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	ipm "github.com/jjhbw/stochipm"
)

// Collector is an ipm.Monitor that records every iteration it sees.
type Collector struct {
	iterations      prometheus.Counter
	correctors      *prometheus.CounterVec
	innerIterations prometheus.Histogram
	stepLength      *prometheus.GaugeVec
	mu              prometheus.Gauge
	residualNorm    prometheus.Gauge
	events          *prometheus.CounterVec
	terminations    *prometheus.CounterVec
}

// New creates the collectors under namespace and registers them on reg.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Number of interior-point iterations.",
		}),
		correctors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gondzio_correctors_total",
			Help:      "Number of accepted Gondzio correctors by kind.",
		}, []string{"kind"}),
		innerIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inner_solve_iterations",
			Help:      "BiCGStab iterations of the last linear solve of an iteration.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		stepLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_length",
			Help:      "Step length of the latest iteration.",
		}, []string{"side"}),
		mu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "complementarity",
			Help:      "Average complementarity mu of the latest iteration.",
		}),
		residualNorm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "residual_norm",
			Help:      "Infinity norm of the linear residuals of the latest iteration.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_events_total",
			Help:      "Iterations with numerical troubles, pure centering steps or probing.",
		}, []string{"event"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Finished solves by termination status.",
		}, []string{"status"}),
	}

	for _, col := range []prometheus.Collector{
		c.iterations, c.correctors, c.innerIterations, c.stepLength,
		c.mu, c.residualNorm, c.events, c.terminations,
	} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "register solver metrics")
		}
	}
	return c, nil
}

// ProcessIteration implements ipm.Monitor.
func (c *Collector) ProcessIteration(r ipm.IterationRecord) {
	c.mu.Set(r.Mu)
	c.residualNorm.Set(r.ResidualNorm)

	if r.Status != ipm.NOT_FINISHED {
		c.terminations.WithLabelValues(string(r.Status)).Inc()
		return
	}

	c.iterations.Inc()
	c.correctors.WithLabelValues("regular").Add(float64(r.GondzioCorrections - r.SmallCorrections))
	c.correctors.WithLabelValues("small").Add(float64(r.SmallCorrections))
	c.innerIterations.Observe(float64(r.InnerIterations))
	c.stepLength.WithLabelValues("primal").Set(r.AlphaPrimal)
	c.stepLength.WithLabelValues("dual").Set(r.AlphaDual)

	if r.NumericalTroubles {
		c.events.WithLabelValues("numerical_troubles").Inc()
	}
	if r.PureCentering {
		c.events.WithLabelValues("pure_centering").Inc()
	}
	if r.Probed {
		c.events.WithLabelValues("probing").Inc()
	}
}
