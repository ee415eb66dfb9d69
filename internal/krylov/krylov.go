// Copyright ©2016 The gonum Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package krylov provides a preconditioned BiCGStab solver driven through a
// reverse-communication interface, so that the operator, the preconditioner and
// the inner products can live on distributed data.
package krylov

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ErrIterationLimit is returned when the method did not converge within
// Settings.MaxIterations.
var ErrIterationLimit = errors.New("krylov: iteration limit reached")

// MatrixOps describes the operator of the
// linear system.
type MatrixOps struct {
	// Compute A*x and store the result
	// into dst.
	// It must be non-nil.
	MatVec func(dst, x []float64)

	// Dot computes the inner product of
	// two vectors. For distributed vectors
	// it must return the same value on
	// every rank.
	// If it is nil, floats.Dot is used.
	Dot func(x, y []float64) float64
}

// Settings holds various settings for
// solving a linear system.
type Settings struct {
	// X0 is an initial guess.
	// If it is nil, the zero vector will
	// be used.
	X0 []float64

	// Tolerance specifies the relative
	// residual tolerance
	//  |r_i| < Tolerance * |b|.
	// It must be smaller than one and
	// greater than the machine epsilon.
	Tolerance float64

	// MaxIterations is the limit on the
	// number of iterations.
	// If it is zero, it will be set to
	// twice the dimension of the system.
	MaxIterations int

	// PSolve stores into dst the solution
	// of M z = rhs.
	// If it is nil, no preconditioning
	// will be used.
	PSolve func(dst, rhs []float64) error
}

func defaultSettings(s *Settings, dim int) {
	if s.Tolerance == 0 {
		s.Tolerance = 1e-8
	}
	if s.MaxIterations == 0 {
		s.MaxIterations = 2 * dim
	}
}

// Operation specifies the type of operation.
type Operation uint64

// Operations commanded by Method.Iterate.
const (
	NoOperation Operation = 0

	// Multiply A*x where x is stored
	// in Context.Src and the result will
	// be stored in Context.Dst.
	MatVec Operation = 1 << (iota - 1)

	// Do the preconditioner solve
	//  M z = r,
	// where r is stored in Context.Src,
	// and store the solution z in
	// Context.Dst.
	PSolve

	// Check convergence using the
	// residual norm in Context.ResidualNorm.
	CheckResidualNorm

	// EndIteration indicates that Method
	// has finished what it considers to
	// be one iteration.
	EndIteration
)

// Method is an iterative method that produces a sequence of vectors converging
// to the solution of A x = b.
type Method interface {
	// Init initializes the method for solving a dim×dim linear system.
	Init(dim int)

	// Iterate retrieves data from Context, updates it, and returns the next
	// operation.
	Iterate(*Context) (Operation, error)
}

// Context mediates the communication between a Method and the caller.
type Context struct {
	X            []float64
	Residual     []float64
	ResidualNorm float64
	Converged    bool

	// Dot is the inner product the method must use.
	Dot func(x, y []float64) float64

	Src, Dst []float64
}

// Stats holds statistics about an iterative solve.
type Stats struct {
	Iterations   int
	MatVec       int
	PSolve       int
	ResidualNorm float64
	// RelResidual is ResidualNorm divided by the norm of the right-hand side.
	RelResidual float64
	StartTime   time.Time
	Runtime     time.Duration
}

// Result holds the result of an iterative solve.
type Result struct {
	X     []float64
	Stats Stats
}

// LinearSolve solves A*x = b where A is represented by the operations in a.
// A non-nil error is returned together with the last approximation when the
// method breaks down or runs out of iterations.
func LinearSolve(a MatrixOps, b []float64, method Method, settings Settings) (Result, error) {
	stats := Stats{StartTime: time.Now()}

	dim := len(b)
	if a.MatVec == nil {
		panic("krylov: nil matrix-vector multiplication")
	}
	if settings.X0 != nil && len(settings.X0) != dim {
		panic("krylov: mismatched length of initial guess")
	}
	if a.Dot == nil {
		a.Dot = floats.Dot
	}

	if dim == 0 {
		return Result{Stats: stats}, nil
	}

	defaultSettings(&settings, dim)
	if settings.Tolerance < dlamchE || 1 <= settings.Tolerance {
		panic("krylov: invalid tolerance")
	}

	ctx := &Context{
		X:        make([]float64, dim),
		Residual: make([]float64, dim),
		Dot:      a.Dot,
	}
	if settings.X0 != nil {
		copy(ctx.X, settings.X0)
		a.MatVec(ctx.Residual, ctx.X)
		stats.MatVec++
		floats.AddScaledTo(ctx.Residual, b, -1, ctx.Residual) // r = b - Ax
	} else {
		copy(ctx.Residual, b)
	}

	bnorm := math.Sqrt(a.Dot(b, b))
	if bnorm == 0 {
		bnorm = 1
	}
	ctx.ResidualNorm = math.Sqrt(a.Dot(ctx.Residual, ctx.Residual))

	var err error
	if ctx.ResidualNorm/bnorm >= settings.Tolerance {
		err = iterate(a, ctx, bnorm, settings, method, &stats)
	}

	stats.ResidualNorm = ctx.ResidualNorm
	stats.RelResidual = ctx.ResidualNorm / bnorm
	stats.Runtime = time.Since(stats.StartTime)
	return Result{
		X:     ctx.X,
		Stats: stats,
	}, err
}

func iterate(a MatrixOps, ctx *Context, bnorm float64, settings Settings, method Method, stats *Stats) error {
	method.Init(len(ctx.X))

	for {
		op, err := method.Iterate(ctx)
		if err != nil {
			return err
		}

		switch op {
		case NoOperation:

		case MatVec:
			a.MatVec(ctx.Dst, ctx.Src)
			stats.MatVec++

		case PSolve:
			if settings.PSolve == nil {
				copy(ctx.Dst, ctx.Src)
				continue
			}
			if err := settings.PSolve(ctx.Dst, ctx.Src); err != nil {
				return errors.Wrap(err, "krylov: preconditioner solve")
			}
			stats.PSolve++

		case CheckResidualNorm:
			ctx.Converged = ctx.ResidualNorm/bnorm < settings.Tolerance

		case EndIteration:
			stats.Iterations++
			if ctx.Converged {
				return nil
			}
			if stats.Iterations == settings.MaxIterations {
				return ErrIterationLimit
			}

		default:
			panic("krylov: invalid operation")
		}
	}
}

func reuse(v []float64, n int) []float64 {
	if cap(v) < n {
		return make([]float64, n)
	}
	return v[:n]
}

const dlamchE = 1.0 / (1 << 53)
