package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// SolverSequential is the name reported by SequentialSolver.
const SolverSequential = "sequential"

// SequentialSettings tunes the augmented-Lagrangian outer loop and its inner minimiser.
type SequentialSettings struct {
	MaxOuterIterations int
	InitialPenalty     float64
	PenaltyGrowth      float64
	MaxPenalty         float64
	FeasibilityTol     float64
	InnerIterations    int
	GradientThreshold  float64
	VerifyTolerance    float64
}

// DefaultSequentialSettings returns the settings used by NewSequentialSolver.
func DefaultSequentialSettings() SequentialSettings {
	return SequentialSettings{
		MaxOuterIterations: 100,
		InitialPenalty:     10,
		PenaltyGrowth:      10,
		MaxPenalty:         1e8,
		FeasibilityTol:     1e-10,
		InnerIterations:    1000,
		GradientThreshold:  1e-10,
		VerifyTolerance:    1e-6,
	}
}

// SequentialSolver minimises the mean-variance objective with a PHR augmented Lagrangian whose
// subproblems are solved by gonum's quasi-Newton methods. It does not support trading terms or
// leverage caps.
type SequentialSolver struct {
	settings SequentialSettings
	log      zerolog.Logger
}

// NewSequentialSolver creates a solver with DefaultSequentialSettings.
func NewSequentialSolver(log zerolog.Logger) *SequentialSolver {
	return &SequentialSolver{
		settings: DefaultSequentialSettings(),
		log:      log.With().Str("component", "sequential_solver").Logger(),
	}
}

// Name implements Solver.
func (s *SequentialSolver) Name() string { return SolverSequential }

// smooth constraints: ineq g(w) ≤ 0, eq h(w) = 0.
type alConstraint struct {
	value func(w []float64) float64
	grad  func(dst, w []float64, scale float64)
}

func linearConstraint(a []float64, b float64) alConstraint {
	return alConstraint{
		value: func(w []float64) float64 { return floats.Dot(a, w) - b },
		grad: func(dst, _ []float64, scale float64) {
			for i := range dst {
				dst[i] += scale * a[i]
			}
		},
	}
}

func unit(n, i int, sign float64) []float64 {
	a := make([]float64, n)
	a[i] = sign
	return a
}

func ones(n int, sign float64) []float64 {
	a := make([]float64, n)
	for i := range a {
		a[i] = sign
	}
	return a
}

func (s *SequentialSolver) constraints(p *Problem) (ineq, eq []alConstraint) {
	n := p.Size()

	if p.Budget.Lower == p.Budget.Upper {
		eq = append(eq, linearConstraint(ones(n, 1), p.Budget.Lower))
	} else {
		if !math.IsInf(p.Budget.Upper, 1) {
			ineq = append(ineq, linearConstraint(ones(n, 1), p.Budget.Upper))
		}
		if !math.IsInf(p.Budget.Lower, -1) {
			ineq = append(ineq, linearConstraint(ones(n, -1), -p.Budget.Lower))
		}
	}

	for i := 0; i < n; i++ {
		if !math.IsInf(p.Upper[i], 1) {
			ineq = append(ineq, linearConstraint(unit(n, i, 1), p.Upper[i]))
		}
		if !math.IsInf(p.Lower[i], -1) {
			ineq = append(ineq, linearConstraint(unit(n, i, -1), -p.Lower[i]))
		}
	}

	for _, c := range p.Constraints {
		if c.sense == AtMost {
			ineq = append(ineq, linearConstraint(c.coeffs, c.bound))
		} else {
			neg := make([]float64, n)
			for i, v := range c.coeffs {
				neg[i] = -v
			}
			ineq = append(ineq, linearConstraint(neg, -c.bound))
		}
	}

	if te := p.TrackingError; te != nil {
		limit := te.Max * te.Max
		ineq = append(ineq, alConstraint{
			value: func(w []float64) float64 {
				return quadForm(te.Matrix, floats.SubTo(make([]float64, len(w)), w, te.Benchmark)) - limit
			},
			grad: func(dst, w []float64, scale float64) {
				g := symMulVec(te.Matrix, floats.SubTo(make([]float64, len(w)), w, te.Benchmark))
				for i := range dst {
					dst[i] += scale * 2 * g[i]
				}
			},
		})
	}
	return ineq, eq
}

// Solve implements Solver.
func (s *SequentialSolver) Solve(p *Problem) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, &SolverError{Solver: SolverSequential, Status: StatusFailed, Message: err.Error()}
	}
	if p.Trading != nil || p.Leverage != nil {
		return nil, &SolverError{
			Solver:  SolverSequential,
			Status:  StatusUnsupported,
			Message: "trading terms and leverage caps require the qp solver",
		}
	}

	cfg := s.settings
	n := p.Size()
	ineq, eq := s.constraints(p)
	mu := make([]float64, len(ineq))
	lambda := make([]float64, len(eq))
	rho := cfg.InitialPenalty

	objective := func(w []float64) float64 {
		return -floats.Dot(p.ExpectedReturns, w) + p.RiskAversion*quadForm(p.Covariance, w)
	}
	objectiveGrad := func(dst, w []float64) {
		sw := symMulVec(p.Covariance, w)
		for i := range dst {
			dst[i] = -p.ExpectedReturns[i] + 2*p.RiskAversion*sw[i]
		}
	}

	problem := optimize.Problem{
		Func: func(w []float64) float64 {
			f := objective(w)
			for k, c := range eq {
				h := c.value(w)
				f += lambda[k]*h + 0.5*rho*h*h
			}
			for j, c := range ineq {
				t := math.Max(0, mu[j]+rho*c.value(w))
				f += (t*t - mu[j]*mu[j]) / (2 * rho)
			}
			return f
		},
		Grad: func(grad, w []float64) {
			objectiveGrad(grad, w)
			for k, c := range eq {
				c.grad(grad, w, lambda[k]+rho*c.value(w))
			}
			for j, c := range ineq {
				if t := mu[j] + rho*c.value(w); t > 0 {
					c.grad(grad, w, t)
				}
			}
		},
	}

	w := projectBudget(ones(n, 1.0/float64(n)), p.Lower, p.Upper, p.Budget)
	prevViolation := math.Inf(1)
	iterations := 0

	for outer := 0; outer < cfg.MaxOuterIterations; outer++ {
		next, iters := s.minimize(problem, w)
		iterations += iters

		violation := 0.0
		for _, c := range eq {
			violation = math.Max(violation, math.Abs(c.value(next)))
		}
		for _, c := range ineq {
			violation = math.Max(violation, c.value(next))
		}
		step := floats.Distance(next, w, math.Inf(1))
		w = next

		for k, c := range eq {
			lambda[k] += rho * c.value(w)
		}
		for j, c := range ineq {
			mu[j] = math.Max(0, mu[j]+rho*c.value(w))
		}

		if violation <= cfg.FeasibilityTol && step <= 1e-9 {
			break
		}
		if violation > prevViolation/4 {
			rho = math.Min(rho*cfg.PenaltyGrowth, cfg.MaxPenalty)
		}
		prevViolation = violation
	}

	w = projectBudget(w, p.Lower, p.Upper, p.Budget)
	w = pullTowardsBenchmark(p, w, cfg.VerifyTolerance)

	if err := p.Verify(w, cfg.VerifyTolerance); err != nil {
		return nil, &SolverError{
			Solver:  SolverSequential,
			Status:  StatusFailed,
			Message: fmt.Sprintf("solution failed verification: %v", err),
			Iterate: w,
		}
	}

	s.log.Debug().Int("iterations", iterations).Msg("Sequential solve complete")
	return &Solution{
		Weights:    w,
		Status:     StatusOptimal,
		Objective:  p.Objective(w),
		Iterations: iterations,
	}, nil
}

// minimize runs LBFGS from w0 and retries with BFGS when LBFGS gives no usable point.
func (s *SequentialSolver) minimize(problem optimize.Problem, w0 []float64) ([]float64, int) {
	settings := &optimize.Settings{
		GradientThreshold: s.settings.GradientThreshold,
		MajorIterations:   s.settings.InnerIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, w0, settings, &optimize.LBFGS{})
	if usable(result) {
		return result.X, result.Stats.MajorIterations
	}
	s.log.Debug().Err(err).Msg("LBFGS failed, retrying with BFGS")

	result, err = optimize.Minimize(problem, w0, settings, &optimize.BFGS{})
	if usable(result) {
		return result.X, result.Stats.MajorIterations
	}
	s.log.Debug().Err(err).Msg("BFGS failed, keeping previous iterate")
	return append([]float64(nil), w0...), 0
}

func usable(r *optimize.Result) bool {
	if r == nil || len(r.X) == 0 || math.IsNaN(r.F) || math.IsInf(r.F, 0) {
		return false
	}
	for _, v := range r.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// projectBudget returns clip(w − θ, lower, upper) with θ chosen by bisection so the sum lands in
// the budget band. θ = 0 when the clipped weights already satisfy it.
func projectBudget(w, lower, upper []float64, budget Band) []float64 {
	shifted := func(theta float64) ([]float64, float64) {
		out := make([]float64, len(w))
		sum := 0.0
		for i := range w {
			out[i] = clamp(w[i]-theta, lower[i], upper[i])
			sum += out[i]
		}
		return out, sum
	}

	out, sum := shifted(0)
	var target float64
	switch {
	case sum > budget.Upper:
		target = budget.Upper
	case sum < budget.Lower:
		target = budget.Lower
	default:
		return out
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range w {
		lo = math.Min(lo, w[i]-upper[i])
		hi = math.Max(hi, w[i]-lower[i])
	}
	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return out
	}
	// sum is non-increasing in θ
	for iter := 0; iter < 200 && hi-lo > 1e-15; iter++ {
		mid := 0.5 * (lo + hi)
		if _, s := shifted(mid); s > target {
			lo = mid
		} else {
			hi = mid
		}
	}
	out, _ = shifted(0.5 * (lo + hi))
	return out
}
