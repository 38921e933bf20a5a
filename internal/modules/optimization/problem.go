package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SolveStatus is the outcome reported by a Solver.
type SolveStatus string

const (
	StatusOptimal           SolveStatus = "optimal"
	StatusOptimalInaccurate SolveStatus = "optimal_inaccurate"
	StatusPrimalInfeasible  SolveStatus = "primal_infeasible"
	StatusDualInfeasible    SolveStatus = "dual_infeasible"
	StatusMaxIterReached    SolveStatus = "max_iter_reached"
	StatusUnsupported       SolveStatus = "unsupported"
	StatusFailed            SolveStatus = "failed"
)

// Solved reports whether weights with this status may be used.
func (s SolveStatus) Solved() bool {
	return s == StatusOptimal || s == StatusOptimalInaccurate
}

// Sense is the direction of a linear inequality.
type Sense int

const (
	// AtMost means coeffs·w ≤ bound.
	AtMost Sense = iota
	// AtLeast means coeffs·w ≥ bound.
	AtLeast
)

func (s Sense) String() string {
	if s == AtLeast {
		return ">="
	}
	return "<="
}

// Constraint kinds.
const (
	KindFactor = "factor"
	KindSector = "sector"
)

// LinearConstraint is an immutable row coeffs·w {≤,≥} bound.
type LinearConstraint struct {
	kind   string
	name   string
	sense  Sense
	coeffs []float64
	bound  float64
}

// NewLinearConstraint copies coeffs into a new constraint record.
func NewLinearConstraint(kind, name string, sense Sense, coeffs []float64, bound float64) LinearConstraint {
	return LinearConstraint{
		kind:   kind,
		name:   name,
		sense:  sense,
		coeffs: append([]float64(nil), coeffs...),
		bound:  bound,
	}
}

func (c LinearConstraint) Kind() string  { return c.kind }
func (c LinearConstraint) Name() string  { return c.name }
func (c LinearConstraint) Sense() Sense  { return c.sense }
func (c LinearConstraint) Bound() float64 { return c.bound }

// Coeffs returns a copy of the row.
func (c LinearConstraint) Coeffs() []float64 {
	return append([]float64(nil), c.coeffs...)
}

// Value returns coeffs·w.
func (c LinearConstraint) Value(w []float64) float64 {
	return floats.Dot(c.coeffs, w)
}

// Violation returns how far w is outside the constraint, 0 when satisfied.
func (c LinearConstraint) Violation(w []float64) float64 {
	v := c.Value(w)
	if c.sense == AtLeast {
		return math.Max(c.bound-v, 0)
	}
	return math.Max(v-c.bound, 0)
}

func (c LinearConstraint) String() string {
	return fmt.Sprintf("%s %s %s %g", c.kind, c.name, c.sense, c.bound)
}

// Band is a closed interval; Lower == Upper is an equality.
type Band struct {
	Lower float64
	Upper float64
}

// TrackingErrorLimit caps √((w-b)ᵀM(w-b)) at Max.
type TrackingErrorLimit struct {
	Benchmark []float64
	Matrix    *mat.SymDense
	Max       float64
}

// Value returns the tracking error of w against the benchmark.
func (t *TrackingErrorLimit) Value(w []float64) float64 {
	return math.Sqrt(math.Max(quadForm(t.Matrix, floats.SubTo(make([]float64, len(w)), w, t.Benchmark)), 0))
}

// TradingTerms adds transaction costs and a turnover cap relative to Previous.
type TradingTerms struct {
	Previous    []float64
	LinearCost  []float64
	QuadCost    []float64
	MaxTurnover float64 // +Inf for no cap
}

// MeanLinearCost is the single per-unit cost applied to ‖Δw‖₁.
func (t *TradingTerms) MeanLinearCost() float64 {
	if len(t.LinearCost) == 0 {
		return 0
	}
	s := 0.0
	for _, c := range t.LinearCost {
		s += c
	}
	return s / float64(len(t.LinearCost))
}

// Cost returns c̄‖Δw‖₁ + Σ quad_i Δw_i².
func (t *TradingTerms) Cost(w []float64) float64 {
	cost := 0.0
	cbar := t.MeanLinearCost()
	for i := range w {
		d := w[i] - t.Previous[i]
		cost += cbar * math.Abs(d)
		if i < len(t.QuadCost) {
			cost += t.QuadCost[i] * d * d
		}
	}
	return cost
}

// Turnover returns ‖w − Previous‖₁.
func (t *TradingTerms) Turnover(w []float64) float64 {
	s := 0.0
	for i := range w {
		s += math.Abs(w[i] - t.Previous[i])
	}
	return s
}

// LeverageLimit caps Σmax(w,0) at Long and Σmax(-w,0) at Short.
type LeverageLimit struct {
	Long  float64
	Short float64
}

// Problem is a mean-variance program:
//
//	maximise μᵀw − λwᵀΣw − trading cost
//	s.t. Budget.Lower ≤ Σw ≤ Budget.Upper, Lower ≤ w ≤ Upper, linear rows,
//	     optional tracking-error, turnover and leverage caps.
type Problem struct {
	ExpectedReturns []float64
	Covariance      *mat.SymDense
	RiskAversion    float64
	Lower           []float64
	Upper           []float64
	Budget          Band
	Constraints     []LinearConstraint
	TrackingError   *TrackingErrorLimit
	Trading         *TradingTerms
	Leverage        *LeverageLimit
}

// Size returns the number of assets.
func (p *Problem) Size() int {
	return len(p.ExpectedReturns)
}

// Validate checks that every vector and matrix matches the number of assets.
func (p *Problem) Validate() error {
	n := p.Size()
	if n == 0 {
		return fmt.Errorf("problem has no assets")
	}
	if p.Covariance == nil || p.Covariance.SymmetricDim() != n {
		return fmt.Errorf("covariance must be %dx%d", n, n)
	}
	if len(p.Lower) != n || len(p.Upper) != n {
		return fmt.Errorf("bounds must have %d entries", n)
	}
	for i := range p.Lower {
		if p.Lower[i] > p.Upper[i] {
			return fmt.Errorf("lower bound %g exceeds upper bound %g for asset %d", p.Lower[i], p.Upper[i], i)
		}
	}
	if p.Budget.Lower > p.Budget.Upper {
		return fmt.Errorf("budget band is empty")
	}
	for _, c := range p.Constraints {
		if len(c.coeffs) != n {
			return fmt.Errorf("constraint %s has %d coefficients, expected %d", c.name, len(c.coeffs), n)
		}
	}
	if te := p.TrackingError; te != nil {
		if len(te.Benchmark) != n || te.Matrix == nil || te.Matrix.SymmetricDim() != n {
			return fmt.Errorf("tracking error benchmark and matrix must match %d assets", n)
		}
		if te.Max <= 0 {
			return fmt.Errorf("tracking error limit must be positive")
		}
	}
	if tr := p.Trading; tr != nil {
		if len(tr.Previous) != n || len(tr.LinearCost) != n || len(tr.QuadCost) != n {
			return fmt.Errorf("trading terms must have %d entries", n)
		}
	}
	return nil
}

// Objective returns μᵀw − λwᵀΣw − trading cost, the quantity being maximised.
func (p *Problem) Objective(w []float64) float64 {
	obj := floats.Dot(p.ExpectedReturns, w) - p.RiskAversion*quadForm(p.Covariance, w)
	if p.Trading != nil {
		obj -= p.Trading.Cost(w)
	}
	return obj
}

// Verify checks w against every constraint with tolerance tol, scaled by the size of each bound.
func (p *Problem) Verify(w []float64, tol float64) error {
	n := p.Size()
	if len(w) != n {
		return fmt.Errorf("solution has %d weights, expected %d", len(w), n)
	}
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %d is not finite", i)
		}
	}
	scaled := func(b float64) float64 {
		if math.IsInf(b, 0) {
			return tol
		}
		return tol * math.Max(1, math.Abs(b))
	}

	sum := 0.0
	for i, v := range w {
		sum += v
		if v < p.Lower[i]-scaled(p.Lower[i]) || v > p.Upper[i]+scaled(p.Upper[i]) {
			return fmt.Errorf("weight %d = %g outside [%g, %g]", i, v, p.Lower[i], p.Upper[i])
		}
	}
	if sum < p.Budget.Lower-scaled(p.Budget.Lower) || sum > p.Budget.Upper+scaled(p.Budget.Upper) {
		return fmt.Errorf("weights sum to %g outside [%g, %g]", sum, p.Budget.Lower, p.Budget.Upper)
	}
	for _, c := range p.Constraints {
		if v := c.Violation(w); v > scaled(c.bound) {
			return fmt.Errorf("constraint %s violated by %g", c, v)
		}
	}
	if te := p.TrackingError; te != nil {
		if v := te.Value(w); v > te.Max+scaled(te.Max) {
			return fmt.Errorf("tracking error %g exceeds %g", v, te.Max)
		}
	}
	if tr := p.Trading; tr != nil && !math.IsInf(tr.MaxTurnover, 1) {
		if v := tr.Turnover(w); v > tr.MaxTurnover+scaled(tr.MaxTurnover) {
			return fmt.Errorf("turnover %g exceeds %g", v, tr.MaxTurnover)
		}
	}
	if lev := p.Leverage; lev != nil {
		long, short := 0.0, 0.0
		for _, v := range w {
			if v > 0 {
				long += v
			} else {
				short -= v
			}
		}
		if long > lev.Long+scaled(lev.Long) {
			return fmt.Errorf("long leverage %g exceeds %g", long, lev.Long)
		}
		if short > lev.Short+scaled(lev.Short) {
			return fmt.Errorf("short leverage %g exceeds %g", short, lev.Short)
		}
	}
	return nil
}

// Solution is a solver's answer to a Problem.
type Solution struct {
	Weights    []float64
	Status     SolveStatus
	Objective  float64 // maximised objective at Weights
	Iterations int
	Message    string
}

// SolverError reports a problem a solver could not solve. Iterate holds the last iterate when
// one exists.
type SolverError struct {
	Solver  string
	Status  SolveStatus
	Message string
	Iterate []float64
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("%s solver: %s: %s", e.Solver, e.Status, e.Message)
}

// Solver solves mean-variance problems. Implementations are selected by injection.
type Solver interface {
	Name() string
	Solve(p *Problem) (*Solution, error)
}

// blendTowardsBenchmark returns b + t(w-b).
func blendTowardsBenchmark(w, b []float64, t float64) []float64 {
	out := make([]float64, len(w))
	for i := range w {
		out[i] = b[i] + t*(w[i]-b[i])
	}
	return out
}

// pullTowardsBenchmark moves w along the segment to the benchmark until the tracking error meets
// the cap. The moved point is used only when it satisfies every constraint of p; otherwise w is
// returned unchanged. Benchmarks outside the weight bounds make the move infeasible.
func pullTowardsBenchmark(p *Problem, w []float64, tol float64) []float64 {
	te := p.TrackingError
	if te == nil {
		return w
	}
	val := te.Value(w)
	if val <= te.Max {
		return w
	}
	moved := blendTowardsBenchmark(w, te.Benchmark, te.Max/val)
	if err := p.Verify(moved, tol); err != nil {
		return w
	}
	return moved
}

func quadForm(m mat.Symmetric, x []float64) float64 {
	n := len(x)
	if n == 0 || m == nil {
		return 0
	}
	v := mat.NewVecDense(n, append([]float64(nil), x...))
	return mat.Inner(v, m, v)
}
