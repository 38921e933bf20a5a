package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SolverQP is the name reported by QPSolver.
const SolverQP = "qp"

// QPSettings tunes the operator-splitting solver.
type QPSettings struct {
	// MaxIterations caps the ADMM iterations of one Solve across all of its subproblems.
	MaxIterations      int
	EpsAbs             float64
	EpsRel             float64
	EpsInfeasible      float64
	Rho                float64
	Sigma              float64
	Alpha              float64
	AdaptiveInterval   int
	InfeasibleInterval int
	// SearchTolerance is the convergence tolerance of the subproblems solved while searching
	// for the tracking-error multiplier. Only the final subproblem runs at EpsAbs/EpsRel.
	SearchTolerance  float64
	MaxPenaltyRounds int
	SnapTolerance    float64
	VerifyTolerance  float64
}

// DefaultQPSettings returns the settings used by NewQPSolver.
func DefaultQPSettings() QPSettings {
	return QPSettings{
		MaxIterations:      50000,
		EpsAbs:             1e-8,
		EpsRel:             1e-8,
		EpsInfeasible:      1e-5,
		Rho:                0.1,
		Sigma:              1e-6,
		Alpha:              1.6,
		AdaptiveInterval:   25,
		InfeasibleInterval: 10,
		SearchTolerance:    1e-6,
		MaxPenaltyRounds:   40,
		SnapTolerance:      1e-7,
		VerifyTolerance:    1e-6,
	}
}

const (
	rhoMin           = 1e-6
	rhoMax           = 1e6
	rhoEqualityScale = 1e3

	// penaltyGrowth brackets the tracking-error multiplier; penaltySteps bounds the bracketing.
	penaltyGrowth = 8
	penaltySteps  = 12
	// trackingGap is how far below the cap the accepted tracking error may stay.
	trackingGap = 1e-4
	polishSteps = 3
)

// QPSolver solves Problems with an ADMM splitting of
//
//	minimise ½xᵀPx + qᵀx  s.t.  l ≤ Ax ≤ u
//
// where x stacks the weights with the auxiliary variables needed to express turnover and
// leverage linearly. The tracking-error cap is enforced through the multiplier of the penalty
// μ(w-b)ᵀM(w-b), found by bisection.
type QPSolver struct {
	settings QPSettings
	log      zerolog.Logger
}

// NewQPSolver creates a solver with DefaultQPSettings.
func NewQPSolver(log zerolog.Logger) *QPSolver {
	return NewQPSolverWithSettings(DefaultQPSettings(), log)
}

// NewQPSolverWithSettings creates a solver with explicit settings.
func NewQPSolverWithSettings(settings QPSettings, log zerolog.Logger) *QPSolver {
	return &QPSolver{
		settings: settings,
		log:      log.With().Str("component", "qp_solver").Logger(),
	}
}

// Name implements Solver.
func (s *QPSolver) Name() string { return SolverQP }

// qpData is one assembled QP. Rows of A are ordered budget, bounds, trading, leverage and
// linear constraints.
type qpData struct {
	n, nx int
	P     *mat.SymDense
	q     []float64
	A     *mat.Dense
	l, u  []float64
}

type admmState struct {
	x, z, y []float64
}

// layout returns the offsets of the auxiliary blocks; -1 when absent.
func layout(p *Problem) (nx, uOff, vOff, pOff, sOff int) {
	n := p.Size()
	nx = n
	uOff, vOff, pOff, sOff = -1, -1, -1, -1
	if p.Trading != nil {
		uOff, vOff = nx, nx+n
		nx += 2 * n
	}
	if p.Leverage != nil {
		pOff, sOff = nx, nx+n
		nx += 2 * n
	}
	return nx, uOff, vOff, pOff, sOff
}

func (s *QPSolver) assemble(p *Problem) *qpData {
	n := p.Size()
	nx, uOff, vOff, pOff, sOff := layout(p)
	inf := math.Inf(1)

	P := mat.NewSymDense(nx, nil)
	q := make([]float64, nx)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			P.SetSym(i, j, 2*p.RiskAversion*p.Covariance.At(i, j))
		}
		q[i] = -p.ExpectedReturns[i]
	}

	var rows [][]float64
	var lo, hi []float64
	addRow := func(row []float64, l, u float64) {
		rows = append(rows, row)
		lo = append(lo, l)
		hi = append(hi, u)
	}
	newRow := func() []float64 { return make([]float64, nx) }

	budget := newRow()
	for i := 0; i < n; i++ {
		budget[i] = 1
	}
	addRow(budget, p.Budget.Lower, p.Budget.Upper)

	for i := 0; i < n; i++ {
		r := newRow()
		r[i] = 1
		addRow(r, p.Lower[i], p.Upper[i])
	}

	if tr := p.Trading; tr != nil {
		cbar := tr.MeanLinearCost()
		for i := 0; i < n; i++ {
			P.SetSym(i, i, P.At(i, i)+2*tr.QuadCost[i])
			q[i] -= 2 * tr.QuadCost[i] * tr.Previous[i]
			q[uOff+i] = cbar
			q[vOff+i] = cbar

			// w - u + v = w_prev
			r := newRow()
			r[i], r[uOff+i], r[vOff+i] = 1, -1, 1
			addRow(r, tr.Previous[i], tr.Previous[i])
		}
		for i := 0; i < n; i++ {
			ru := newRow()
			ru[uOff+i] = 1
			addRow(ru, 0, inf)
			rv := newRow()
			rv[vOff+i] = 1
			addRow(rv, 0, inf)
		}
		if !math.IsInf(tr.MaxTurnover, 1) {
			r := newRow()
			for i := 0; i < n; i++ {
				r[uOff+i], r[vOff+i] = 1, 1
			}
			addRow(r, math.Inf(-1), tr.MaxTurnover)
		}
	}

	if lev := p.Leverage; lev != nil {
		for i := 0; i < n; i++ {
			// w - p + s = 0
			r := newRow()
			r[i], r[pOff+i], r[sOff+i] = 1, -1, 1
			addRow(r, 0, 0)
		}
		for i := 0; i < n; i++ {
			rp := newRow()
			rp[pOff+i] = 1
			addRow(rp, 0, inf)
			rs := newRow()
			rs[sOff+i] = 1
			addRow(rs, 0, inf)
		}
		long, short := newRow(), newRow()
		for i := 0; i < n; i++ {
			long[pOff+i] = 1
			short[sOff+i] = 1
		}
		addRow(long, math.Inf(-1), lev.Long)
		addRow(short, math.Inf(-1), lev.Short)
	}

	for _, c := range p.Constraints {
		r := newRow()
		copy(r, c.coeffs)
		if c.sense == AtLeast {
			addRow(r, c.bound, inf)
		} else {
			addRow(r, math.Inf(-1), c.bound)
		}
	}

	A := mat.NewDense(len(rows), nx, nil)
	for i, r := range rows {
		A.SetRow(i, r)
	}
	return &qpData{n: n, nx: nx, P: P, q: q, A: A, l: lo, u: hi}
}

// withTrackingPenalty returns d with μ(w-b)ᵀM(w-b) added to the objective. A, l and u are shared.
func (d *qpData) withTrackingPenalty(te *TrackingErrorLimit, mu float64) *qpData {
	P := mat.NewSymDense(d.nx, nil)
	P.CopySym(d.P)
	q := append([]float64(nil), d.q...)
	mb := symMulVec(te.Matrix, te.Benchmark)
	for i := 0; i < d.n; i++ {
		for j := i; j < d.n; j++ {
			P.SetSym(i, j, P.At(i, j)+2*mu*te.Matrix.At(i, j))
		}
		q[i] -= 2 * mu * mb[i]
	}
	return &qpData{n: d.n, nx: d.nx, P: P, q: q, A: d.A, l: d.l, u: d.u}
}

// warmStart copies x and y from prev into a fresh state for d.
func warmStart(prev *admmState, d *qpData) *admmState {
	m, _ := d.A.Dims()
	st := &admmState{
		x: make([]float64, d.nx),
		z: make([]float64, m),
		y: make([]float64, m),
	}
	if prev != nil {
		copy(st.x, prev.x)
		copy(st.y, prev.y)
	}
	ax := mulVec(d.A, st.x)
	for i := range st.z {
		st.z[i] = clamp(ax[i], d.l[i], d.u[i])
	}
	return st
}

func (s *QPSolver) rowRho(d *qpData, base float64) []float64 {
	rho := make([]float64, len(d.l))
	for i := range rho {
		switch {
		case math.IsInf(d.l[i], -1) && math.IsInf(d.u[i], 1):
			rho[i] = rhoMin
		case d.l[i] == d.u[i]:
			rho[i] = base * rhoEqualityScale
		default:
			rho[i] = base
		}
	}
	return rho
}

// factorize builds and factors P + σI + Aᵀdiag(ρ)A.
func (s *QPSolver) factorize(d *qpData, rho []float64) (*mat.Cholesky, error) {
	m, nx := d.A.Dims()
	ra := mat.NewDense(m, nx, nil)
	ra.Apply(func(i, _ int, v float64) float64 { return v * rho[i] }, d.A)
	var ata mat.Dense
	ata.Mul(d.A.T(), ra)

	k := mat.NewSymDense(nx, nil)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			v := d.P.At(i, j) + 0.5*(ata.At(i, j)+ata.At(j, i))
			if i == j {
				v += s.settings.Sigma
			}
			k.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(k); !ok {
		return nil, fmt.Errorf("failed to factorize KKT matrix")
	}
	return &chol, nil
}

// runADMM iterates from st in place, starting from step size rhoBar, for at most maxIter
// iterations. It returns StatusOptimal on convergence, StatusMaxIterReached when maxIter runs
// out, or an error carrying an infeasibility status. The adapted step size is returned so the
// next subproblem can start from it.
func (s *QPSolver) runADMM(d *qpData, st *admmState, rhoBar, epsAbs, epsRel float64, maxIter int) (SolveStatus, int, float64, error) {
	cfg := s.settings
	m, nx := d.A.Dims()

	rho := s.rowRho(d, rhoBar)
	chol, err := s.factorize(d, rho)
	if err != nil {
		return StatusFailed, 0, rhoBar, &SolverError{Solver: SolverQP, Status: StatusFailed, Message: err.Error()}
	}

	rhs := mat.NewVecDense(nx, nil)
	xt := mat.NewVecDense(nx, nil)
	tmp := mat.NewVecDense(m, nil)
	zRelax := make([]float64, m)
	xPrev := make([]float64, nx)
	yPrev := make([]float64, m)

	for k := 1; k <= maxIter; k++ {
		copy(xPrev, st.x)
		copy(yPrev, st.y)

		for i := 0; i < m; i++ {
			tmp.SetVec(i, rho[i]*st.z[i]-st.y[i])
		}
		rhs.MulVec(d.A.T(), tmp)
		for i := 0; i < nx; i++ {
			rhs.SetVec(i, rhs.AtVec(i)+cfg.Sigma*st.x[i]-d.q[i])
		}
		if err := chol.SolveVecTo(xt, rhs); err != nil {
			return StatusFailed, k, rhoBar, &SolverError{
				Solver:  SolverQP,
				Status:  StatusFailed,
				Message: fmt.Sprintf("failed to solve linear system: %v", err),
				Iterate: weightsOf(st, d.n),
			}
		}
		zt := mulVec(d.A, xt.RawVector().Data)

		for i := 0; i < nx; i++ {
			st.x[i] = cfg.Alpha*xt.AtVec(i) + (1-cfg.Alpha)*st.x[i]
		}
		for i := 0; i < m; i++ {
			zRelax[i] = cfg.Alpha*zt[i] + (1-cfg.Alpha)*st.z[i]
			zNew := clamp(zRelax[i]+st.y[i]/rho[i], d.l[i], d.u[i])
			st.y[i] += rho[i] * (zRelax[i] - zNew)
			st.z[i] = zNew
		}

		res := d.residuals(st)
		if res.converged(epsAbs, epsRel) {
			return StatusOptimal, k, rhoBar, nil
		}

		if k%cfg.InfeasibleInterval == 0 {
			if d.primalInfeasible(floats.SubTo(make([]float64, m), st.y, yPrev), cfg.EpsInfeasible) {
				return StatusPrimalInfeasible, k, rhoBar, &SolverError{
					Solver:  SolverQP,
					Status:  StatusPrimalInfeasible,
					Message: "problem is primal infeasible",
					Iterate: weightsOf(st, d.n),
				}
			}
			if d.dualInfeasible(floats.SubTo(make([]float64, nx), st.x, xPrev), cfg.EpsInfeasible) {
				return StatusDualInfeasible, k, rhoBar, &SolverError{
					Solver:  SolverQP,
					Status:  StatusDualInfeasible,
					Message: "problem is unbounded",
					Iterate: weightsOf(st, d.n),
				}
			}
		}

		if k%cfg.AdaptiveInterval == 0 {
			ratio := res.rhoRatio()
			if ratio > 5 || ratio < 0.2 {
				rhoBar = math.Min(math.Max(rhoBar*ratio, rhoMin), rhoMax)
				rho = s.rowRho(d, rhoBar)
				if chol, err = s.factorize(d, rho); err != nil {
					return StatusFailed, k, rhoBar, &SolverError{
						Solver:  SolverQP,
						Status:  StatusFailed,
						Message: err.Error(),
						Iterate: weightsOf(st, d.n),
					}
				}
			}
		}
	}
	return StatusMaxIterReached, maxIter, rhoBar, nil
}

type residuals struct {
	prim, dual        float64
	ax, z, px, aty, q float64
}

func (d *qpData) residuals(st *admmState) residuals {
	ax := mulVec(d.A, st.x)
	px := symMulVec(d.P, st.x)
	aty := mulTVec(d.A, st.y)

	r := residuals{
		ax:  floats.Norm(ax, math.Inf(1)),
		z:   floats.Norm(st.z, math.Inf(1)),
		px:  floats.Norm(px, math.Inf(1)),
		aty: floats.Norm(aty, math.Inf(1)),
		q:   floats.Norm(d.q, math.Inf(1)),
	}
	for i := range ax {
		r.prim = math.Max(r.prim, math.Abs(ax[i]-st.z[i]))
	}
	for i := range px {
		r.dual = math.Max(r.dual, math.Abs(px[i]+d.q[i]+aty[i]))
	}
	return r
}

func (r residuals) converged(epsAbs, epsRel float64) bool {
	epsPrim := epsAbs + epsRel*math.Max(r.ax, r.z)
	epsDual := epsAbs + epsRel*math.Max(r.px, math.Max(r.aty, r.q))
	return r.prim <= epsPrim && r.dual <= epsDual
}

func (r residuals) rhoRatio() float64 {
	const tiny = 1e-30
	prim := r.prim / math.Max(math.Max(r.ax, r.z), tiny)
	dual := r.dual / math.Max(math.Max(r.px, math.Max(r.aty, r.q)), tiny)
	if dual < tiny {
		return 1
	}
	return math.Sqrt(prim / dual)
}

// primalInfeasible tests δy for a certificate Aᵀδy = 0, uᵀδy₊ + lᵀδy₋ < 0.
func (d *qpData) primalInfeasible(dy []float64, eps float64) bool {
	for i := range dy {
		if math.IsInf(d.u[i], 1) && dy[i] > 0 {
			dy[i] = 0
		}
		if math.IsInf(d.l[i], -1) && dy[i] < 0 {
			dy[i] = 0
		}
	}
	norm := floats.Norm(dy, math.Inf(1))
	if norm < 1e-30 {
		return false
	}
	support := 0.0
	for i, v := range dy {
		if v > 0 {
			support += d.u[i] * v
		} else if v < 0 {
			support += d.l[i] * v
		}
	}
	if support >= -eps*norm {
		return false
	}
	return floats.Norm(mulTVec(d.A, dy), math.Inf(1)) < eps*norm
}

// dualInfeasible tests δx for a direction of unbounded descent.
func (d *qpData) dualInfeasible(dx []float64, eps float64) bool {
	norm := floats.Norm(dx, math.Inf(1))
	if norm < 1e-30 {
		return false
	}
	if floats.Dot(d.q, dx) >= -eps*norm {
		return false
	}
	if floats.Norm(symMulVec(d.P, dx), math.Inf(1)) > eps*norm {
		return false
	}
	adx := mulVec(d.A, dx)
	for i, v := range adx {
		lowerInf, upperInf := math.IsInf(d.l[i], -1), math.IsInf(d.u[i], 1)
		switch {
		case lowerInf && upperInf:
		case upperInf:
			if v < -eps*norm {
				return false
			}
		case lowerInf:
			if v > eps*norm {
				return false
			}
		default:
			if math.Abs(v) > eps*norm {
				return false
			}
		}
	}
	return true
}

// admmBudget carries the iteration budget and the adapted step size across the subproblems of
// one Solve.
type admmBudget struct {
	remaining int
	total     int
	rho       float64
}

// solveFrom runs one subproblem warm-started from prev. Search subproblems stop at
// SearchTolerance; final ones at EpsAbs/EpsRel.
func (s *QPSolver) solveFrom(d *qpData, prev *admmState, budget *admmBudget, final bool) (*admmState, SolveStatus, error) {
	cfg := s.settings
	epsAbs, epsRel := cfg.EpsAbs, cfg.EpsRel
	if !final {
		epsAbs = math.Max(epsAbs, cfg.SearchTolerance)
		epsRel = math.Max(epsRel, cfg.SearchTolerance)
	}

	st := warmStart(prev, d)
	status, iters, rho, err := s.runADMM(d, st, budget.rho, epsAbs, epsRel, budget.remaining)
	budget.remaining -= iters
	budget.total += iters
	budget.rho = rho
	return st, status, err
}

// solveTracking finds the smallest multiplier μ whose penalised optimum meets the tracking-error
// cap. Tracking error falls monotonically in μ, so μ is bracketed by growth from the risk
// aversion and then bisected geometrically on loose subproblems. The chosen μ is solved at
// full accuracy last.
func (s *QPSolver) solveTracking(p *Problem, base *qpData, budget *admmBudget) (*admmState, SolveStatus, error) {
	te := p.TrackingError
	n := p.Size()
	within := func(st *admmState) bool { return te.Value(st.x[:n]) <= te.Max }

	st, status, err := s.solveFrom(base, nil, budget, false)
	if err != nil {
		return nil, status, err
	}
	if within(st) {
		return s.solveFrom(base, st, budget, true)
	}

	lo, hi := 0.0, math.Max(p.RiskAversion, 1)
	var best *admmState
	for step := 0; step < penaltySteps && budget.remaining > 0; step++ {
		cand, status, err := s.solveFrom(base.withTrackingPenalty(te, hi), st, budget, false)
		if err != nil {
			return nil, status, err
		}
		st = cand
		if within(cand) {
			best = cand
			break
		}
		lo = hi
		hi *= penaltyGrowth
	}
	if best == nil {
		if budget.remaining <= 0 {
			return st, StatusMaxIterReached, nil
		}
		return nil, StatusPrimalInfeasible, &SolverError{
			Solver: SolverQP,
			Status: StatusPrimalInfeasible,
			Message: fmt.Sprintf("tracking error cap %g cannot be met within the constraints (closest %g)",
				te.Max, te.Value(st.x[:n])),
			Iterate: weightsOf(st, n),
		}
	}

	for round := 0; round < s.settings.MaxPenaltyRounds && budget.remaining > 0; round++ {
		if te.Value(best.x[:n]) >= te.Max*(1-trackingGap) || hi-lo <= 1e-9*hi {
			break
		}
		mid := hi / penaltyGrowth
		if lo > 0 {
			mid = math.Sqrt(lo * hi)
		}
		cand, status, err := s.solveFrom(base.withTrackingPenalty(te, mid), best, budget, false)
		if err != nil {
			return nil, status, err
		}
		if within(cand) {
			hi, best = mid, cand
		} else {
			lo = mid
		}
		s.log.Debug().Int("round", round).Float64("penalty", mid).Float64("tracking_error", te.Value(cand.x[:n])).Msg("Tracking error penalty step")
	}

	for step := 0; ; step++ {
		final, status, err := s.solveFrom(base.withTrackingPenalty(te, hi), best, budget, true)
		if err != nil || within(final) || step >= polishSteps || budget.remaining <= 0 {
			return final, status, err
		}
		hi *= 1.05
		best = final
	}
}

// Solve implements Solver.
func (s *QPSolver) Solve(p *Problem) (*Solution, error) {
	if err := p.Validate(); err != nil {
		return nil, &SolverError{Solver: SolverQP, Status: StatusFailed, Message: err.Error()}
	}
	n := p.Size()
	base := s.assemble(p)
	budget := &admmBudget{remaining: s.settings.MaxIterations, rho: s.settings.Rho}

	var (
		st     *admmState
		status SolveStatus
		err    error
	)
	if p.TrackingError == nil {
		st, status, err = s.solveFrom(base, nil, budget, true)
	} else {
		st, status, err = s.solveTracking(p, base, budget)
	}
	if err != nil {
		return nil, err
	}

	w := weightsOf(st, n)
	snapToBounds(w, p.Lower, p.Upper, s.settings.SnapTolerance)
	if te := p.TrackingError; te != nil {
		if val := te.Value(w); val > te.Max {
			w = pullTowardsBenchmark(p, w, s.settings.VerifyTolerance)
			if val-te.Max > 1e-4*te.Max && status == StatusOptimal {
				status = StatusOptimalInaccurate
			}
		}
	}

	if err := p.Verify(w, s.settings.VerifyTolerance); err != nil {
		if status == StatusMaxIterReached {
			return nil, &SolverError{
				Solver:  SolverQP,
				Status:  StatusMaxIterReached,
				Message: fmt.Sprintf("iteration limit reached: %v", err),
				Iterate: w,
			}
		}
		return nil, &SolverError{
			Solver:  SolverQP,
			Status:  StatusFailed,
			Message: fmt.Sprintf("solution failed verification: %v", err),
			Iterate: w,
		}
	}
	if status == StatusMaxIterReached {
		status = StatusOptimalInaccurate
	}

	return &Solution{
		Weights:    w,
		Status:     status,
		Objective:  p.Objective(w),
		Iterations: budget.total,
	}, nil
}

func snapToBounds(w, lower, upper []float64, tol float64) {
	for i := range w {
		if math.Abs(w[i]-lower[i]) < tol {
			w[i] = lower[i]
		} else if math.Abs(w[i]-upper[i]) < tol {
			w[i] = upper[i]
		}
	}
}

func weightsOf(st *admmState, n int) []float64 {
	return append([]float64(nil), st.x[:n]...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func mulVec(a mat.Matrix, x []float64) []float64 {
	r, c := a.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(a, mat.NewVecDense(c, append([]float64(nil), x...)))
	return out.RawVector().Data
}

func mulTVec(a mat.Matrix, y []float64) []float64 {
	return mulVec(a.T(), y)
}

func symMulVec(a mat.Symmetric, x []float64) []float64 {
	return mulVec(a, x)
}
