package optimization

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Bound is a closed [Lower, Upper] interval. Either side may be infinite.
//
// In JSON and YAML a bound is written either as a pair [lo, hi] or as a single
// number x, which means [-|x|, |x|].
type Bound struct {
	Lower float64
	Upper float64
}

// Unbounded is (-Inf, +Inf).
func Unbounded() Bound {
	return Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}
}

// Contains reports whether v lies inside the bound.
func (b Bound) Contains(v float64) bool {
	return v >= b.Lower && v <= b.Upper
}

func boundFromPair(pair []float64) (Bound, error) {
	if len(pair) != 2 {
		return Bound{}, fmt.Errorf("bound must have exactly two values, got %d", len(pair))
	}
	if pair[0] > pair[1] {
		return Bound{}, fmt.Errorf("bound lower %g exceeds upper %g", pair[0], pair[1])
	}
	return Bound{Lower: pair[0], Upper: pair[1]}, nil
}

func absBound(x float64) Bound {
	x = math.Abs(x)
	return Bound{Lower: -x, Upper: x}
}

// UnmarshalJSON accepts [lo, hi] or a single absolute limit.
func (b *Bound) UnmarshalJSON(data []byte) error {
	var x float64
	if err := json.Unmarshal(data, &x); err == nil {
		*b = absBound(x)
		return nil
	}
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("failed to parse bound: %w", err)
	}
	parsed, err := boundFromPair(pair)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalJSON writes the pair form.
func (b Bound) MarshalJSON() ([]byte, error) {
	return json.Marshal([]float64{b.Lower, b.Upper})
}

// UnmarshalYAML accepts [lo, hi] or a single absolute limit. YAML's .inf is allowed.
func (b *Bound) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var x float64
		if err := node.Decode(&x); err != nil {
			return fmt.Errorf("failed to parse bound: %w", err)
		}
		*b = absBound(x)
		return nil
	}
	var pair []float64
	if err := node.Decode(&pair); err != nil {
		return fmt.Errorf("failed to parse bound: %w", err)
	}
	parsed, err := boundFromPair(pair)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// RiskObjectiveConfig selects the objective. UseMaxSharpe is accepted for
// compatibility with existing config files; the objective is always
// μᵀw − λwᵀΣw.
type RiskObjectiveConfig struct {
	UseMaxSharpe bool    `json:"use_max_sharpe" yaml:"use_max_sharpe"`
	RiskAversion float64 `json:"risk_aversion" yaml:"risk_aversion" validate:"gte=0"`
}

// TrackingErrorConfig caps the annualised tracking error against a benchmark.
type TrackingErrorConfig struct {
	Enabled          bool               `json:"enabled" yaml:"enabled"`
	TEMax            float64            `json:"te_max" yaml:"te_max" validate:"gt=0"`
	BenchmarkWeights map[string]float64 `json:"benchmark_weights,omitempty" yaml:"benchmark_weights,omitempty"`
}

// WeightConstraints are per-asset bounds shared by every asset.
type WeightConstraints struct {
	LongOnly      bool    `json:"long_only" yaml:"long_only"`
	MinWeight     float64 `json:"min_weight" yaml:"min_weight" validate:"gte=-1,lte=1"`
	MaxWeight     float64 `json:"max_weight" yaml:"max_weight" validate:"gt=0,lte=1,gtefield=MinWeight"`
	LeverageLimit float64 `json:"leverage_limit" yaml:"leverage_limit" validate:"gte=0"`
}

// FactorConstraints bound the portfolio's exposure to named factors.
type FactorConstraints struct {
	FactorBounds map[string]Bound `json:"factor_bounds,omitempty" yaml:"factor_bounds,omitempty"`
}

// SectorConstraints bound the portfolio's weight in each sector.
type SectorConstraints struct {
	Enabled      bool             `json:"enabled" yaml:"enabled"`
	SectorBounds map[string]Bound `json:"sector_bounds,omitempty" yaml:"sector_bounds,omitempty"`
}

// OptimizerConfig is the declarative constraint set consumed by ConstraintBuilder and OptimizerCore.
type OptimizerConfig struct {
	RiskObjective     RiskObjectiveConfig `json:"risk_objective" yaml:"risk_objective"`
	TrackingError     TrackingErrorConfig `json:"tracking_error" yaml:"tracking_error"`
	WeightConstraints WeightConstraints   `json:"weight_constraints" yaml:"weight_constraints"`
	FactorConstraints FactorConstraints   `json:"factor_constraints" yaml:"factor_constraints"`
	SectorConstraints SectorConstraints   `json:"sector_constraints" yaml:"sector_constraints"`
}

// DefaultOptimizerConfig returns λ=1, TE ≤ 5%, long-only weights in [0, 0.05] and no factor
// or sector bounds.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		RiskObjective: RiskObjectiveConfig{
			UseMaxSharpe: true,
			RiskAversion: 1.0,
		},
		TrackingError: TrackingErrorConfig{
			Enabled: true,
			TEMax:   0.05,
		},
		WeightConstraints: WeightConstraints{
			LongOnly:      true,
			MinWeight:     0.0,
			MaxWeight:     0.05,
			LeverageLimit: 1.0,
		},
		FactorConstraints: FactorConstraints{FactorBounds: map[string]Bound{}},
		SectorConstraints: SectorConstraints{SectorBounds: map[string]Bound{}},
	}
}

var validate = validator.New()

// Validate checks field ranges.
func (c OptimizerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid optimizer config: %w", err)
	}
	for name, b := range c.FactorConstraints.FactorBounds {
		if b.Lower > b.Upper {
			return fmt.Errorf("invalid optimizer config: factor %s bound is empty", name)
		}
	}
	for name, b := range c.SectorConstraints.SectorBounds {
		if b.Lower > b.Upper {
			return fmt.Errorf("invalid optimizer config: sector %s bound is empty", name)
		}
	}
	return nil
}

// LoadOptimizerConfig reads a YAML file over DefaultOptimizerConfig and validates the result.
// An empty path returns the defaults.
func LoadOptimizerConfig(path string) (OptimizerConfig, error) {
	cfg := DefaultOptimizerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read optimizer config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse optimizer config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
