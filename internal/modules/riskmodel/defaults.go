package riskmodel

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Defaults is the explicit estimation and fallback policy of the standard factor model.
// Every fit reads its constants from here instead of package-level state.
type Defaults struct {
	MinObservations       int     `json:"min_observations" yaml:"min_observations" validate:"gte=1"`
	BetaWindow            int     `json:"beta_window" yaml:"beta_window" validate:"gte=1"`
	BetaHalfLife          float64 `json:"beta_half_life" yaml:"beta_half_life" validate:"gt=0"`
	FactorCovLambda       float64 `json:"factor_cov_lambda" yaml:"factor_cov_lambda" validate:"gt=0,lt=1"`
	SpecificRiskLambda    float64 `json:"specific_risk_lambda" yaml:"specific_risk_lambda" validate:"gt=0,lt=1"`
	PeriodsPerYear        float64 `json:"periods_per_year" yaml:"periods_per_year" validate:"gt=0"`
	ConditionThreshold    float64 `json:"condition_threshold" yaml:"condition_threshold" validate:"gt=1"`
	WinsorLower           float64 `json:"winsor_lower" yaml:"winsor_lower" validate:"gte=0,lt=1"`
	WinsorUpper           float64 `json:"winsor_upper" yaml:"winsor_upper" validate:"gt=0,lte=1,gtfield=WinsorLower"`
	EigenFloor            float64 `json:"eigen_floor" yaml:"eigen_floor" validate:"gte=0"`
	FallbackVariance      float64 `json:"fallback_variance" yaml:"fallback_variance" validate:"gt=0"`
	SpecificVarianceFloor float64 `json:"specific_variance_floor" yaml:"specific_variance_floor" validate:"gte=0"`
	MinResiduals          int     `json:"min_residuals" yaml:"min_residuals" validate:"gte=1"`
	FactorCovSeed         float64 `json:"factor_cov_seed" yaml:"factor_cov_seed" validate:"gte=0"`
}

// DefaultDefaults returns the standard estimation policy:
// 252-day windows, half-life 60 betas, λ=0.94 EWMA and 1e-6 fallback variances.
func DefaultDefaults() Defaults {
	return Defaults{
		MinObservations:       252,
		BetaWindow:            252,
		BetaHalfLife:          60,
		FactorCovLambda:       0.94,
		SpecificRiskLambda:    0.94,
		PeriodsPerYear:        252,
		ConditionThreshold:    1e10,
		WinsorLower:           0.001,
		WinsorUpper:           0.999,
		EigenFloor:            1e-8,
		FallbackVariance:      1e-6,
		SpecificVarianceFloor: 1e-6,
		MinResiduals:          10,
		FactorCovSeed:         1e-6,
	}
}

var validate = validator.New()

// Validate checks the policy for out-of-range values.
func (d Defaults) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid risk model defaults: %w", err)
	}
	return nil
}
