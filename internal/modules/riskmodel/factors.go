package riskmodel

import (
	"fmt"
	"strings"
)

// Standard risk factor identifiers.
const (
	FactorMarket     = "R_MKT"
	FactorSize       = "R_SIZE"
	FactorValue      = "R_VAL"
	FactorMomentum   = "R_MOM"
	FactorLiquidity  = "R_LIQ"
	FactorVolatility = "R_VOL"
	FactorFXRates    = "R_FX_IR"
	FactorFlow       = "R_FLOW"
)

// StandardFactorNames returns the eight standard factors in canonical order.
func StandardFactorNames() []string {
	return []string{
		FactorMarket,
		FactorSize,
		FactorValue,
		FactorMomentum,
		FactorLiquidity,
		FactorVolatility,
		FactorFXRates,
		FactorFlow,
	}
}

// alphaToRiskFactor maps alpha-engine signal names onto the risk factor they load on.
var alphaToRiskFactor = map[string]string{
	"flow":          FactorFlow,
	"reversion":     FactorVolatility,
	"inertia":       FactorMomentum,
	"value_quality": FactorValue,
}

// RiskFactorFor returns the risk factor an alpha signal maps to.
func RiskFactorFor(alpha string) (string, bool) {
	f, ok := alphaToRiskFactor[alpha]
	return f, ok
}

// ValidateFactorNames checks that every name is a standard factor.
func ValidateFactorNames(names []string) error {
	standard := make(map[string]bool, 8)
	for _, f := range StandardFactorNames() {
		standard[f] = true
	}

	var invalid []string
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !standard[name] {
			invalid = append(invalid, name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate factor name: %s", name)
		}
		seen[name] = true
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid factor names: [%s]; standard factor names are: [%s]",
			strings.Join(invalid, ", "), strings.Join(StandardFactorNames(), ", "))
	}
	return nil
}
