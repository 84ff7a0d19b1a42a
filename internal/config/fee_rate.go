package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	hundred    = decimal.NewFromInt(100)
	maxFeeRate = decimal.RequireFromString("0.01")
)

// FeeRate is a fractional fee read from YAML as "0.0006" or "0.06%".
type FeeRate struct {
	decimal.Decimal
}

func (r *FeeRate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("fee rate must be a scalar")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		r.Decimal = decimal.Zero
		return nil
	}
	percent := strings.HasSuffix(raw, "%")
	rate, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(raw, "%")))
	if err != nil {
		return fmt.Errorf("invalid fee rate %q: %w", value.Value, err)
	}
	if percent {
		rate = rate.Div(hundred)
	}
	if rate.IsNegative() || rate.GreaterThan(maxFeeRate) {
		return fmt.Errorf("fee rate %q outside [0, 1%%]", value.Value)
	}
	r.Decimal = rate
	return nil
}

func (r FeeRate) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}
