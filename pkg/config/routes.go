package config

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/paygate/pkg/policy"
)

// RouteFile is the YAML document listing the gated routes.
type RouteFile struct {
	Routes []RouteEntry `yaml:"routes" validate:"required,min=1,dive"`
}

// RouteEntry is one route. Price is a decimal token amount ("0.25");
// PriceAtomic is the same value already in atomic units. At most one may
// be set.
type RouteEntry struct {
	ID              string `yaml:"id" validate:"required"`
	Scope           string `yaml:"scope" validate:"required"`
	Service         string `yaml:"service" validate:"required"`
	Price           string `yaml:"price" validate:"omitempty,excluded_with=PriceAtomic"`
	PriceAtomic     string `yaml:"price_atomic" validate:"omitempty,numeric"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" validate:"gt=0"`
	RequirePayment  bool   `yaml:"require_payment"`
}

// LoadRoutesFile reads a route file. decimals is the asset's decimal
// precision used to convert Price to atomic units.
func LoadRoutesFile(path string, decimals int32) (*policy.RouteTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open route file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadRoutes(f, decimals)
}

// LoadRoutes decodes and validates a route file.
func LoadRoutes(r io.Reader, decimals int32) (*policy.RouteTable, error) {
	var file RouteFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode route file: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid route file: %w", err)
	}

	table := policy.NewRouteTable()
	seen := make(map[string]bool, len(file.Routes))
	for _, e := range file.Routes {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate route %q", e.ID)
		}
		seen[e.ID] = true

		atomic := e.PriceAtomic
		if e.Price != "" {
			v, err := AtomicAmount(e.Price, decimals)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", e.ID, err)
			}
			atomic = v
		}
		if e.RequirePayment && atomic == "" {
			return nil, fmt.Errorf("route %s requires payment but has no price", e.ID)
		}

		p := policy.RoutePolicy{
			RouteID:         e.ID,
			Scope:           policy.NormalizeName(e.Scope),
			Service:         policy.NormalizeName(e.Service),
			PriceAtomic:     atomic,
			RateLimitPerMin: e.RateLimitPerMin,
			RequirePayment:  e.RequirePayment,
		}
		if _, err := p.Price(); err != nil {
			return nil, err
		}
		table.Put(p)
	}
	return table, nil
}

// AtomicAmount converts a decimal token amount into atomic units.
// "1.5" with 6 decimals is "1500000". Amounts finer than the asset's
// precision or below zero are rejected.
func AtomicAmount(amount string, decimals int32) (string, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("negative amount %q", amount)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return "", fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
	}
	return shifted.BigInt().String(), nil
}
