// Package rules holds the versioned risk rule configuration. A Config is an
// immutable value once wrapped in a Ruleset; every risk check and audit
// record carries the Version of the ruleset it was computed under.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/workbench/simengine/internal/fill"
	"github.com/workbench/simengine/internal/instrument"
	"github.com/workbench/simengine/internal/model"
)

// Config is the set of thresholds used by the risk evaluator and the fill
// model. Decimal fields accept TOML strings or numbers.
type Config struct {
	Label string `toml:"label" json:"label"`

	StockLotSize int64 `toml:"stock_lot_size" json:"stock_lot_size"`
	ETFLotSize   int64 `toml:"etf_lot_size" json:"etf_lot_size"`

	MinCashRatio          decimal.Decimal `toml:"min_cash_ratio" json:"min_cash_ratio"`
	MaxPositionPerSymbol  decimal.Decimal `toml:"max_position_per_symbol" json:"max_position_per_symbol"`
	MaxOrderValue         decimal.Decimal `toml:"max_order_value" json:"max_order_value"`
	MaxOrderValueSeverity model.Severity  `toml:"max_order_value_severity" json:"max_order_value_severity"`
	PriceDeviationLimit   decimal.Decimal `toml:"price_deviation_limit" json:"price_deviation_limit"`

	FeeRate      decimal.Decimal `toml:"fee_rate" json:"fee_rate"`
	MinFee       decimal.Decimal `toml:"min_fee" json:"min_fee"`
	SlippageRate decimal.Decimal `toml:"slippage_rate" json:"slippage_rate"`

	// CapitalizeCosts adds fees and slippage to a buy's cost basis instead
	// of expensing them against cash only.
	CapitalizeCosts bool `toml:"capitalize_costs" json:"capitalize_costs"`
}

// DefaultLabel names the built-in ruleset.
const DefaultLabel = "risk/v1"

// Defaults returns the built-in thresholds.
func Defaults() Config {
	return Config{
		Label:                 DefaultLabel,
		StockLotSize:          100,
		ETFLotSize:            100,
		MinCashRatio:          decimal.RequireFromString("0.05"),
		MaxPositionPerSymbol:  decimal.RequireFromString("0.25"),
		MaxOrderValue:         decimal.NewFromInt(200000),
		MaxOrderValueSeverity: model.SeverityWarn,
		PriceDeviationLimit:   decimal.RequireFromString("0.03"),
		FeeRate:               decimal.RequireFromString("0.0003"),
		MinFee:                decimal.NewFromInt(5),
		SlippageRate:          decimal.RequireFromString("0.0005"),
	}
}

var ErrInvalidConfig = errors.New("rules: invalid config")

// Normalize returns c with its enumerated fields in canonical case, so a
// rules file and an API body spelling "warn" mean the same ruleset.
func (c Config) Normalize() Config {
	c.Label = strings.TrimSpace(c.Label)
	c.MaxOrderValueSeverity = model.Severity(strings.ToUpper(strings.TrimSpace(string(c.MaxOrderValueSeverity))))
	return c
}

// Validate checks every threshold is in range.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Label) == "" {
		problems = append(problems, "label is required")
	}
	if c.StockLotSize <= 0 || c.ETFLotSize <= 0 {
		problems = append(problems, "lot sizes must be positive")
	}
	one := decimal.NewFromInt(1)
	if c.MinCashRatio.IsNegative() || c.MinCashRatio.GreaterThanOrEqual(one) {
		problems = append(problems, "min_cash_ratio must be in [0, 1)")
	}
	if !c.MaxPositionPerSymbol.IsPositive() || c.MaxPositionPerSymbol.GreaterThan(one) {
		problems = append(problems, "max_position_per_symbol must be in (0, 1]")
	}
	if !c.MaxOrderValue.IsPositive() {
		problems = append(problems, "max_order_value must be positive")
	}
	if c.MaxOrderValueSeverity != model.SeverityWarn && c.MaxOrderValueSeverity != model.SeverityFail {
		problems = append(problems, "max_order_value_severity must be WARN or FAIL")
	}
	if !c.PriceDeviationLimit.IsPositive() {
		problems = append(problems, "price_deviation_limit must be positive")
	}
	if c.FeeRate.IsNegative() || c.MinFee.IsNegative() || c.SlippageRate.IsNegative() {
		problems = append(problems, "fee_rate, min_fee and slippage_rate must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// LotSize returns the lot size for an instrument kind.
func (c Config) LotSize(kind string) int64 {
	if kind == instrument.KindETF {
		return c.ETFLotSize
	}
	return c.StockLotSize
}

// canonical renders every field in a fixed order with normalized decimals,
// so equal thresholds always produce the same version.
func (c Config) canonical() string {
	return strings.Join([]string{
		"label=" + c.Label,
		fmt.Sprintf("stock_lot_size=%d", c.StockLotSize),
		fmt.Sprintf("etf_lot_size=%d", c.ETFLotSize),
		"min_cash_ratio=" + c.MinCashRatio.String(),
		"max_position_per_symbol=" + c.MaxPositionPerSymbol.String(),
		"max_order_value=" + c.MaxOrderValue.String(),
		"max_order_value_severity=" + string(c.MaxOrderValueSeverity),
		"price_deviation_limit=" + c.PriceDeviationLimit.String(),
		"fee_rate=" + c.FeeRate.String(),
		"min_fee=" + c.MinFee.String(),
		"slippage_rate=" + c.SlippageRate.String(),
		fmt.Sprintf("capitalize_costs=%t", c.CapitalizeCosts),
	}, "\n")
}

// Version is "{label}@{first 12 hex chars of sha256(canonical form)}".
func (c Config) Version() string {
	sum := sha256.Sum256([]byte(c.canonical()))
	return c.Label + "@" + hex.EncodeToString(sum[:])[:12]
}

// FillModel returns the fee, slippage and cost-basis parameters.
func (c Config) FillModel() fill.Model {
	return fill.Model{
		FeeRate:         c.FeeRate,
		MinFee:          c.MinFee,
		SlippageRate:    c.SlippageRate,
		CapitalizeCosts: c.CapitalizeCosts,
	}
}

// Ruleset is an activated, immutable Config with its version.
type Ruleset struct {
	Version string `json:"version"`
	Config  Config `json:"config"`
}

// New normalizes and validates cfg and wraps it in a Ruleset.
func New(cfg Config) (*Ruleset, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ruleset{Version: cfg.Version(), Config: cfg}, nil
}

// MustDefault returns the built-in ruleset.
func MustDefault() *Ruleset {
	rs, err := New(Defaults())
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadFile reads a TOML rules file. Keys absent from the file keep their
// default values.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
