package pricing

import (
	"math"

	"github.com/loomai/credits-service/internal/config"
)

// Feature names used at call sites. Unknown features resolve to a cost
// of 1 rather than failing.
const (
	FeatureAIChat  = "ai_chat"
	FeatureAIImage = "ai_image"
)

// Params describes one AI call to be priced. Provider is carried for
// logging only; pricing keys on model name, which is globally unique.
type Params struct {
	TotalTokens int64
	Model       string
	Provider    string
	Feature     string
}

// Calculator computes the integer credit cost of a single AI call.
// It is pure and total: unknown models and features fall back to the
// configured defaults, and the result is always >= 1.
type Calculator struct {
	cfg config.CreditsConfig
}

func NewCalculator(cfg config.CreditsConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Calculate returns the credit cost for one call.
//
// Fixed mode ignores token counts entirely and resolves a static
// per-feature amount, with optional per-model overrides. Dynamic mode
// charges ceil((tokens / tokensPerCredit) * multiplier), never less
// than 1 credit per operation.
func (c *Calculator) Calculate(p Params) int64 {
	if c.cfg.Mode == "fixed" {
		return c.fixedAmount(p.Feature, p.Model)
	}

	mult := c.Multiplier(p.Model)
	credits := int64(math.Ceil(float64(p.TotalTokens) / float64(c.cfg.Dynamic.TokensPerCredit) * mult))
	if credits < 1 {
		return 1
	}
	return credits
}

// FixedAmount exposes the fixed-mode resolution for estimate endpoints.
func (c *Calculator) FixedAmount(feature, model string) int64 {
	return c.fixedAmount(feature, model)
}

func (c *Calculator) fixedAmount(feature, model string) int64 {
	if feature == "" {
		feature = FeatureAIChat
	}
	fc, ok := c.cfg.Fixed[feature]
	if !ok {
		return 1
	}
	return resolveFixedCost(fc, model)
}

// Multiplier returns the dynamic-mode multiplier for a model, falling
// back to the table's "default" entry, then 1.0.
func (c *Calculator) Multiplier(model string) float64 {
	table := c.cfg.Dynamic.ModelMultipliers
	if m, ok := table[model]; ok {
		return m
	}
	if m, ok := table["default"]; ok {
		return m
	}
	return 1.0
}

// DynamicMode reports whether the calculator charges by token usage.
func (c *Calculator) DynamicMode() bool {
	return c.cfg.Mode == "dynamic"
}

func resolveFixedCost(fc config.FixedCost, model string) int64 {
	if model != "" {
		if v, ok := fc.Models[model]; ok {
			return v
		}
	}
	if fc.Default < 1 {
		return 1
	}
	return fc.Default
}
