package budget

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/vellum/internal/common"
)

// Price is the declared cost model of one model, in USD per million tokens
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
	BatchDiscount    float64
}

// PricingTable maps model names to prices
type PricingTable map[string]Price

// NewPricingTable builds a table from configuration
func NewPricingTable(cfg map[string]common.PriceConfig) PricingTable {
	table := make(PricingTable, len(cfg))
	for model, p := range cfg {
		table[strings.ToLower(model)] = Price{
			InputPerMillion:  p.InputPerMillion,
			OutputPerMillion: p.OutputPerMillion,
			BatchDiscount:    p.BatchDiscount,
		}
	}
	return table
}

// Lookup finds the price for a model. Dated model ids ("claude-sonnet-4-5-20250929")
// fall back to the longest configured prefix.
func (t PricingTable) Lookup(model string) (Price, bool) {
	model = strings.ToLower(model)
	if p, ok := t[model]; ok {
		return p, true
	}

	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			return t[k], true
		}
	}
	return Price{}, false
}

// Cost prices a call from its token usage
func (t PricingTable) Cost(model string, inputTokens, outputTokens int64, batch bool) (float64, error) {
	p, ok := t.Lookup(model)
	if !ok {
		return 0, fmt.Errorf("no pricing configured for model '%s'", model)
	}
	cost := float64(inputTokens)*p.InputPerMillion/1e6 + float64(outputTokens)*p.OutputPerMillion/1e6
	if batch && p.BatchDiscount > 0 && p.BatchDiscount < 1 {
		cost *= 1 - p.BatchDiscount
	}
	return cost, nil
}

// Estimator turns a page count into a conservative token estimate for reservations
type Estimator struct {
	BaseTokens          int
	InputTokensPerPage  int
	OutputTokensPerPage int
	MaxOutputTokens     int
}

// NewEstimator builds an estimator from configuration
func NewEstimator(cfg *common.Config) Estimator {
	maxOut := cfg.LLM.MaxOutputTokens
	if cfg.LLM.DefaultProvider == common.LLMProviderClaude && cfg.Claude.MaxTokens > 0 && cfg.Claude.MaxTokens < maxOut {
		maxOut = cfg.Claude.MaxTokens
	}
	return Estimator{
		BaseTokens:          cfg.Budget.BaseTokens,
		InputTokensPerPage:  cfg.Budget.InputTokensPerPage,
		OutputTokensPerPage: cfg.Budget.OutputTokensPerPage,
		MaxOutputTokens:     maxOut,
	}
}

// Tokens returns the estimated input and output tokens for a request covering pages
func (e Estimator) Tokens(pages int) (int64, int64) {
	if pages < 1 {
		pages = 1
	}
	in := int64(e.BaseTokens + e.InputTokensPerPage*pages)
	out := int64(e.OutputTokensPerPage * pages)
	if e.MaxOutputTokens > 0 && out > int64(e.MaxOutputTokens) {
		out = int64(e.MaxOutputTokens)
	}
	return in, out
}

// RequestMaxTokens is the output ceiling sent with a request covering pages.
// It leaves headroom over the estimate so ordinary pages are not truncated.
func (e Estimator) RequestMaxTokens(pages int) int {
	_, out := e.Tokens(pages)
	want := int(out) * 2
	if want < 2048 {
		want = 2048
	}
	if e.MaxOutputTokens > 0 && want > e.MaxOutputTokens {
		want = e.MaxOutputTokens
	}
	return want
}

// EstimateCost prices the estimate for a request covering pages
func (e Estimator) EstimateCost(table PricingTable, model string, pages int, batch bool) (float64, error) {
	in, out := e.Tokens(pages)
	return table.Cost(model, in, out, batch)
}
