// Package pricing defines per-model token pricing used to estimate run cost.
package pricing

import "github.com/relaydev/agentrun/internal/domain/run"

// ModelPricing holds USD rates per million tokens for one provider/model
// pair. Rows are versioned so historical runs keep the rate they were
// priced under.
type ModelPricing struct {
	Provider           string  `json:"provider"`
	Model              string  `json:"model"`
	InputUSDPerMTok    float64 `json:"input_usd_per_mtok"`
	OutputUSDPerMTok   float64 `json:"output_usd_per_mtok"`
	CachedInputPerMTok float64 `json:"cached_input_usd_per_mtok"`
	Version            string  `json:"version"`
}

// Estimate returns the estimated USD cost for the given usage. Cached input
// tokens are billed at the cached rate and subtracted from the input total.
func (p *ModelPricing) Estimate(u *run.Usage) float64 {
	if u == nil {
		return 0
	}
	const mtok = 1_000_000
	fresh := u.InputTokens - u.CachedInputTokens
	if fresh < 0 {
		fresh = 0
	}
	cost := float64(fresh)/mtok*p.InputUSDPerMTok +
		float64(u.CachedInputTokens)/mtok*p.CachedInputPerMTok +
		float64(u.OutputTokens)/mtok*p.OutputUSDPerMTok
	return cost
}
