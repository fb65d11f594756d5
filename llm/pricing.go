package llm

// Price is the cost in USD per one million tokens.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Pricing maps provider names to prices.
type Pricing map[string]Price

// DefaultPrice applies to providers missing from the table.
var DefaultPrice = Price{Input: 1.0, Output: 3.0}

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		"gemini":    {Input: 0.075, Output: 0.30},
		"openai":    {Input: 30.0, Output: 60.0},
		"anthropic": {Input: 3.0, Output: 15.0},
	}
}

// Merge returns a copy of p with overrides applied.
func (p Pricing) Merge(overrides Pricing) Pricing {
	out := make(Pricing, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Cost computes the USD cost of a call.
func (p Pricing) Cost(provider string, promptTokens, completionTokens int) float64 {
	price, ok := p[provider]
	if !ok {
		price = DefaultPrice
	}
	return float64(promptTokens)/1_000_000*price.Input + float64(completionTokens)/1_000_000*price.Output
}
