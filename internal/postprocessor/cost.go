package postprocessor

import "strings"

// pricePerMTok is USD cost per million tokens for one rate class.
type pricePerMTok struct {
	input         float64
	output        float64
	cacheRead     float64
	cacheCreation float64
}

// pricing is keyed by a tier substring matched against the model name;
// first match wins, so more specific tiers (opus) must precede broader
// ones (sonnet) in iteration — handled by checking in a fixed order
// rather than ranging the map.
var pricing = map[string]pricePerMTok{
	"opus": {input: 15.00, output: 75.00, cacheRead: 1.50, cacheCreation: 18.75},
	"sonnet": {input: 3.00, output: 15.00, cacheRead: 0.30, cacheCreation: 3.75},
	"haiku": {input: 0.80, output: 4.00, cacheRead: 0.08, cacheCreation: 1.00},
}

var pricingOrder = []string{"opus", "sonnet", "haiku"}

// calcCost estimates USD cost from a model name and token counts. Models
// this proxy has never priced fall back to sonnet-tier pricing rather
// than zero, since a silent $0 estimate is more misleading than an
// approximate one.
func calcCost(model string, inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int64) float64 {
	lower := strings.ToLower(model)
	tier, ok := pricePerMTok{}, false
	for _, name := range pricingOrder {
		if strings.Contains(lower, name) {
			tier, ok = pricing[name], true
			break
		}
	}
	if !ok {
		tier = pricing["sonnet"]
	}

	const million = 1_000_000.0
	return float64(inputTokens)*tier.input/million +
		float64(outputTokens)*tier.output/million +
		float64(cacheReadTokens)*tier.cacheRead/million +
		float64(cacheCreationTokens)*tier.cacheCreation/million
}
