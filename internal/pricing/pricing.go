// Package pricing computes USD cost for model calls from a static price table.
package pricing

// Rate holds USD prices per million tokens for one model.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// rates maps model identifiers to their per-million-token USD prices.
// Unknown models are not an error; they simply contribute no cost.
var rates = map[string]Rate{
	"gpt-4o":                   {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":              {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1":                  {InputPerMillion: 2.00, OutputPerMillion: 8.00},
	"gpt-4.1-mini":             {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	"o3-mini":                  {InputPerMillion: 1.10, OutputPerMillion: 4.40},
	"claude-opus-4-20250514":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-20250514": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-latest":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"gemini-2.0-flash":         {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"deepseek-chat":            {InputPerMillion: 0.27, OutputPerMillion: 1.10},
}

// Cost returns the USD cost of a model call. Pure and safe for concurrent use;
// returns 0 for models absent from the table.
func Cost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := rates[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*rate.InputPerMillion + float64(outputTokens)*rate.OutputPerMillion) / 1_000_000
}

// Lookup returns the rate for a model and whether it is priced.
func Lookup(model string) (Rate, bool) {
	rate, ok := rates[model]
	return rate, ok
}
