package cost

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Price holds the unit prices for one provider operation. Fields not
// set in the table contribute nothing to the computed cost.
type Price struct {
	PerCallUSD       float64 `yaml:"per_call_usd"`
	InputPerMTokUSD  float64 `yaml:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `yaml:"output_per_mtok_usd"`
	PerImageUSD      float64 `yaml:"per_image_usd"`
}

// Table maps "provider.operation" keys to prices. A bare provider key
// acts as a fallback for all of that provider's operations.
type Table struct {
	Version string           `yaml:"version"`
	Prices  map[string]Price `yaml:"prices"`
}

// DefaultTable returns the compiled-in price table. Values track the
// published list prices for the default model selections.
func DefaultTable() *Table {
	return &Table{
		Version: "1",
		Prices: map[string]Price{
			"maps.textsearch": {PerCallUSD: 0.032},
			"maps.details":    {PerCallUSD: 0.017},
			"llm.text.complete": {
				InputPerMTokUSD:  0.10,
				OutputPerMTokUSD: 0.40,
			},
			"llm.text.fallback": {
				InputPerMTokUSD:  0.15,
				OutputPerMTokUSD: 0.60,
			},
			"llm.vision.analyze": {
				InputPerMTokUSD:  0.10,
				OutputPerMTokUSD: 0.40,
			},
			"browser.render": {},
		},
	}
}

// LoadTable reads a price table from a YAML file and overlays it on
// the defaults. An empty path returns the defaults unchanged; a
// missing file is an error so misconfigured paths surface early.
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost table: %w", err)
	}

	var loaded Table
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse cost table: %w", err)
	}
	for key, price := range loaded.Prices {
		t.Prices[key] = price
	}
	if loaded.Version != "" {
		t.Version = loaded.Version
	}
	return t, nil
}

// PriceFor looks up the price for provider and operation. The exact
// "provider.operation" key wins over the bare provider key; unknown
// pairs price at zero.
func (t *Table) PriceFor(provider, operation string) Price {
	if p, ok := t.Prices[provider+"."+operation]; ok {
		return p
	}
	if p, ok := t.Prices[provider]; ok {
		return p
	}
	return Price{}
}

// Cost computes the USD cost of one call with the given usage.
func (p Price) Cost(u Usage) float64 {
	calls := u.Calls
	if calls == 0 {
		calls = 1
	}
	usd := p.PerCallUSD * float64(calls)
	usd += p.InputPerMTokUSD * float64(u.InputTokens) / 1e6
	usd += p.OutputPerMTokUSD * float64(u.OutputTokens) / 1e6
	usd += p.PerImageUSD * float64(u.Images)
	return usd
}
