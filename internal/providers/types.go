// Package providers holds the thin adapters around external services:
// Google Maps place search, LLM completion (text and vision), and the
// headless browser. Every call follows the same contract: acquire a
// rate limit token, execute, then record cost.
package providers

import (
	"context"
	"time"

	"prospector/internal/cost"
	"prospector/internal/logging"
	"prospector/internal/ratelimit"
)

// Deps carries the shared infrastructure every client needs.
type Deps struct {
	Limiter *ratelimit.Limiter
	Tracker *cost.Tracker
	Table   *cost.Table
}

// acquire consults the rate limiter for bucket and logs the wait when
// the call audit flag is on.
func (d Deps) acquire(ctx context.Context, bucket, provider, op string) error {
	start := time.Now()
	if err := d.Limiter.Acquire(ctx, bucket); err != nil {
		return err
	}
	logging.AuditProviderAcquired(provider, op, time.Since(start))
	return nil
}

// record prices the call, feeds the tracker, and returns the USD cost.
func (d Deps) record(ctx context.Context, provider, op string, u cost.Usage) float64 {
	usd := d.Table.PriceFor(provider, op).Cost(u)
	d.Tracker.Record(ctx, provider, op, usd, u)
	logging.AuditProviderRecorded(provider, op, usd)
	return usd
}

// Schema describes the JSON shape an LLM response must conform to.
// It renders to the Gemini schema type or a plain JSON Schema map
// depending on the backend.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// JSONSchemaMap renders the schema as a plain JSON Schema object for
// backends that take response_format documents.
func (s *Schema) JSONSchemaMap() map[string]interface{} {
	if s == nil {
		return nil
	}
	m := map[string]interface{}{"type": s.Type}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]interface{}, len(s.Properties))
		for name, sub := range s.Properties {
			props[name] = sub.JSONSchemaMap()
		}
		m["properties"] = props
	}
	if s.Items != nil {
		m["items"] = s.Items.JSONSchemaMap()
	}
	if len(s.Required) > 0 {
		m["required"] = s.Required
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return m
}
