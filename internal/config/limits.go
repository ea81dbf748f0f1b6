package config

import "time"

// Well-known rate limit bucket keys. One bucket per provider operation.
const (
	BucketMapsTextSearch = "maps.textsearch"
	BucketMapsDetails    = "maps.details"
	BucketTextLLM        = "llm.text"
	BucketVisionLLM      = "llm.vision"
	BucketBrowser        = "browser"
)

// BucketConfig parameterizes one token bucket.
type BucketConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	MaxWait         string  `yaml:"max_wait"`
}

// RateLimitsConfig maps bucket keys to their parameters. Read once at process
// start; changing it requires restart.
type RateLimitsConfig struct {
	Buckets map[string]BucketConfig `yaml:"buckets"`
}

// DefaultRateLimitsConfig returns conservative per-provider buckets.
func DefaultRateLimitsConfig() RateLimitsConfig {
	return RateLimitsConfig{
		Buckets: map[string]BucketConfig{
			BucketMapsTextSearch: {Capacity: 5, RefillPerSecond: 2, MaxWait: "30s"},
			BucketMapsDetails:    {Capacity: 10, RefillPerSecond: 5, MaxWait: "30s"},
			BucketTextLLM:        {Capacity: 4, RefillPerSecond: 1, MaxWait: "60s"},
			BucketVisionLLM:      {Capacity: 2, RefillPerSecond: 0.5, MaxWait: "60s"},
			BucketBrowser:        {Capacity: 2, RefillPerSecond: 1, MaxWait: "60s"},
		},
	}
}

// Bucket returns the configured parameters for a key, falling back to the
// default for unknown keys.
func (r RateLimitsConfig) Bucket(key string) BucketConfig {
	if b, ok := r.Buckets[key]; ok {
		return b
	}
	return BucketConfig{Capacity: 2, RefillPerSecond: 1, MaxWait: "30s"}
}

// MaxWaitDuration returns the admission wait ceiling for one bucket.
func (b BucketConfig) MaxWaitDuration() time.Duration {
	return parseDurationOr(b.MaxWait, 30*time.Second)
}
