// Package sink defines where transformed batches are loaded and how long a
// process waits after a failed load.
//
// A Sink receives a whole batch per Load call and must tolerate receiving
// the same items again: a crash between a successful load and the
// checkpoint commit re-delivers the batch. Implementations therefore write
// with upsert/delete-by-key semantics or attach deduplication IDs.
package sink

import (
	"context"
	"math"
	"time"

	"github.com/ajitpratap0/nebula-etl/pkg/config"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

// Sink loads transformed batches
type Sink interface {
	// Name identifies the sink kind in logs and metrics
	Name() string
	// Load writes the batch as one unit
	Load(ctx context.Context, items []models.TransformedItem) error
	// Close releases connections
	Close(ctx context.Context) error
}

// FallbackPolicy computes the delay armed after a failed load.
// consecutiveFailures is at least 1.
type FallbackPolicy interface {
	Delay(consecutiveFailures int, err error) time.Duration
}

// FallbackProvider is implemented by sinks that know their own backoff
type FallbackProvider interface {
	FallbackPolicy() FallbackPolicy
}

// Fixed waits the same interval after every failure
type Fixed struct {
	Interval time.Duration
}

// Delay implements FallbackPolicy
func (f Fixed) Delay(int, error) time.Duration {
	return f.Interval
}

// Exponential multiplies Initial by Multiplier for every consecutive failure
// after the first, capped at Max. Without a Max the delay saturates at the
// largest time.Duration.
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay implements FallbackPolicy
func (e Exponential) Delay(consecutiveFailures int, _ error) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(e.Initial) * math.Pow(mult, float64(consecutiveFailures-1))
	if e.Max > 0 && (d > float64(e.Max) || math.IsInf(d, 0)) {
		return e.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// PolicyFromConfig builds the configured policy
func PolicyFromConfig(cfg config.FallbackConfig) FallbackPolicy {
	if cfg.Policy == config.FallbackFixed {
		return Fixed{Interval: cfg.Delay}
	}
	return Exponential{Initial: cfg.Delay, Multiplier: cfg.Multiplier, Max: cfg.MaxDelay}
}

// PolicyFor returns the sink's own policy when it provides one, otherwise
// the configured policy
func PolicyFor(s Sink, cfg config.FallbackConfig) FallbackPolicy {
	if p, ok := s.(FallbackProvider); ok {
		if policy := p.FallbackPolicy(); policy != nil {
			return policy
		}
	}
	return PolicyFromConfig(cfg)
}
