package tts

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/breaker"
	"github.com/teddyo/teddyvoice/internal/logger"
)

// Result is the outcome of one synthesis request through the chain. Total
// failure is reported as a value, carrying the last error per provider, so
// the caller decides the user-facing behavior.
type Result struct {
	Success  bool
	Audio    []byte
	Format   string
	Provider string
	Errors   map[string]string
}

// Chain tries synthesis providers in a fixed priority order resolved at
// construction. Each invoke goes through that provider's circuit breaker.
type Chain struct {
	providers []Provider
	breakers  *breaker.Registry
	log       *logrus.Entry
}

func NewChain(providers []Provider, breakers *breaker.Registry, log *logrus.Logger) *Chain {
	if log == nil {
		log = logrus.New()
	}
	return &Chain{
		providers: providers,
		breakers:  breakers,
		log:       logger.Component(log, "tts-chain"),
	}
}

// Order re-sorts the configured providers by name priority, dropping names
// that have no registered provider. Unknown configured names are ignored.
func Order(providers []Provider, names []string) []Provider {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	out := make([]Provider, 0, len(providers))
	for _, n := range names {
		if p, ok := byName[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *Chain) Synthesize(ctx context.Context, text string) Result {
	errs := make(map[string]string)

	for _, p := range c.providers {
		if !p.Available() {
			c.log.WithField("provider", p.Name()).Debug("provider unavailable, skipping")
			continue
		}

		var audio []byte
		var format string
		err := c.breakers.Get("tts-" + p.Name()).Do(ctx, func(ctx context.Context) error {
			var synthErr error
			audio, format, synthErr = p.Synthesize(ctx, text)
			return synthErr
		})
		if err != nil {
			errs[p.Name()] = err.Error()
			c.log.WithField("provider", p.Name()).WithError(err).Warn("synthesis failed, trying next provider")
			continue
		}

		return Result{Success: true, Audio: audio, Format: format, Provider: p.Name()}
	}

	c.log.WithField("providers_failed", len(errs)).Error("all synthesis providers failed")
	return Result{Success: false, Errors: errs}
}
