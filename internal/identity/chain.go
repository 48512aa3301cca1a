package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
)

// Chain tries providers in priority order and returns the first profile found
type Chain struct {
	providers []Provider
}

// NewChain creates a chain. Nil providers are skipped.
func NewChain(providers ...Provider) *Chain {
	c := &Chain{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Name implements Provider
func (c *Chain) Name() string { return "chain" }

// Lookup implements Provider. Failures come back as *LookupError.
func (c *Chain) Lookup(ctx context.Context, fid int64) (*models.UserProfile, error) {
	logger := logging.FromContext(ctx).WithField("fid", fid)

	definitive := len(c.providers) > 0
	var causes []error
	for _, p := range c.providers {
		profile, err := p.Lookup(ctx, fid)
		if err == nil {
			metrics.IdentityLookups.WithLabelValues(p.Name(), metrics.OutcomeHit).Inc()
			return profile, nil
		}

		if errors.Is(err, ErrNotFound) {
			metrics.IdentityLookups.WithLabelValues(p.Name(), metrics.OutcomeNotFound).Inc()
			continue
		}

		metrics.IdentityLookups.WithLabelValues(p.Name(), metrics.OutcomeError).Inc()
		logger.WithError(err).WithField("provider", p.Name()).Warn("Identity provider failed")
		definitive = false
		causes = append(causes, fmt.Errorf("%s: %w", p.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, &LookupError{FID: fid, Definitive: definitive, Causes: causes}
}
