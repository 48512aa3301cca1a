package identity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/storage"
	"github.com/reward-settler/internal/types"
	"golang.org/x/sync/singleflight"
)

// Cache is the key-value store used for profiles and negative results
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// ProfileStore is the durable profile cache
type ProfileStore interface {
	GetProfile(ctx context.Context, fid int64) (*models.UserProfile, error)
	SaveProfile(ctx context.Context, p *models.UserProfile) error
	DeleteProfile(ctx context.Context, fid int64) error
}

// ResolverConfig tunes caching and lookup bounds
type ResolverConfig struct {
	// NegativeTTL is how long a confirmed "no verified address" is remembered
	NegativeTTL time.Duration
	// LookupTimeout bounds one shared provider lookup
	LookupTimeout time.Duration
}

// Resolver maps fids to wallet addresses. Positive results are cached
// forever in Redis and Postgres. Only definitive misses are cached, briefly.
type Resolver struct {
	providers Provider
	cache     Cache
	store     ProfileStore
	cfg       ResolverConfig
	group     singleflight.Group
}

// NewResolver creates a resolver. cache and store may be nil.
func NewResolver(providers Provider, cache Cache, store ProfileStore, cfg ResolverConfig) *Resolver {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 2 * time.Minute
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 15 * time.Second
	}
	return &Resolver{providers: providers, cache: cache, store: store, cfg: cfg}
}

func profileKey(fid int64) string  { return "identity:fid:" + strconv.FormatInt(fid, 10) }
func negativeKey(fid int64) string { return "identity:neg:" + strconv.FormatInt(fid, 10) }

// ResolveAddress returns the lower-cased wallet address for fid. Any failure
// satisfies errors.Is(err, ErrNotFound).
func (r *Resolver) ResolveAddress(ctx context.Context, fid int64) (string, error) {
	p, err := r.Profile(ctx, fid)
	if err != nil {
		return "", err
	}
	return p.WalletAddress, nil
}

// Profile returns the full profile for fid
func (r *Resolver) Profile(ctx context.Context, fid int64) (*models.UserProfile, error) {
	if fid <= 0 {
		return nil, &LookupError{FID: fid, Definitive: true}
	}

	if p := r.cached(ctx, fid); p != nil {
		metrics.IdentityLookups.WithLabelValues(string(types.SourceCache), metrics.OutcomeHit).Inc()
		return p, nil
	}
	if r.negativelyCached(ctx, fid) {
		metrics.IdentityLookups.WithLabelValues(string(types.SourceCache), metrics.OutcomeNotFound).Inc()
		return nil, &LookupError{FID: fid, Definitive: true}
	}
	metrics.IdentityLookups.WithLabelValues(string(types.SourceCache), metrics.OutcomeMiss).Inc()

	return r.lookupShared(ctx, fid)
}

// VerifiedAddresses asks the providers directly, bypassing every cache
func (r *Resolver) VerifiedAddresses(ctx context.Context, fid int64) ([]string, error) {
	p, err := r.providers.Lookup(ctx, fid)
	if err != nil {
		return nil, err
	}
	return p.VerifiedAddresses, nil
}

// Refresh drops every cached result for fid and resolves it again
func (r *Resolver) Refresh(ctx context.Context, fid int64) (*models.UserProfile, error) {
	logger := logging.FromContext(ctx).WithField("fid", fid)
	if r.cache != nil {
		if err := r.cache.Del(ctx, profileKey(fid), negativeKey(fid)); err != nil {
			logger.WithError(err).Warn("Failed to drop cached identity")
		}
	}
	if r.store != nil {
		if err := r.store.DeleteProfile(ctx, fid); err != nil {
			logger.WithError(err).Warn("Failed to drop stored identity")
		}
	}
	return r.lookupShared(ctx, fid)
}

// lookupShared runs one provider lookup per fid no matter how many callers
// are waiting. The lookup is detached from any single caller's cancellation.
func (r *Resolver) lookupShared(ctx context.Context, fid int64) (*models.UserProfile, error) {
	ch := r.group.DoChan(strconv.FormatInt(fid, 10), func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LookupTimeout)
		defer cancel()
		return r.lookup(lookupCtx, fid)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p := *res.Val.(*models.UserProfile)
		return &p, nil
	case <-ctx.Done():
		return nil, &LookupError{FID: fid, Causes: []error{ctx.Err()}}
	}
}

func (r *Resolver) lookup(ctx context.Context, fid int64) (*models.UserProfile, error) {
	logger := logging.FromContext(ctx).WithField("fid", fid)

	p, err := r.providers.Lookup(ctx, fid)
	if err != nil {
		var le *LookupError
		if !errors.As(err, &le) {
			le = &LookupError{FID: fid, Definitive: errors.Is(err, ErrNotFound)}
			if !le.Definitive {
				le.Causes = []error{err}
			}
		}
		if le.Definitive && r.cache != nil {
			if cerr := r.cache.Set(ctx, negativeKey(fid), "1", r.cfg.NegativeTTL); cerr != nil {
				logger.WithError(cerr).Warn("Failed to cache identity miss")
			}
		}
		return nil, le
	}

	p.WalletAddress = models.NormalizeAddress(p.WalletAddress)
	r.remember(ctx, p)
	return p, nil
}

func (r *Resolver) cached(ctx context.Context, fid int64) *models.UserProfile {
	logger := logging.FromContext(ctx).WithField("fid", fid)

	if r.cache != nil {
		raw, found, err := r.cache.Get(ctx, profileKey(fid))
		if err != nil {
			logger.WithError(err).Warn("Identity cache read failed")
		} else if found {
			var p models.UserProfile
			if err := json.Unmarshal([]byte(raw), &p); err == nil && models.IsValidAddress(p.WalletAddress) {
				return &p
			}
			logger.Warn("Discarding malformed cached identity")
		}
	}

	if r.store != nil {
		p, err := r.store.GetProfile(ctx, fid)
		switch {
		case err == nil && models.IsValidAddress(p.WalletAddress):
			r.writeCache(ctx, p)
			return p
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			logger.WithError(err).Warn("Profile store read failed")
		}
	}
	return nil
}

func (r *Resolver) negativelyCached(ctx context.Context, fid int64) bool {
	if r.cache == nil {
		return false
	}
	_, found, err := r.cache.Get(ctx, negativeKey(fid))
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Identity negative cache read failed")
		return false
	}
	return found
}

func (r *Resolver) remember(ctx context.Context, p *models.UserProfile) {
	if r.store != nil {
		if err := r.store.SaveProfile(ctx, p); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("fid", p.FID).Warn("Failed to store identity")
		}
	}
	r.writeCache(ctx, p)
}

func (r *Resolver) writeCache(ctx context.Context, p *models.UserProfile) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, profileKey(p.FID), data, 0); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("fid", p.FID).Warn("Failed to cache identity")
	}
}
