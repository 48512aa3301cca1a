// Package ratelimit shares one RPC compute budget between every process that
// talks to the settlement contract's node provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 500 // compute units per window
	DefaultReservedBudget = 300 // reserved for settlement
	DefaultWindowSize     = time.Second
	DefaultKeyTTL         = 2 * time.Second
)

// Redis key prefixes
const (
	KeyPrefixTotal    = "rpcbudget:total:"
	KeyPrefixReserved = "rpcbudget:reserved:"
	KeyPrefixShared   = "rpcbudget:shared:"
	KeyPrefixMethod   = "rpcbudget:method:"
)

// Priority selects the pool a caller draws from.
type Priority int

const (
	// PriorityHigh is the settlement worker. It uses the reserved pool.
	PriorityHigh Priority = iota
	// PriorityLow is operator tooling. It uses the shared pool.
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript checks both the total and the pool counters and increments
// them together.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cu = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cu > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cu > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cu)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cu)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cu, poolUsed + cu}
`)

// Budget is a fixed-window compute unit budget kept in Redis, split into a
// reserved pool for high priority callers and a shared pool for the rest.
type Budget struct {
	redis          redis.Cmdable
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
}

// BudgetConfig configures a Budget
type BudgetConfig struct {
	// Redis is required
	Redis redis.Cmdable

	// TotalBudget is the compute units allowed per window. Default 500.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only PriorityHigh may use. Default 300.
	ReservedBudget int

	// WindowSize defaults to one second
	WindowSize time.Duration

	// KeyTTL should be at least WindowSize. Default 2s.
	KeyTTL time.Duration
}

// Usage is the consumption in the current window
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

func (c *BudgetConfig) withDefaults() BudgetConfig {
	out := *c
	if out.TotalBudget == 0 {
		out.TotalBudget = DefaultTotalBudget
	}
	if out.ReservedBudget == 0 {
		out.ReservedBudget = DefaultReservedBudget
		if out.ReservedBudget > out.TotalBudget {
			out.ReservedBudget = out.TotalBudget * 3 / 5
		}
	}
	if out.WindowSize == 0 {
		out.WindowSize = DefaultWindowSize
	}
	if out.KeyTTL == 0 {
		out.KeyTTL = DefaultKeyTTL
	}
	return out
}

// Validate checks the configuration
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	d := c.withDefaults()
	if d.ReservedBudget > d.TotalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", d.ReservedBudget, d.TotalBudget)
	}
	return nil
}

// NewBudget creates a budget. Defaults fill zero fields.
func NewBudget(cfg *BudgetConfig) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := cfg.withDefaults()
	return &Budget{
		redis:          d.Redis,
		totalBudget:    d.TotalBudget,
		reservedBudget: d.ReservedBudget,
		sharedBudget:   d.TotalBudget - d.ReservedBudget,
		windowSize:     d.WindowSize,
		keyTTL:         d.KeyTTL,
	}, nil
}

func (b *Budget) windowTimestamp() int64 {
	return time.Now().Truncate(b.windowSize).UnixMilli()
}

func keys(windowTS int64) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(windowTS, 10)
	return KeyPrefixTotal + ts, KeyPrefixReserved + ts, KeyPrefixShared + ts
}

// TryConsume takes cu from the pool for priority. When denied it returns how
// long until the next window. Redis errors deny.
func (b *Budget) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration) {
	if cu <= 0 {
		return true, 0
	}

	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := keys(windowTS)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttl := int(b.keyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey}, cu, b.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil || len(result) == 0 || result[0] != 1 {
		return false, b.untilNextWindow(windowTS)
	}
	return true, 0
}

func (b *Budget) untilNextWindow(windowTS int64) time.Duration {
	wait := time.Until(time.UnixMilli(windowTS).Add(b.windowSize))
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns consumption in the current window
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	windowTS := b.windowTimestamp()
	totalKey, reservedKey, sharedKey := keys(windowTS)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read rpc budget: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    time.UnixMilli(windowTS),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

// RecordMethodUsage counts cu against method for the current window. It does
// not affect admission.
func (b *Budget) RecordMethodUsage(ctx context.Context, method string, cu int) error {
	if cu <= 0 || method == "" {
		return nil
	}
	key := fmt.Sprintf("%s%s:%d", KeyPrefixMethod, method, b.windowTimestamp())

	pipe := b.redis.Pipeline()
	pipe.IncrBy(ctx, key, int64(cu))
	pipe.Expire(ctx, key, b.keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Available returns what priority may still consume this window
func (b *Budget) Available(ctx context.Context, priority Priority) (int, error) {
	u, err := b.Usage(ctx)
	if err != nil {
		return 0, err
	}
	available := b.sharedBudget - u.SharedUsed
	if priority == PriorityHigh {
		available = b.reservedBudget - u.ReservedUsed
	}
	if left := b.totalBudget - u.TotalUsed; left < available {
		available = left
	}
	if available < 0 {
		available = 0
	}
	return available, nil
}

// TotalBudget returns the configured compute units per window
func (b *Budget) TotalBudget() int { return b.totalBudget }

// ReservedBudget returns the high priority share
func (b *Budget) ReservedBudget() int { return b.reservedBudget }

// SharedBudget returns the low priority share
func (b *Budget) SharedBudget() int { return b.sharedBudget }

// WindowSize returns the window duration
func (b *Budget) WindowSize() time.Duration { return b.windowSize }
