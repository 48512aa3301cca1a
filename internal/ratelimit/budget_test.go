package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

// A long window keeps every call in a test inside the same window
func newTestBudget(t *testing.T, total, reserved int) *Budget {
	t.Helper()
	client, _ := newTestRedis(t)
	b, err := NewBudget(&BudgetConfig{
		Redis:          client,
		TotalBudget:    total,
		ReservedBudget: reserved,
		WindowSize:     time.Hour,
	})
	require.NoError(t, err)
	return b
}

func TestNewBudget(t *testing.T) {
	client, _ := newTestRedis(t)

	tests := []struct {
		name    string
		cfg     *BudgetConfig
		errMsg  string
		total   int
		reserve int
	}{
		{name: "nil config", cfg: nil, errMsg: "configuration is required"},
		{name: "nil redis", cfg: &BudgetConfig{}, errMsg: "redis client is required"},
		{name: "negative total", cfg: &BudgetConfig{Redis: client, TotalBudget: -1}, errMsg: "total budget cannot be negative"},
		{name: "reserved over total", cfg: &BudgetConfig{Redis: client, TotalBudget: 100, ReservedBudget: 200}, errMsg: "cannot exceed total budget"},
		{name: "defaults", cfg: &BudgetConfig{Redis: client}, total: 500, reserve: 300},
		{name: "small total scales default reserve", cfg: &BudgetConfig{Redis: client, TotalBudget: 100}, total: 100, reserve: 60},
		{name: "explicit", cfg: &BudgetConfig{Redis: client, TotalBudget: 1000, ReservedBudget: 100}, total: 1000, reserve: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBudget(tt.cfg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.total, b.TotalBudget())
			assert.Equal(t, tt.reserve, b.ReservedBudget())
			assert.Equal(t, tt.total-tt.reserve, b.SharedBudget())
		})
	}
}

func TestBudget_PoolsAreSeparate(t *testing.T) {
	b := newTestBudget(t, 100, 60)
	ctx := context.Background()

	ok, _ := b.TryConsume(ctx, 40, PriorityLow)
	assert.True(t, ok)
	ok, wait := b.TryConsume(ctx, 1, PriorityLow)
	assert.False(t, ok, "shared pool exhausted")
	assert.Greater(t, wait, time.Duration(0))

	// High priority still has its reservation
	ok, _ = b.TryConsume(ctx, 60, PriorityHigh)
	assert.True(t, ok)
	ok, _ = b.TryConsume(ctx, 1, PriorityHigh)
	assert.False(t, ok)

	u, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, u.TotalUsed)
	assert.Equal(t, 60, u.ReservedUsed)
	assert.Equal(t, 40, u.SharedUsed)

	avail, err := b.Available(ctx, PriorityHigh)
	require.NoError(t, err)
	assert.Zero(t, avail)
}

func TestBudget_ZeroCostAlwaysAllowed(t *testing.T) {
	b := newTestBudget(t, 10, 5)
	ok, wait := b.TryConsume(context.Background(), 0, PriorityLow)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestBudget_RedisDownDenies(t *testing.T) {
	client, mr := newTestRedis(t)
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: 100, ReservedBudget: 50})
	require.NoError(t, err)

	mr.Close()
	ok, wait := b.TryConsume(context.Background(), 1, PriorityHigh)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
}

func TestBudget_NeverExceedsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted units stay within every pool", prop.ForAll(
		func(costs []int, highs []bool) bool {
			b := newTestBudget(t, 200, 120)
			ctx := context.Background()
			admittedHigh, admittedLow := 0, 0
			for i, cu := range costs {
				p := PriorityLow
				if i < len(highs) && highs[i] {
					p = PriorityHigh
				}
				if ok, _ := b.TryConsume(ctx, cu, p); ok {
					if p == PriorityHigh {
						admittedHigh += cu
					} else {
						admittedLow += cu
					}
				}
			}
			u, err := b.Usage(ctx)
			if err != nil {
				return false
			}
			return admittedHigh <= 120 && admittedLow <= 80 &&
				u.TotalUsed == admittedHigh+admittedLow &&
				u.TotalUsed <= 200
		},
		gen.SliceOf(gen.IntRange(1, 60)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestGate_AdmitsAndRecordsMethod(t *testing.T) {
	client, mr := newTestRedis(t)
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: 1000, ReservedBudget: 600, WindowSize: time.Hour})
	require.NoError(t, err)

	g, err := NewGate(&GateConfig{Budget: b, Priority: PriorityHigh})
	require.NoError(t, err)
	require.NoError(t, g.Wait(context.Background(), MethodSendRawTransaction))

	u, err := b.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250, u.ReservedUsed)

	var recorded bool
	for _, k := range mr.Keys() {
		if len(k) > len(KeyPrefixMethod) && k[:len(KeyPrefixMethod)] == KeyPrefixMethod {
			recorded = true
		}
	}
	assert.True(t, recorded)
}

func TestGate_GivesUpAfterMaxWait(t *testing.T) {
	b := newTestBudget(t, 100, 90)
	g, err := NewGate(&GateConfig{Budget: b, Priority: PriorityLow, MaxWait: 50 * time.Millisecond})
	require.NoError(t, err)

	// eth_sendRawTransaction costs more than the whole shared pool
	err = g.Wait(context.Background(), MethodSendRawTransaction)
	assert.True(t, errors.Is(err, ErrMaxWaitExceeded))
}

func TestGate_WaitsForNextWindow(t *testing.T) {
	client, _ := newTestRedis(t)
	b, err := NewBudget(&BudgetConfig{Redis: client, TotalBudget: 30, ReservedBudget: 10, WindowSize: 100 * time.Millisecond})
	require.NoError(t, err)

	costs := NewCostRegistry(0, map[string]int{"net_version": 20})
	g, err := NewGate(&GateConfig{Budget: b, Costs: costs, Priority: PriorityLow, MaxWait: 2 * time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Wait(ctx, "net_version"))
	start := time.Now()
	require.NoError(t, g.Wait(ctx, "net_version"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_ContextCancelled(t *testing.T) {
	b := newTestBudget(t, 100, 90)
	g, err := NewGate(&GateConfig{Budget: b, Priority: PriorityLow})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx, MethodCall), context.Canceled)
}

func TestCostRegistry(t *testing.T) {
	r := NewCostRegistry(0, map[string]int{MethodCall: 5, "bad": -1})
	assert.Equal(t, 5, r.Cost(MethodCall))
	assert.Equal(t, DefaultCost, r.Cost("bad"))
	assert.Equal(t, DefaultCost, r.Cost("eth_unknown"))
	assert.Equal(t, 85, r.Cost(MethodFindLogs))

	r.SetCost("eth_unknown", 3)
	r.SetCost(MethodCall, -4)
	assert.Equal(t, 3, r.Cost("eth_unknown"))
	assert.Equal(t, 5, r.Cost(MethodCall))
}
