package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/metrics"
)

// DefaultMaxWait bounds how long Wait blocks for budget
const DefaultMaxWait = 30 * time.Second

// ErrMaxWaitExceeded is returned when budget did not free up within MaxWait
var ErrMaxWaitExceeded = errors.New("maximum wait time exceeded waiting for rpc budget")

// Gate admits RPC calls of one priority against a shared Budget
type Gate struct {
	budget   *Budget
	costs    *CostRegistry
	priority Priority
	maxWait  time.Duration
}

// GateConfig configures a Gate
type GateConfig struct {
	Budget   *Budget
	Costs    *CostRegistry // defaults to the built-in costs
	Priority Priority
	MaxWait  time.Duration
}

// NewGate creates a gate
func NewGate(cfg *GateConfig) (*Gate, error) {
	if cfg == nil || cfg.Budget == nil {
		return nil, errors.New("budget is required")
	}
	costs := cfg.Costs
	if costs == nil {
		costs = NewCostRegistry(0, nil)
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = DefaultMaxWait
	}
	return &Gate{budget: cfg.Budget, costs: costs, priority: cfg.Priority, maxWait: maxWait}, nil
}

// Wait blocks until method's cost fits the budget, ctx ends or MaxWait passes
func (g *Gate) Wait(ctx context.Context, method string) error {
	cu := g.costs.Cost(method)
	started := time.Now()
	deadline := started.Add(g.maxWait)
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"method":   method,
		"priority": g.priority.String(),
		"cu":       cu,
	})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := g.budget.TryConsume(ctx, cu, g.priority)
		if allowed {
			if err := g.budget.RecordMethodUsage(ctx, method, cu); err != nil {
				logger.WithError(err).Debug("Failed to record rpc method usage")
			}
			metrics.RPCBudgetConsumed.WithLabelValues(g.priority.String()).Add(float64(cu))
			if waited := time.Since(started); waited > time.Millisecond {
				metrics.RPCBudgetWait.WithLabelValues(g.priority.String()).Observe(waited.Seconds())
			}
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			metrics.RPCBudgetExhausted.WithLabelValues(g.priority.String()).Inc()
			logger.WithField("waited", time.Since(started).String()).Warn("RPC budget wait exceeded")
			return fmt.Errorf("%s: %w", method, ErrMaxWaitExceeded)
		}

		logger.WithField("wait", wait.String()).Debug("Waiting for rpc budget")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Priority returns the pool this gate draws from
func (g *Gate) Priority() Priority { return g.priority }
