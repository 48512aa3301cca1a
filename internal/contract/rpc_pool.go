package contract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/reward-settler/internal/logging"
)

// RPCPool manages several RPC endpoints and fails over when the current one
// is rate limited or unreachable. It sticks to an endpoint until it fails.
type RPCPool struct {
	endpoints    []string
	clients      []*ethclient.Client
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	dial         func(url string) (*ethclient.Client, error)
	gate         Gate
}

// Gate admits an RPC call before it is made
type Gate interface {
	Wait(ctx context.Context, method string) error
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	Endpoints []string
	// CooldownTime is how long a failed endpoint is skipped. Default 60s.
	CooldownTime time.Duration
	// Gate, when set, is waited on once per Call
	Gate Gate
}

// NewRPCPool creates a pool and connects to the first endpoint. The others
// are dialed lazily on failover.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]*ethclient.Client, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
		dial:         ethclient.Dial,
		gate:         cfg.Gate,
	}

	client, err := pool.dial(cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	logging.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")
	return pool, nil
}

// GetClient returns the current active client
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex]
}

// GetCurrentIndex returns the current endpoint index
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Do runs fn against the current endpoint. Rate-limit and connection errors
// move the pool to the next endpoint and fn is retried there, at most once
// per endpoint.
func (p *RPCPool) Do(ctx context.Context, fn func(c *ethclient.Client) error) error {
	var err error
	for attempt := 0; attempt < len(p.endpoints); attempt++ {
		err = fn(p.GetClient())
		if err == nil || !shouldFailover(err) || ctx.Err() != nil {
			return err
		}
		if ferr := p.OnEndpointFailed(ctx); ferr != nil {
			return fmt.Errorf("%w (failover: %v)", err, ferr)
		}
	}
	return err
}

// Call waits on the pool's gate for method and then runs Do
func (p *RPCPool) Call(ctx context.Context, method string, fn func(c *ethclient.Client) error) error {
	if p.gate != nil {
		if err := p.gate.Wait(ctx, method); err != nil {
			return err
		}
	}
	return p.Do(ctx, fn)
}

// OnEndpointFailed marks the current endpoint as cooling down and switches to
// the next available one. It errors when every endpoint is cooling down.
func (p *RPCPool) OnEndpointFailed(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := logging.FromContext(ctx)
	p.cooldowns[p.currentIndex] = time.Now()

	startIndex := p.currentIndex
	for i := 0; i < len(p.endpoints); i++ {
		nextIndex := (p.currentIndex + 1 + i) % len(p.endpoints)

		if cooldownAt, exists := p.cooldowns[nextIndex]; exists {
			if time.Since(cooldownAt) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(nextIndex); err != nil {
			logger.WithError(err).WithField("endpoint", nextIndex).Warn("Failed to switch RPC endpoint")
			continue
		}

		logger.WithFields(map[string]interface{}{"from": startIndex, "to": nextIndex}).Warn("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are cooling down", len(p.endpoints))
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(index int) error {
	if p.clients[index] == nil {
		client, err := p.dial(p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}
	p.currentIndex = index
	return nil
}

// TryResetToPrimary switches back to endpoint 0 once its cooldown expired
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentIndex == 0 {
		return true
	}
	if cooldownAt, exists := p.cooldowns[0]; exists {
		if time.Since(cooldownAt) < p.cooldownTime {
			return false
		}
		delete(p.cooldowns, 0)
	}
	return p.switchToEndpoint(0) == nil
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "throttl")
}

func shouldFailover(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "502 bad gateway") ||
		strings.Contains(errStr, "503 service unavailable")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int
	CurrentIndex   int
	EndpointStatus []EndpointStatus
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int
	Connected         bool
	IsCurrent         bool
	InCooldown        bool
	CooldownRemaining time.Duration
}

// Status returns the current status of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.currentIndex,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}

	for i := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: p.clients[i] != nil,
			IsCurrent: i == p.currentIndex,
		}
		if cooldownAt, exists := p.cooldowns[i]; exists {
			if remaining := p.cooldownTime - time.Since(cooldownAt); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		status.EndpointStatus[i] = es
	}

	return status
}
