// Package app wires configuration into the components shared by the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/reward-settler/internal/config"
	"github.com/reward-settler/internal/contract"
	"github.com/reward-settler/internal/identity"
	"github.com/reward-settler/internal/logging"
	"github.com/reward-settler/internal/models"
	"github.com/reward-settler/internal/ratelimit"
	"github.com/reward-settler/internal/reward"
	"github.com/reward-settler/internal/storage"
)

const (
	simulatedContract = "0x00000000000000000000000000000000007e5700"
	simulatedOwner    = "0x0000000000000000000000000000000000000a11"
	simulatedExecutor = "0x0000000000000000000000000000000000000e11"
)

// Tokens builds the registry of configured reward tokens
func Tokens(cfg *config.Config) *models.TokenRegistry {
	reg := models.NewTokenRegistry()
	for _, t := range cfg.Tokens {
		reg.Add(models.Token{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals})
	}
	return reg
}

// Policy builds the reward policy
func Policy(cfg *config.Config) (reward.Policy, error) {
	return reward.ParsePolicy(cfg.Reward.SelfEngagementCheck, cfg.Reward.RewardFollowsWithoutCast)
}

// Resolver builds the identity resolver. The hub is asked first; Neynar is
// only consulted when an API key is configured. cache and profiles may be nil.
func Resolver(cfg *config.Config, cache *storage.RedisCache, profiles *storage.ProfileRepository) *identity.Resolver {
	clientCfg := identity.ClientConfig{
		Timeout:        cfg.Identity.RequestTimeout,
		RequestsPerSec: cfg.Identity.RequestsPerSec,
	}

	var providers []identity.Provider
	if cfg.Identity.HubURL != "" {
		providers = append(providers, identity.NewHubProvider(cfg.Identity.HubURL, clientCfg))
	}
	if cfg.Identity.NeynarAPIKey != "" {
		providers = append(providers, identity.NewNeynarProvider(cfg.Identity.NeynarURL, cfg.Identity.NeynarAPIKey, clientCfg))
	}
	if len(providers) == 0 {
		logging.Warn("No identity providers configured, every fid will be unresolved")
	}

	// Typed nils must not reach the interfaces
	var c identity.Cache
	if cache != nil {
		c = cache
	}
	var s identity.ProfileStore
	if profiles != nil {
		s = profiles
	}

	return identity.NewResolver(identity.NewChain(providers...), c, s, identity.ResolverConfig{
		NegativeTTL:   cfg.Identity.NegativeTTL,
		LookupTimeout: 3 * cfg.Identity.RequestTimeout,
	})
}

// RPCGate builds the shared RPC budget gate for one priority. It returns nil
// when no budget is configured or there is no Redis to share it through.
func RPCGate(cfg config.ChainConfig, cache *storage.RedisCache, priority ratelimit.Priority) (contract.Gate, error) {
	if cfg.RPCBudget <= 0 || cache == nil || cfg.Mode == "simulated" {
		return nil, nil
	}
	budget, err := ratelimit.NewBudget(&ratelimit.BudgetConfig{
		Redis:          cache.Client(),
		TotalBudget:    cfg.RPCBudget,
		ReservedBudget: cfg.RPCReservedBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc budget: %w", err)
	}
	gate, err := ratelimit.NewGate(&ratelimit.GateConfig{Budget: budget, Priority: priority, MaxWait: cfg.RPCMaxWait})
	if err != nil {
		return nil, err
	}
	logging.WithFields(map[string]interface{}{
		"budget":   budget.TotalBudget(),
		"reserved": budget.ReservedBudget(),
		"priority": priority.String(),
	}).Info("Shared RPC budget enabled")
	return gate, nil
}

// Chain is the settlement contract as seen by this process
type Chain struct {
	Executor contract.Executor
	Admin    contract.Admin
	Contract string
	// Simulator is set in simulated mode
	Simulator *contract.Simulator
	close     func()
}

// Close releases RPC connections
func (c *Chain) Close() {
	if c.close != nil {
		c.close()
	}
}

// NewChain connects to the contract, or builds an in-memory one when
// CHAIN_MODE=simulated. The simulated executor is authorized and every
// creator is treated as funded.
func NewChain(ctx context.Context, cfg config.ChainConfig, gate contract.Gate) (*Chain, error) {
	if cfg.Mode == "simulated" {
		executor := simulatedExecutor
		if cfg.ExecutorPrivateKey != "" {
			key, err := contract.ParsePrivateKey(cfg.ExecutorPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("executor key: %w", err)
			}
			executor = crypto.PubkeyToAddress(key.PublicKey).Hex()
		}
		addr := simulatedContract
		if models.IsValidAddress(models.NormalizeAddress(cfg.ContractAddress)) {
			addr = cfg.ContractAddress
		}

		sim := contract.NewSimulator(addr, simulatedOwner, executor)
		if _, err := sim.AddExecutor(ctx, executor); err != nil {
			return nil, fmt.Errorf("failed to authorize simulated executor: %w", err)
		}
		sim.FundAll(true)
		logging.WithField("executor", sim.Address()).Warn("Using simulated settlement contract")
		return &Chain{Executor: sim, Admin: sim, Contract: models.NormalizeAddress(addr), Simulator: sim}, nil
	}

	if cfg.ExecutorPrivateKey == "" {
		return nil, fmt.Errorf("EXECUTOR_PRIVATE_KEY is required when CHAIN_MODE=rpc")
	}
	pool, err := contract.NewRPCPool(&contract.RPCPoolConfig{Endpoints: cfg.RPCURLs, Gate: gate})
	if err != nil {
		return nil, err
	}
	client, err := contract.NewClient(pool, contract.ClientConfig{
		ChainID:           cfg.ChainID,
		ContractAddress:   cfg.ContractAddress,
		ExecutorKey:       cfg.ExecutorPrivateKey,
		OwnerKey:          cfg.OwnerPrivateKey,
		LogLookbackBlocks: cfg.LogLookbackBlocks,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Chain{Executor: client, Admin: client, Contract: client.Contract(), close: pool.Close}, nil
}
