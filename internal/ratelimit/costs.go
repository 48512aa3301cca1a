package ratelimit

import "sync"

// DefaultCost applies to methods without a registered cost
const DefaultCost = 20

// RPC methods issued by the settlement contract client. Composite operations
// are priced as the sum of the calls they make.
const (
	MethodCall               = "eth_call"
	MethodSign               = "sign_transaction" // estimateGas + nonce + tip + gas price
	MethodSendRawTransaction = "eth_sendRawTransaction"
	MethodTransactionReceipt = "eth_getTransactionReceipt"
	MethodTransactionByHash  = "eth_getTransactionByHash"
	MethodTransactionCount   = "eth_getTransactionCount"
	MethodFindLogs           = "find_logs" // blockNumber + getLogs
)

var defaultCosts = map[string]int{
	MethodCall:               26,
	MethodSign:               87 + 26 + 10 + 10,
	MethodSendRawTransaction: 250,
	MethodTransactionReceipt: 15,
	MethodTransactionByHash:  15,
	MethodTransactionCount:   26,
	MethodFindLogs:           10 + 75,
}

// CostRegistry maps RPC methods to compute unit costs. Safe for concurrent use.
type CostRegistry struct {
	mu          sync.RWMutex
	costs       map[string]int
	defaultCost int
}

// NewCostRegistry creates a registry with the built-in costs plus overrides
func NewCostRegistry(defaultCost int, overrides map[string]int) *CostRegistry {
	if defaultCost <= 0 {
		defaultCost = DefaultCost
	}
	costs := make(map[string]int, len(defaultCosts)+len(overrides))
	for m, c := range defaultCosts {
		costs[m] = c
	}
	for m, c := range overrides {
		if c >= 0 {
			costs[m] = c
		}
	}
	return &CostRegistry{costs: costs, defaultCost: defaultCost}
}

// Cost returns the cost of method
func (r *CostRegistry) Cost(method string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.costs[method]; ok {
		return c
	}
	return r.defaultCost
}

// SetCost changes the cost of method. Negative costs are ignored.
func (r *CostRegistry) SetCost(method string, cost int) {
	if cost < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costs[method] = cost
}
