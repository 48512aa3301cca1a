package models

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Token describes a reward token
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// TokenRegistry maps token addresses to display metadata
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewTokenRegistry creates a registry holding the given tokens
func NewTokenRegistry(tokens ...Token) *TokenRegistry {
	r := &TokenRegistry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		r.Add(t)
	}
	return r
}

// Add registers or replaces a token
func (r *TokenRegistry) Add(t Token) {
	t.Address = NormalizeAddress(t.Address)
	r.mu.Lock()
	r.tokens[t.Address] = t
	r.mu.Unlock()
}

// Lookup returns the token for address
func (r *TokenRegistry) Lookup(address string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[NormalizeAddress(address)]
	return t, ok
}

// Format renders a minor-unit amount in whole tokens, e.g. "0.0001 USDC".
// Unknown tokens are shown in minor units with a shortened address.
func (r *TokenRegistry) Format(address, amount string) string {
	raw, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}

	t, known := r.Lookup(address)
	if !known {
		a := NormalizeAddress(address)
		if len(a) > 10 {
			a = a[:6] + "…" + a[len(a)-4:]
		}
		return raw.String() + " " + a
	}

	return decimal.NewFromBigInt(raw, -t.Decimals).String() + " " + t.Symbol
}

// ToMinor converts a decimal amount in whole tokens ("0.25") to the token's
// minor units ("250000"). Amounts with more precision than the token has are rejected.
func (r *TokenRegistry) ToMinor(address, amount string) (string, error) {
	t, ok := r.Lookup(address)
	if !ok {
		return "", fmt.Errorf("unknown token %s", NormalizeAddress(address))
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("amount %q is negative", amount)
	}
	minor := d.Shift(t.Decimals)
	if !minor.Equal(minor.Truncate(0)) {
		return "", fmt.Errorf("amount %q has more than %d decimals", amount, t.Decimals)
	}
	return minor.BigInt().String(), nil
}
