// Package identity resolves Farcaster fids to verified Ethereum addresses.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reward-settler/internal/models"
)

// ErrNotFound is returned when a fid has no verified address, or when no
// provider could answer. IsDefinitive tells the two apart.
var ErrNotFound = errors.New("identity not found")

// Provider looks up one fid at a single upstream. Lookup returns ErrNotFound
// when the upstream answered and the fid has no verified Ethereum address.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, fid int64) (*models.UserProfile, error)
}

// LookupError reports a failed resolution. It matches ErrNotFound with errors.Is.
// Definitive is true only when every provider answered "not found".
type LookupError struct {
	FID        int64
	Definitive bool
	Causes     []error
}

func (e *LookupError) Error() string {
	if e.Definitive {
		return fmt.Sprintf("fid %d has no verified address", e.FID)
	}
	msgs := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		msgs = append(msgs, c.Error())
	}
	return fmt.Sprintf("fid %d could not be resolved: %s", e.FID, strings.Join(msgs, "; "))
}

// Is makes every LookupError match ErrNotFound
func (e *LookupError) Is(target error) bool {
	return target == ErrNotFound
}

// Unwrap exposes the provider failures
func (e *LookupError) Unwrap() []error {
	return e.Causes
}

// IsDefinitive reports whether err is a confirmed absence rather than an outage
func IsDefinitive(err error) bool {
	var le *LookupError
	if errors.As(err, &le) {
		return le.Definitive
	}
	return false
}

// ethAddresses filters, normalizes and de-duplicates candidate addresses
func ethAddresses(candidates ...string) []string {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		a := models.NormalizeAddress(c)
		if !models.IsValidAddress(a) {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
