package models

import (
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// ZeroAddress is never a valid reward party
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lower-cases and trims an address. Every address stored or
// compared by the pipeline goes through this first.
func NormalizeAddress(address string) string {
	a := strings.ToLower(strings.TrimSpace(address))
	if a != "" && !strings.HasPrefix(a, "0x") {
		a = "0x" + a
	}
	return a
}

// IsValidAddress reports whether address is a 20-byte hex address after normalization
func IsValidAddress(address string) bool {
	a := NormalizeAddress(address)
	return addressPattern.MatchString(a) && a != ZeroAddress
}

// SameAddress compares two addresses case-insensitively
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}
