package upstream

import (
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is an Ethereum-style address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases an address. Every address the indexer stores
// or compares goes through this first; the upstream mixes cases freely.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
