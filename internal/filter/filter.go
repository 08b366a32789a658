package filter

import (
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
)

// ChainFilter matches chains against an allow-list, case-insensitively
type ChainFilter struct {
	allowed map[string]struct{}
}

// NewChainFilter builds a filter over chains. An empty list means
// SupportedChains.
func NewChainFilter(chains []string) *ChainFilter {
	if len(chains) == 0 {
		chains = SupportedChains
	}

	allowed := make(map[string]struct{}, len(chains))
	for _, c := range chains {
		if c = NormalizeChain(c); c != "" {
			allowed[c] = struct{}{}
		}
	}
	return &ChainFilter{allowed: allowed}
}

// IsCompatible reports whether the primary chain or any listed chain is allowed
func (f *ChainFilter) IsCompatible(chain string, chains []string) bool {
	if f.allows(chain) {
		return true
	}
	for _, c := range chains {
		if f.allows(c) {
			return true
		}
	}
	return false
}

func (f *ChainFilter) allows(chain string) bool {
	chain = NormalizeChain(chain)
	if chain == "" {
		return false
	}
	if chain == MultiChain {
		return true
	}
	_, ok := f.allowed[chain]
	return ok
}

// KeySet is the set of known parent keys, loaded once per pass
type KeySet map[string]struct{}

func NewKeySet(keys []string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func (s KeySet) Contains(key string) bool {
	_, ok := s[key]
	return ok
}

// IsActive reports whether a protocol is still live
func IsActive(p *defillama.Protocol) bool {
	return !p.IsDead()
}

// Counts partitions one filter run. Accepted + SkippedInactive +
// SkippedIncompatible always equals the input size.
type Counts struct {
	Accepted            int
	SkippedInactive     int
	SkippedIncompatible int
}

func (c Counts) Total() int {
	return c.Accepted + c.SkippedInactive + c.SkippedIncompatible
}

// ApplyProtocols keeps live protocols on an allowed chain
func ApplyProtocols(protocols []defillama.Protocol, chains *ChainFilter) ([]defillama.Protocol, Counts) {
	var counts Counts
	accepted := make([]defillama.Protocol, 0, len(protocols))

	for i := range protocols {
		p := &protocols[i]
		switch {
		case !IsActive(p):
			counts.SkippedInactive++
		case !chains.IsCompatible(p.Chain, p.Chains):
			counts.SkippedIncompatible++
		default:
			accepted = append(accepted, *p)
			counts.Accepted++
		}
	}
	return accepted, counts
}

// ApplyPools keeps pools on an allowed chain whose project is a known
// protocol slug. Both kinds of rejection count as incompatible.
func ApplyPools(pools []defillama.Pool, chains *ChainFilter, protocols KeySet) ([]defillama.Pool, Counts) {
	var counts Counts
	accepted := make([]defillama.Pool, 0, len(pools))

	for i := range pools {
		p := &pools[i]
		if !chains.IsCompatible(p.Chain, nil) || !protocols.Contains(p.Project) {
			counts.SkippedIncompatible++
			continue
		}
		accepted = append(accepted, *p)
		counts.Accepted++
	}
	return accepted, counts
}
