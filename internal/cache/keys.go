package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TTLs, shorter for fast-moving metrics
const (
	TTLRankedPools   = time.Hour
	TTLTopProtocols  = 2 * time.Hour
	TTLStablecoins   = 12 * time.Hour
	TTLPoolChart     = 24 * time.Hour
	TTLCoinDetails   = 6 * time.Hour
	TTLTrending      = time.Hour
	TTLCoinPlatforms = 12 * time.Hour
	TTLPoolTokens    = 6 * time.Hour
)

const (
	KeyTopProtocols = "defillama:protocols:top"
	KeyTopAPYPools  = "defillama:pools:top_apy"
	KeyStablecoins  = "defillama:stablecoins:list"
	KeyTrending     = "coingecko:trending"

	// KeyPoolsGeneration changes after every pool pass that wrote rows.
	// Filtered pool queries are keyed under it.
	KeyPoolsGeneration = "defillama:pools:generation"
)

func PoolChartKey(poolID string) string {
	return "defillama:chart:" + poolID
}

func PoolTokensKey(poolID string) string {
	return "defillama:pools:tokens:" + poolID
}

func CoinDetailsKey(cgID string) string {
	return "coingecko:coin:" + cgID
}

func CoinPlatformsKey(cgID string) string {
	return "coingecko:platforms:" + cgID
}

// PoolQueryKey derives a stable key from a query shape within one pool
// generation. Struct fields marshal in declaration order, so equal filters
// give equal keys.
func PoolQueryKey(generation int64, shape interface{}) string {
	data, err := json.Marshal(shape)
	if err != nil {
		return "defillama:pools:q:invalid"
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("defillama:pools:q:%d:%s", generation, hex.EncodeToString(sum[:8]))
}
