package filter

import "strings"

// ChainListVersion identifies the revision of SupportedChains. Bump it when
// membership changes so stored rows can be traced to the list that admitted them.
const ChainListVersion = "2024.1"

// MultiChain is the sentinel chain value that always passes the chain filter
const MultiChain = "multi-chain"

// SupportedChains is the canonical allow-list of EVM chains, lower-cased
var SupportedChains = []string{
	"ethereum",
	"arbitrum",
	"optimism",
	"base",
	"polygon",
	"polygon zkevm",
	"bsc",
	"avalanche",
	"fantom",
	"gnosis",
	"linea",
	"scroll",
	"zksync era",
	"mantle",
	"blast",
	"celo",
	"moonbeam",
	"cronos",
}

// coingeckoPlatforms maps chain names onto CoinGecko asset platform ids
// where the two differ
var coingeckoPlatforms = map[string]string{
	"arbitrum":      "arbitrum-one",
	"optimism":      "optimistic-ethereum",
	"polygon":       "polygon-pos",
	"polygon zkevm": "polygon-zkevm",
	"bsc":           "binance-smart-chain",
	"avalanche":     "avalanche",
	"gnosis":        "xdai",
	"zksync era":    "zksync",
	"cronos":        "cronos",
}

// NormalizeChain lower-cases and trims a chain name
func NormalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// PlatformForChain returns the CoinGecko platform id of a chain
func PlatformForChain(chain string) string {
	chain = NormalizeChain(chain)
	if platform, ok := coingeckoPlatforms[chain]; ok {
		return platform
	}
	return chain
}
