package coingecko

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CoinListEntry is one entry of GET /coins/list
type CoinListEntry struct {
	ID        string            `json:"id"`
	Symbol    string            `json:"symbol"`
	Name      string            `json:"name"`
	Platforms map[string]string `json:"platforms,omitempty"`
}

func (c *CoinListEntry) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("coin without id")
	}
	return nil
}

// CoinDetail is the response of GET /coins/{id}
type CoinDetail struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	MarketCapRank *int            `json:"market_cap_rank"`
	MarketData    json.RawMessage `json:"market_data"`
}

func (c *CoinDetail) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("coin detail without id")
	}
	return nil
}

// MarketData is the subset of market_data the store keeps as columns
type MarketData struct {
	CurrentPrice map[string]float64 `json:"current_price"`
	MarketCap    map[string]float64 `json:"market_cap"`
}

// ParseMarketData decodes the nested market_data object; a missing object
// yields an empty MarketData.
func (c *CoinDetail) ParseMarketData() (MarketData, error) {
	var md MarketData
	if len(c.MarketData) == 0 || string(c.MarketData) == "null" {
		return md, nil
	}
	if err := json.Unmarshal(c.MarketData, &md); err != nil {
		return md, fmt.Errorf("coin %s: invalid market_data: %w", c.ID, err)
	}
	return md, nil
}

// TrendingCoin is the item of one GET /search/trending entry
type TrendingCoin struct {
	ID            string  `json:"id"`
	CoinID        int     `json:"coin_id"`
	Name          string  `json:"name"`
	Symbol        string  `json:"symbol"`
	MarketCapRank *int    `json:"market_cap_rank"`
	Thumb         string  `json:"thumb"`
	PriceBTC      float64 `json:"price_btc"`
	Score         int     `json:"score"`
}

// TrendingResponse is the envelope of GET /search/trending
type TrendingResponse struct {
	Coins []struct {
		Item TrendingCoin `json:"item"`
	} `json:"coins"`
}
