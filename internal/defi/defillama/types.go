package defillama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Protocol is one entry of GET /protocols
type Protocol struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Symbol    string          `json:"symbol"`
	URL       string          `json:"url"`
	Category  string          `json:"category"`
	Chain     string          `json:"chain"`
	Chains    []string        `json:"chains"`
	Logo      string          `json:"logo"`
	Audits    string          `json:"audits"`
	GeckoID   string          `json:"gecko_id"`
	TVL       *float64        `json:"tvl"`
	Change1h  *float64        `json:"change_1h"`
	Change1d  *float64        `json:"change_1d"`
	Change7d  *float64        `json:"change_7d"`
	MarketCap *float64        `json:"mcap"`
	DeadFrom  json.RawMessage `json:"deadFrom,omitempty"`
}

// Validate rejects records that can't be keyed or displayed
func (p *Protocol) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("protocol without id")
	}
	if strings.TrimSpace(p.Slug) == "" {
		return fmt.Errorf("protocol %s: missing slug", p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("protocol %s: missing name", p.ID)
	}
	return nil
}

// IsDead reports whether the record carries a ceased-activity marker
func (p *Protocol) IsDead() bool {
	raw := bytes.TrimSpace(p.DeadFrom)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", `""`, "false", "0":
		return false
	}
	return true
}

// Pool is one entry of GET /pools
type Pool struct {
	Chain            string           `json:"chain"`
	Project          string           `json:"project"`
	Symbol           string           `json:"symbol"`
	PoolID           string           `json:"pool"`
	TVL              float64          `json:"tvlUsd"`
	APY              *float64         `json:"apy"`
	APYBase          *float64         `json:"apyBase"`
	APYReward        *float64         `json:"apyReward"`
	APYMean30d       *float64         `json:"apyMean30d"`
	Volume1d         *float64         `json:"volumeUsd1d"`
	Volume7d         *float64         `json:"volumeUsd7d"`
	IL7d             *float64         `json:"il7d"`
	ILRisk           string           `json:"ilRisk"`
	Exposure         string           `json:"exposure"`
	RewardTokens     []string         `json:"rewardTokens"`
	UnderlyingTokens []string         `json:"underlyingTokens"`
	PoolMeta         string           `json:"poolMeta"`
	Stablecoin       bool             `json:"stablecoin"`
	Predictions      *PoolPredictions `json:"predictions"`
}

// PoolPredictions is DefiLlama's APY direction classifier output
type PoolPredictions struct {
	PredictedClass       string   `json:"predictedClass"`
	PredictedProbability *float64 `json:"predictedProbability"`
	BinnedConfidence     *int     `json:"binnedConfidence"`
}

// Validate rejects pools that can't be keyed or linked to a protocol
func (p *Pool) Validate() error {
	if strings.TrimSpace(p.PoolID) == "" {
		return fmt.Errorf("pool without id")
	}
	if strings.TrimSpace(p.Project) == "" {
		return fmt.Errorf("pool %s: missing project", p.PoolID)
	}
	if strings.TrimSpace(p.Chain) == "" {
		return fmt.Errorf("pool %s: missing chain", p.PoolID)
	}
	return nil
}

// PoolsResponse is the envelope of GET /pools
type PoolsResponse struct {
	Status string `json:"status"`
	Data   []Pool `json:"data"`
}

// ChartPoint is one entry of GET /chart/{pool}
type ChartPoint struct {
	Timestamp time.Time `json:"timestamp"`
	TVLUSD    float64   `json:"tvlUsd"`
	APY       *float64  `json:"apy"`
	APYBase   *float64  `json:"apyBase"`
	APYReward *float64  `json:"apyReward"`
}

func (c *ChartPoint) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("chart point without timestamp")
	}
	return nil
}

// ChartResponse is the envelope of GET /chart/{pool}
type ChartResponse struct {
	Status string       `json:"status"`
	Data   []ChartPoint `json:"data"`
}

// Stablecoin is one entry of GET /stablecoins
type Stablecoin struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Symbol       string             `json:"symbol"`
	GeckoID      string             `json:"gecko_id"`
	PegType      string             `json:"pegType"`
	PegMechanism string             `json:"pegMechanism"`
	Circulating  map[string]float64 `json:"circulating"`
	Price        *float64           `json:"price"`
	Chains       []string           `json:"chains"`
}

func (s *Stablecoin) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("stablecoin without id")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stablecoin %s: missing name", s.ID)
	}
	return nil
}

// CirculatingAmount returns the circulating supply in the coin's own peg unit
func (s *Stablecoin) CirculatingAmount() float64 {
	if s.Circulating == nil {
		return 0
	}
	return s.Circulating[s.PegType]
}

// StablecoinsResponse is the envelope of GET /stablecoins
type StablecoinsResponse struct {
	PeggedAssets []Stablecoin `json:"peggedAssets"`
}
