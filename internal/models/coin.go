package models

import (
	"time"

	"gorm.io/datatypes"
)

// CoinIndex is one entry of the CoinGecko token registry
type CoinIndex struct {
	CgID   string `gorm:"primaryKey;column:cg_id;size:128" json:"cg_id"`
	Symbol string `gorm:"index;size:64" json:"symbol"`
	Name   string `gorm:"size:256" json:"name"`
	Timestamps
}

func (CoinIndex) TableName() string {
	return "coin_indices"
}

// CoinPlatform maps a token to its contract address on one chain
type CoinPlatform struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	CgID            string    `gorm:"column:cg_id;uniqueIndex:idx_coin_platform,priority:1;size:128;not null" json:"cg_id"`
	PlatformID      string    `gorm:"uniqueIndex:idx_coin_platform,priority:2;index:idx_platform_address,priority:1;size:128;not null" json:"platform_id"`
	ContractAddress string    `gorm:"uniqueIndex:idx_coin_platform,priority:3;index:idx_platform_address,priority:2;size:128;not null" json:"contract_address"`
	CreatedAt       time.Time `json:"-"`
}

func (CoinPlatform) TableName() string {
	return "coin_platforms"
}

// CoinDetails is fetched lazily and refreshed once FetchedAt is older than
// the staleness threshold.
type CoinDetails struct {
	CgID            string         `gorm:"primaryKey;column:cg_id;size:128" json:"cg_id"`
	Symbol          string         `gorm:"size:64" json:"symbol"`
	Name            string         `gorm:"size:256" json:"name"`
	CurrentPriceUSD *float64       `gorm:"column:current_price_usd" json:"current_price_usd"`
	MarketCapUSD    *float64       `gorm:"column:market_cap_usd" json:"market_cap_usd"`
	MarketCapRank   *int           `json:"market_cap_rank"`
	MarketData      datatypes.JSON `gorm:"type:jsonb" json:"market_data"`
	FetchedAt       time.Time      `gorm:"index;not null" json:"fetched_at"`
	Timestamps
}

func (CoinDetails) TableName() string {
	return "coin_details"
}

// IsStale reports whether the row is older than maxAge at now
func (d *CoinDetails) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(d.FetchedAt) > maxAge
}
