package models

import (
	"fmt"
	"strings"
	"time"
)

// Pool is a yield/liquidity pool; Project references Protocol.Slug
type Pool struct {
	ID      string `gorm:"primaryKey;size:64" json:"id"`
	Project string `gorm:"index;size:128;not null" json:"project"`
	Chain   string `gorm:"index;size:100;not null" json:"chain"` // lower-cased
	Symbol  string `gorm:"size:200" json:"symbol"`

	// Metrics
	TVLUSD      float64  `gorm:"column:tvl_usd;index" json:"tvl_usd"`
	APY         float64  `gorm:"column:apy;index" json:"apy"`
	APYBase     *float64 `gorm:"column:apy_base" json:"apy_base"`
	APYReward   *float64 `gorm:"column:apy_reward" json:"apy_reward"`
	APYMean30d  *float64 `gorm:"column:apy_mean_30d" json:"apy_mean_30d"`
	VolumeUSD1d *float64 `gorm:"column:volume_usd_1d" json:"volume_usd_1d"`
	VolumeUSD7d *float64 `gorm:"column:volume_usd_7d" json:"volume_usd_7d"`
	IL7d        *float64 `gorm:"column:il_7d" json:"il_7d"`

	// Risk / exposure classifiers
	Stablecoin     bool    `gorm:"index" json:"stablecoin"`
	ILRisk         string  `gorm:"column:il_risk;size:10" json:"il_risk"`
	Exposure       string  `gorm:"size:20" json:"exposure"`
	PredictedClass string  `gorm:"size:50" json:"predicted_class"`
	PoolMeta       string  `gorm:"size:200" json:"pool_meta"`
	Predictions    JSONMap `gorm:"type:jsonb" json:"predictions"`

	Tokens []PoolToken `gorm:"foreignKey:PoolID;constraint:OnDelete:CASCADE" json:"tokens,omitempty"`

	LastSyncedAt time.Time `gorm:"index" json:"last_synced_at"`
	Timestamps
}

func (Pool) TableName() string {
	return "pools"
}

// PoolVolatileColumns are the only columns an update pass touches.
var PoolVolatileColumns = []string{
	"tvl_usd", "apy", "apy_base", "apy_reward", "apy_mean_30d",
	"volume_usd_1d", "volume_usd_7d", "il_7d", "last_synced_at", "updated_at",
}

// PoolToken is one underlying asset of a pool. Rows are written with the pool
// and never refreshed afterwards.
type PoolToken struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	PoolID       string `gorm:"uniqueIndex:idx_pool_token,priority:1;size:64;not null" json:"pool_id"`
	TokenAddress string `gorm:"uniqueIndex:idx_pool_token,priority:2;index;size:128;not null" json:"token_address"`
	Chain        string `gorm:"size:100" json:"chain"`
	Position     int    `json:"position"`
	CreatedAt    time.Time
}

func (PoolToken) TableName() string {
	return "pool_tokens"
}

// Validate checks the fields a token row can't be written without
func (t *PoolToken) Validate() error {
	if t.PoolID == "" {
		return fmt.Errorf("pool token: missing pool id")
	}
	if strings.TrimSpace(t.TokenAddress) == "" {
		return fmt.Errorf("pool token %s: missing token address", t.PoolID)
	}
	if len(t.TokenAddress) > 128 {
		return fmt.Errorf("pool token %s: address too long", t.PoolID)
	}
	return nil
}

// PoolChart is one point of a pool's time series
type PoolChart struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	PoolID    string    `gorm:"uniqueIndex:idx_pool_chart_ts,priority:1;size:64;not null" json:"pool_id"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_pool_chart_ts,priority:2;index;not null" json:"timestamp"`
	TVLUSD    float64   `gorm:"column:tvl_usd" json:"tvl_usd"`
	APY       *float64  `gorm:"column:apy" json:"apy"`
	APYBase   *float64  `gorm:"column:apy_base" json:"apy_base"`
	APYReward *float64  `gorm:"column:apy_reward" json:"apy_reward"`
	CreatedAt time.Time `json:"-"`
}

func (PoolChart) TableName() string {
	return "pool_charts"
}
