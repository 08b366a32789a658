package models

import "time"

// Protocol is a DeFi protocol as listed by DefiLlama
type Protocol struct {
	// Identification (immutable after create)
	ID   string `gorm:"primaryKey;size:64" json:"id"`
	Slug string `gorm:"uniqueIndex;size:128;not null" json:"slug"`

	// Display
	Name     string      `gorm:"size:200;not null" json:"name"`
	Category string      `gorm:"index;size:100" json:"category"`
	Chain    string      `gorm:"size:100" json:"chain"` // primary chain, lower-cased
	Chains   StringArray `gorm:"type:jsonb" json:"chains"`
	Logo     string      `gorm:"size:500" json:"logo"`
	Audits   string      `gorm:"size:20" json:"audits"`
	URL      string      `gorm:"size:500" json:"url"`
	GeckoID  string      `gorm:"size:128" json:"gecko_id"`

	// Dynamic metrics (refreshed on every sync)
	TVL       float64  `gorm:"index" json:"tvl"`
	Change1h  *float64 `gorm:"column:change_1h" json:"change_1h"`
	Change1d  *float64 `gorm:"column:change_1d" json:"change_1d"`
	Change7d  *float64 `gorm:"column:change_7d" json:"change_7d"`
	MarketCap *float64 `json:"mcap"`

	LastSyncedAt time.Time `gorm:"index" json:"last_synced_at"`
	Timestamps
}

func (Protocol) TableName() string {
	return "protocols"
}

// ProtocolVolatileColumns are the only columns an update pass touches.
var ProtocolVolatileColumns = []string{
	"tvl", "change_1h", "change_1d", "change_7d", "market_cap", "last_synced_at", "updated_at",
}
