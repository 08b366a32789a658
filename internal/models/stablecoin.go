package models

import "time"

// Stablecoin is upserted wholesale on every pass.
type Stablecoin struct {
	ID           string      `gorm:"primaryKey;size:32" json:"id"`
	Name         string      `gorm:"size:200;not null" json:"name"`
	Symbol       string      `gorm:"index;size:50" json:"symbol"`
	GeckoID      string      `gorm:"size:128" json:"gecko_id"`
	PegType      string      `gorm:"size:50" json:"peg_type"`
	PegMechanism string      `gorm:"size:50" json:"peg_mechanism"`
	Circulating  float64     `gorm:"index" json:"circulating"`
	Price        *float64    `json:"price"`
	Chains       StringArray `gorm:"type:jsonb" json:"chains"`

	LastSyncedAt time.Time `json:"last_synced_at"`
	Timestamps
}

func (Stablecoin) TableName() string {
	return "stablecoins"
}
