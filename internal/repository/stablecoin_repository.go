package repository

import (
	"context"

	"github.com/echoyidotfun/demind-agent-service/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StablecoinRepository persists stablecoins. Both create and update paths
// upsert the whole row.
type StablecoinRepository interface {
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	CreateBatch(ctx context.Context, coins []*models.Stablecoin) error
	UpdateBatch(ctx context.Context, coins []*models.Stablecoin) error

	GetTopByCirculating(ctx context.Context, limit int) ([]*models.Stablecoin, error)
	Count(ctx context.Context) (int64, error)
}

type StablecoinRepositoryImpl struct {
	db *gorm.DB
}

func NewStablecoinRepository(db *gorm.DB) StablecoinRepository {
	return &StablecoinRepositoryImpl{db: db}
}

func (r *StablecoinRepositoryImpl) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return pluckKeys(ctx, r.db, &models.Stablecoin{}, "id")
}

func (r *StablecoinRepositoryImpl) CreateBatch(ctx context.Context, coins []*models.Stablecoin) error {
	return r.upsert(ctx, coins)
}

func (r *StablecoinRepositoryImpl) UpdateBatch(ctx context.Context, coins []*models.Stablecoin) error {
	return r.upsert(ctx, coins)
}

func (r *StablecoinRepositoryImpl) upsert(ctx context.Context, coins []*models.Stablecoin) error {
	if len(coins) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(stablecoinUpsertColumns),
		}).Create(coins).Error
	})
}

var stablecoinUpsertColumns = []string{
	"name", "symbol", "gecko_id", "peg_type", "peg_mechanism",
	"circulating", "price", "chains", "last_synced_at", "updated_at",
}

func (r *StablecoinRepositoryImpl) GetTopByCirculating(ctx context.Context, limit int) ([]*models.Stablecoin, error) {
	var coins []*models.Stablecoin
	err := r.db.WithContext(ctx).
		Order("circulating DESC").
		Limit(limit).
		Find(&coins).Error
	return coins, err
}

func (r *StablecoinRepositoryImpl) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Stablecoin{}).Count(&count).Error
	return count, err
}
