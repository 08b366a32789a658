package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CoinRepository persists the token registry, per-chain contract addresses
// and lazily fetched coin details
type CoinRepository interface {
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	CreateBatch(ctx context.Context, coins []*models.CoinIndex) error
	UpdateBatch(ctx context.Context, coins []*models.CoinIndex) error

	InsertPlatforms(ctx context.Context, platforms []*models.CoinPlatform) (int64, error)
	GetPlatforms(ctx context.Context, cgID string) ([]*models.CoinPlatform, error)
	FindByContract(ctx context.Context, platformID, address string) (*models.CoinPlatform, error)

	GetDetails(ctx context.Context, cgID string) (*models.CoinDetails, error)
	UpsertDetails(ctx context.Context, details *models.CoinDetails) error
}

type CoinRepositoryImpl struct {
	db *gorm.DB
}

func NewCoinRepository(db *gorm.DB) CoinRepository {
	return &CoinRepositoryImpl{db: db}
}

func (r *CoinRepositoryImpl) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return pluckKeys(ctx, r.db, &models.CoinIndex{}, "cg_id")
}

func (r *CoinRepositoryImpl) CreateBatch(ctx context.Context, coins []*models.CoinIndex) error {
	if len(coins) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(coins).Error
	})
}

// UpdateBatch refreshes name and symbol
func (r *CoinRepositoryImpl) UpdateBatch(ctx context.Context, coins []*models.CoinIndex) error {
	if len(coins) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range coins {
			if err := tx.Model(c).Select("symbol", "name", "updated_at").Updates(c).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertPlatforms writes contract mappings, ignoring ones already stored.
// Addresses are lower-cased.
func (r *CoinRepositoryImpl) InsertPlatforms(ctx context.Context, platforms []*models.CoinPlatform) (int64, error) {
	if len(platforms) == 0 {
		return 0, nil
	}

	for _, p := range platforms {
		p.ContractAddress = strings.ToLower(strings.TrimSpace(p.ContractAddress))
	}

	var inserted int64
	for _, chunk := range reconcile.Chunk(platforms, reconcile.BulkChunkSize) {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(chunk)
		if result.Error != nil {
			return inserted, result.Error
		}
		inserted += result.RowsAffected
	}
	return inserted, nil
}

func (r *CoinRepositoryImpl) GetPlatforms(ctx context.Context, cgID string) ([]*models.CoinPlatform, error) {
	var platforms []*models.CoinPlatform
	err := r.db.WithContext(ctx).
		Where("cg_id = ?", cgID).
		Order("platform_id ASC").
		Find(&platforms).Error
	return platforms, err
}

// FindByContract resolves a contract address on one platform to its coin.
// Returns nil, nil when the address is unknown.
func (r *CoinRepositoryImpl) FindByContract(ctx context.Context, platformID, address string) (*models.CoinPlatform, error) {
	var platform models.CoinPlatform
	err := r.db.WithContext(ctx).
		Where("platform_id = ? AND contract_address = ?", platformID, strings.ToLower(address)).
		First(&platform).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &platform, nil
}

// GetDetails returns nil, nil when the coin was never fetched
func (r *CoinRepositoryImpl) GetDetails(ctx context.Context, cgID string) (*models.CoinDetails, error) {
	var details models.CoinDetails
	err := r.db.WithContext(ctx).Where("cg_id = ?", cgID).First(&details).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &details, nil
}

func (r *CoinRepositoryImpl) UpsertDetails(ctx context.Context, details *models.CoinDetails) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cg_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"symbol", "name", "current_price_usd", "market_cap_usd",
			"market_cap_rank", "market_data", "fetched_at", "updated_at",
		}),
	}).Create(details).Error
}
