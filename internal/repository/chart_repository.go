package repository

import (
	"context"
	"time"

	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PoolChartRepository persists pool time series points
type PoolChartRepository interface {
	// DeleteBefore removes one pool's points older than cutoff
	DeleteBefore(ctx context.Context, poolID string, cutoff time.Time) (int64, error)
	// DeleteAllBefore removes every pool's points older than cutoff
	DeleteAllBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// InsertIgnore inserts points, skipping (pool, timestamp) pairs already stored
	InsertIgnore(ctx context.Context, points []*models.PoolChart) (int64, error)
	GetSince(ctx context.Context, poolID string, since time.Time) ([]*models.PoolChart, error)
	CountByPool(ctx context.Context, poolID string) (int64, error)
}

type PoolChartRepositoryImpl struct {
	db *gorm.DB
}

func NewPoolChartRepository(db *gorm.DB) PoolChartRepository {
	return &PoolChartRepositoryImpl{db: db}
}

func (r *PoolChartRepositoryImpl) DeleteBefore(ctx context.Context, poolID string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("pool_id = ? AND timestamp < ?", poolID, cutoff.UTC()).
		Delete(&models.PoolChart{})
	return result.RowsAffected, result.Error
}

func (r *PoolChartRepositoryImpl) DeleteAllBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff.UTC()).
		Delete(&models.PoolChart{})
	return result.RowsAffected, result.Error
}

func (r *PoolChartRepositoryImpl) InsertIgnore(ctx context.Context, points []*models.PoolChart) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range reconcile.Chunk(points, reconcile.BulkChunkSize) {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(chunk)
			if result.Error != nil {
				return result.Error
			}
			inserted += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *PoolChartRepositoryImpl) GetSince(ctx context.Context, poolID string, since time.Time) ([]*models.PoolChart, error) {
	var points []*models.PoolChart
	err := r.db.WithContext(ctx).
		Where("pool_id = ? AND timestamp >= ?", poolID, since.UTC()).
		Order("timestamp ASC").
		Find(&points).Error
	return points, err
}

func (r *PoolChartRepositoryImpl) CountByPool(ctx context.Context, poolID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PoolChart{}).Where("pool_id = ?", poolID).Count(&count).Error
	return count, err
}
