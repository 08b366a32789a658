package repository

import (
	"context"

	"github.com/echoyidotfun/demind-agent-service/internal/models"

	"gorm.io/gorm"
)

// ProtocolRepository persists DefiLlama protocols
type ProtocolRepository interface {
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	CreateBatch(ctx context.Context, protocols []*models.Protocol) error
	UpdateBatch(ctx context.Context, protocols []*models.Protocol) error

	GetBySlug(ctx context.Context, slug string) (*models.Protocol, error)
	ListSlugs(ctx context.Context) ([]string, error)
	GetTopByTVL(ctx context.Context, limit int) ([]*models.Protocol, error)
	Count(ctx context.Context) (int64, error)
}

type ProtocolRepositoryImpl struct {
	db *gorm.DB
}

func NewProtocolRepository(db *gorm.DB) ProtocolRepository {
	return &ProtocolRepositoryImpl{db: db}
}

func (r *ProtocolRepositoryImpl) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return pluckKeys(ctx, r.db, &models.Protocol{}, "id")
}

// CreateBatch inserts full rows, immutable fields included, in one transaction
func (r *ProtocolRepositoryImpl) CreateBatch(ctx context.Context, protocols []*models.Protocol) error {
	if len(protocols) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(protocols).Error
	})
}

// UpdateBatch refreshes only the dynamic metrics of existing rows
func (r *ProtocolRepositoryImpl) UpdateBatch(ctx context.Context, protocols []*models.Protocol) error {
	if len(protocols) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range protocols {
			if err := tx.Model(p).Select(models.ProtocolVolatileColumns).Updates(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ProtocolRepositoryImpl) GetBySlug(ctx context.Context, slug string) (*models.Protocol, error) {
	var protocol models.Protocol
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&protocol).Error
	if err != nil {
		return nil, err
	}
	return &protocol, nil
}

// ListSlugs returns every known slug; pools are checked against it
func (r *ProtocolRepositoryImpl) ListSlugs(ctx context.Context) ([]string, error) {
	var slugs []string
	err := r.db.WithContext(ctx).Model(&models.Protocol{}).Pluck("slug", &slugs).Error
	return slugs, err
}

func (r *ProtocolRepositoryImpl) GetTopByTVL(ctx context.Context, limit int) ([]*models.Protocol, error) {
	var protocols []*models.Protocol
	err := r.db.WithContext(ctx).
		Order("tvl DESC").
		Limit(limit).
		Find(&protocols).Error
	return protocols, err
}

func (r *ProtocolRepositoryImpl) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Protocol{}).Count(&count).Error
	return count, err
}
