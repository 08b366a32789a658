package repository

import (
	"context"
	"strings"

	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PoolRepository persists pools and their underlying tokens
type PoolRepository interface {
	ExistingKeys(ctx context.Context) (map[string]struct{}, error)
	CreateBatch(ctx context.Context, pools []*models.Pool) error
	UpdateBatch(ctx context.Context, pools []*models.Pool) error

	GetByID(ctx context.Context, id string) (*models.Pool, error)
	GetTopPools(ctx context.Context, minTVL, minAPY float64, limit int) ([]*models.Pool, error)
	GetByFilters(ctx context.Context, filters PoolFilters, limit int) ([]*models.Pool, error)
	GetTokens(ctx context.Context, poolID string) ([]*models.PoolToken, error)
	Count(ctx context.Context) (int64, error)
}

// PoolFilters narrow a ranked pool search
type PoolFilters struct {
	Chains         []string `json:"chains,omitempty"`
	Projects       []string `json:"projects,omitempty"`
	MinTVL         float64  `json:"min_tvl,omitempty"`
	MinAPY         float64  `json:"min_apy,omitempty"`
	MaxAPY         float64  `json:"max_apy,omitempty"`
	StablecoinOnly bool     `json:"stablecoin_only,omitempty"`
	NoILRisk       bool     `json:"no_il_risk,omitempty"`
	Exposure       string   `json:"exposure,omitempty"`
}

// IsZero reports whether no filter is set, i.e. the plain APY ranking
func (f PoolFilters) IsZero() bool {
	return len(f.Chains) == 0 && len(f.Projects) == 0 &&
		f.MinTVL == 0 && f.MinAPY == 0 && f.MaxAPY == 0 &&
		!f.StablecoinOnly && !f.NoILRisk && f.Exposure == ""
}

type PoolRepositoryImpl struct {
	db *gorm.DB
}

func NewPoolRepository(db *gorm.DB) PoolRepository {
	return &PoolRepositoryImpl{db: db}
}

func (r *PoolRepositoryImpl) ExistingKeys(ctx context.Context) (map[string]struct{}, error) {
	return pluckKeys(ctx, r.db, &models.Pool{}, "id")
}

// CreateBatch inserts pools and then their tokens in the same transaction.
// Tokens must already be validated by the caller.
func (r *PoolRepositoryImpl) CreateBatch(ctx context.Context, pools []*models.Pool) error {
	if len(pools) == 0 {
		return nil
	}

	var tokens []*models.PoolToken
	for _, p := range pools {
		for i := range p.Tokens {
			tokens = append(tokens, &p.Tokens[i])
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(pools).Error; err != nil {
			return err
		}
		if len(tokens) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(tokens, reconcile.ChildChunkSize).Error
	})
}

// UpdateBatch refreshes only the volatile metrics. Tokens are left untouched.
func (r *PoolRepositoryImpl) UpdateBatch(ctx context.Context, pools []*models.Pool) error {
	if len(pools) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range pools {
			if err := tx.Model(p).Omit(clause.Associations).Select(models.PoolVolatileColumns).Updates(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PoolRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Pool, error) {
	var pool models.Pool
	err := r.db.WithContext(ctx).
		Preload("Tokens", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		First(&pool).Error
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// GetTopPools selects the pools whose charts are refreshed, ranked by TVL
func (r *PoolRepositoryImpl) GetTopPools(ctx context.Context, minTVL, minAPY float64, limit int) ([]*models.Pool, error) {
	var pools []*models.Pool
	err := r.db.WithContext(ctx).
		Where("tvl_usd >= ? AND apy >= ?", minTVL, minAPY).
		Order("tvl_usd DESC").
		Limit(limit).
		Find(&pools).Error
	return pools, err
}

// GetByFilters returns pools matching filters, ranked by APY
func (r *PoolRepositoryImpl) GetByFilters(ctx context.Context, filters PoolFilters, limit int) ([]*models.Pool, error) {
	query := r.db.WithContext(ctx).Model(&models.Pool{})

	if len(filters.Chains) > 0 {
		chains := make([]string, len(filters.Chains))
		for i, c := range filters.Chains {
			chains[i] = strings.ToLower(strings.TrimSpace(c))
		}
		query = query.Where("chain IN ?", chains)
	}

	if len(filters.Projects) > 0 {
		query = query.Where("project IN ?", filters.Projects)
	}

	if filters.MinTVL > 0 {
		query = query.Where("tvl_usd >= ?", filters.MinTVL)
	}

	if filters.MinAPY > 0 {
		query = query.Where("apy >= ?", filters.MinAPY)
	}

	if filters.MaxAPY > 0 {
		query = query.Where("apy <= ?", filters.MaxAPY)
	}

	if filters.StablecoinOnly {
		query = query.Where("stablecoin = ?", true)
	}

	if filters.NoILRisk {
		query = query.Where("il_risk = ?", "no")
	}

	if filters.Exposure != "" {
		query = query.Where("exposure = ?", filters.Exposure)
	}

	var pools []*models.Pool
	err := query.Order("apy DESC").Limit(limit).Find(&pools).Error
	return pools, err
}

func (r *PoolRepositoryImpl) GetTokens(ctx context.Context, poolID string) ([]*models.PoolToken, error) {
	var tokens []*models.PoolToken
	err := r.db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("position ASC").
		Find(&tokens).Error
	return tokens, err
}

func (r *PoolRepositoryImpl) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Pool{}).Count(&count).Error
	return count, err
}
