package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
)

// ErrEmptyCoinList is returned when the registry fetch comes back empty
var ErrEmptyCoinList = errors.New("coin registry returned no coins")

// CoinSyncer refreshes the token registry and its per-chain contract
// addresses. Known mappings are never rewritten.
type CoinSyncer struct {
	client CoinGeckoClient
	repo   repository.CoinRepository
	status *StatusBoard
	logger *zap.Logger
}

func NewCoinSyncer(client CoinGeckoClient, repo repository.CoinRepository, status *StatusBoard, logger *zap.Logger) *CoinSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoinSyncer{
		client: client,
		repo:   repo,
		status: status,
		logger: logger.Named("coins"),
	}
}

func (s *CoinSyncer) Name() string {
	return EntityCoins
}

func (s *CoinSyncer) Sync(ctx context.Context) (*reconcile.Summary, error) {
	s.status.Set(EntityCoins, StateFetching)
	entries, err := s.client.GetCoinsList(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coin list: %w", err)
	}
	// The rate-limited client reports exhausted retries as an empty list
	if len(entries) == 0 {
		return nil, ErrEmptyCoinList
	}

	s.status.Set(EntityCoins, StateFiltering)
	coins := make([]*models.CoinIndex, 0, len(entries))
	var platforms []*models.CoinPlatform
	for _, e := range entries {
		coins = append(coins, &models.CoinIndex{CgID: e.ID, Symbol: e.Symbol, Name: e.Name})
		for platform, address := range e.Platforms {
			platform = strings.TrimSpace(platform)
			address = strings.ToLower(strings.TrimSpace(address))
			if platform == "" || address == "" {
				continue
			}
			platforms = append(platforms, &models.CoinPlatform{
				CgID:            e.ID,
				PlatformID:      platform,
				ContractAddress: address,
			})
		}
	}

	s.status.Set(EntityCoins, StateReconciling)
	summary, err := reconcile.Reconcile(ctx, s.repo, coins,
		func(c *models.CoinIndex) string { return c.CgID },
		reconcile.Options{Entity: EntityCoins, ChunkSize: reconcile.BulkChunkSize, Logger: s.logger})
	if err != nil {
		return summary, err
	}

	inserted, err := s.repo.InsertPlatforms(ctx, platforms)
	if err != nil {
		s.logger.Warn("Failed to store coin platforms",
			zap.Int64("inserted", inserted),
			zap.Int("total", len(platforms)),
			zap.Error(err))
	} else {
		s.logger.Info("🔗 Coin platforms stored",
			zap.Int64("new", inserted),
			zap.Int("total", len(platforms)))
	}

	return summary, nil
}
