package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/config"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
)

type mockDefiLlama struct {
	protocols    []defillama.Protocol
	pools        []defillama.Pool
	charts       map[string][]defillama.ChartPoint
	stablecoins  []defillama.Stablecoin
	protocolsErr error
	chartErr     error
	chartCalls   int
}

func (m *mockDefiLlama) GetProtocols(ctx context.Context) ([]defillama.Protocol, error) {
	if m.protocolsErr != nil {
		return nil, m.protocolsErr
	}
	return m.protocols, nil
}

func (m *mockDefiLlama) GetPools(ctx context.Context) ([]defillama.Pool, error) {
	return m.pools, nil
}

func (m *mockDefiLlama) GetPoolChart(ctx context.Context, poolID string) ([]defillama.ChartPoint, error) {
	m.chartCalls++
	if m.chartErr != nil {
		return nil, m.chartErr
	}
	return m.charts[poolID], nil
}

func (m *mockDefiLlama) GetStablecoins(ctx context.Context) ([]defillama.Stablecoin, error) {
	return m.stablecoins, nil
}

type mockCoinGecko struct {
	coins []coingecko.CoinListEntry
	err   error
}

func (m *mockCoinGecko) GetCoinsList(ctx context.Context, includePlatform bool) ([]coingecko.CoinListEntry, error) {
	return m.coins, m.err
}

type fixture struct {
	db          *gorm.DB
	mr          *miniredis.Miniredis
	cache       *cache.BestEffort
	status      *StatusBoard
	protocols   repository.ProtocolRepository
	pools       repository.PoolRepository
	charts      repository.PoolChartRepository
	stablecoins repository.StablecoinRepository
	coins       repository.CoinRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := repository.InitDatabase(
		config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		config.AppConfig{Environment: "test"},
	)
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))
	t.Cleanup(func() { _ = repository.CloseDatabase(db) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{
		db:          db,
		mr:          mr,
		cache:       cache.NewBestEffort(cache.NewRedisStore(client), nil, nil),
		status:      NewStatusBoard(),
		protocols:   repository.NewProtocolRepository(db),
		pools:       repository.NewPoolRepository(db),
		charts:      repository.NewPoolChartRepository(db),
		stablecoins: repository.NewStablecoinRepository(db),
		coins:       repository.NewCoinRepository(db),
	}
}

func floatPtr(v float64) *float64 { return &v }

func seedPool(t *testing.T, f *fixture, id string) {
	t.Helper()
	require.NoError(t, f.pools.CreateBatch(context.Background(), []*models.Pool{
		{ID: id, Project: "aave-v3", Chain: "ethereum", TVLUSD: 1e6, APY: 3},
	}))
}

func sampleProtocols() []defillama.Protocol {
	return []defillama.Protocol{
		{ID: "1", Slug: "aave-v3", Name: "Aave V3", Chain: "Ethereum", Chains: []string{"Ethereum", "Arbitrum"}, TVL: floatPtr(1e9)},
		{ID: "2", Slug: "old-dex", Name: "Old Dex", Chain: "Ethereum", TVL: floatPtr(10), DeadFrom: json.RawMessage(`"2023-01-01"`)},
		{ID: "3", Slug: "sol-lend", Name: "Sol Lend", Chain: "Solana", Chains: []string{"Solana"}, TVL: floatPtr(5e8)},
	}
}

func TestProtocolSyncer_FiltersAndReconciles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{protocols: sampleProtocols()}
	s := NewProtocolSyncer(client, f.protocols, nil, f.cache, f.status, nil)

	summary, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Updated)
	assert.Equal(t, 1, summary.SkippedInactive)
	assert.Equal(t, 1, summary.SkippedIncompatible)

	stored, err := f.protocols.GetBySlug(ctx, "aave-v3")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", stored.Chain)
	assert.Equal(t, models.StringArray{"ethereum", "arbitrum"}, stored.Chains)
	assert.True(t, f.mr.Exists(cache.KeyTopProtocols))

	client.protocols[0].TVL = floatPtr(2e9)
	summary, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 1, summary.Updated)

	count, err := f.protocols.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err = f.protocols.GetBySlug(ctx, "aave-v3")
	require.NoError(t, err)
	assert.Equal(t, 2e9, stored.TVL)
}

func TestPoolSyncer_SkipsUnknownProjectsAndInvalidTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{
		protocols: sampleProtocols(),
		pools: []defillama.Pool{
			{PoolID: "p1", Project: "aave-v3", Chain: "Ethereum", Symbol: "USDC", TVL: 5e6, APY: floatPtr(4.2),
				UnderlyingTokens: []string{"0xAbC", "  ", "0xABC", "0xdef"}},
			{PoolID: "p2", Project: "unknown-project", Chain: "Ethereum", TVL: 1e6},
			{PoolID: "p3", Project: "aave-v3", Chain: "Solana", TVL: 1e6},
		},
	}

	_, err := NewProtocolSyncer(client, f.protocols, nil, f.cache, f.status, nil).Sync(ctx)
	require.NoError(t, err)

	s := NewPoolSyncer(client, f.pools, f.protocols, nil, f.cache, f.status, nil)
	summary, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 2, summary.SkippedIncompatible)

	tokens, err := f.pools.GetTokens(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "0xabc", tokens[0].TokenAddress)
	assert.Equal(t, "0xdef", tokens[1].TokenAddress)
	assert.Equal(t, "ethereum", tokens[0].Chain)

	_, err = f.pools.GetByID(ctx, "p2")
	assert.Error(t, err)
	assert.True(t, f.mr.Exists(cache.KeyTopAPYPools))
}

func TestSyncers_CacheOutageDoesNotFailPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	failing := cache.NewBestEffort(cache.NewRedisStore(rdb), zap.New(core), nil)
	f.mr.Close()

	client := &mockDefiLlama{
		protocols: sampleProtocols(),
		pools: []defillama.Pool{
			{PoolID: "p1", Project: "aave-v3", Chain: "Ethereum", TVL: 5e6, APY: floatPtr(4)},
		},
		stablecoins: []defillama.Stablecoin{
			{ID: "1", Name: "Tether", Symbol: "USDT", PegType: "peggedUSD", Circulating: map[string]float64{"peggedUSD": 1}},
		},
	}

	summary, err := NewProtocolSyncer(client, f.protocols, nil, failing, f.status, nil).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Failed)

	summary, err = NewPoolSyncer(client, f.pools, f.protocols, nil, failing, f.status, nil).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Failed)

	summary, err = NewStablecoinSyncer(client, f.stablecoins, failing, f.status, nil).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	pool, err := f.pools.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, pool.APY)
	assert.NotZero(t, logs.FilterMessage("Cache operation failed").Len())
}

func TestStablecoinSyncer_UpsertsWholeRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{stablecoins: []defillama.Stablecoin{
		{ID: "1", Name: "Tether", Symbol: "USDT", PegType: "peggedUSD",
			Circulating: map[string]float64{"peggedUSD": 1e11}, Chains: []string{"Ethereum", "Tron"}},
	}}
	s := NewStablecoinSyncer(client, f.stablecoins, f.cache, f.status, nil)

	summary, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	client.stablecoins[0].Circulating["peggedUSD"] = 2e11
	summary, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	top, err := f.stablecoins.GetTopByCirculating(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2e11, top[0].Circulating)
	assert.Equal(t, models.StringArray{"ethereum", "tron"}, top[0].Chains)
	assert.True(t, f.mr.Exists(cache.KeyStablecoins))
}

func TestChartSyncer_KeepsOnlyRetentionWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedPool(t, f, "p1")

	stale := &models.PoolChart{PoolID: "p1", Timestamp: now.Add(-8 * 24 * time.Hour), TVLUSD: 1}
	_, err := f.charts.InsertIgnore(ctx, []*models.PoolChart{stale})
	require.NoError(t, err)

	client := &mockDefiLlama{charts: map[string][]defillama.ChartPoint{
		"p1": {
			{Timestamp: now.Add(-9 * 24 * time.Hour), TVLUSD: 10},
			{Timestamp: now.Add(-3 * 24 * time.Hour), TVLUSD: 20, APY: floatPtr(3)},
			{Timestamp: now.Add(-24 * time.Hour), TVLUSD: 30, APY: floatPtr(4)},
		},
	}}
	s := NewChartSyncer(client, f.charts, f.pools, f.cache, f.status, nil, TopPoolsConfig{Limit: 10})
	s.now = func() time.Time { return now }

	summary, err := s.SyncPoolChart(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Deleted)
	assert.Equal(t, 2, summary.Created)

	summary, err = s.SyncPoolChart(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Deleted)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 2, summary.Duplicates)

	count, err := f.charts.CountByPool(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	cutoff := now.Add(-RetentionWindow)
	points, err := f.charts.GetSince(ctx, "p1", time.Time{})
	require.NoError(t, err)
	for _, p := range points {
		assert.False(t, p.Timestamp.Before(cutoff), "point %s outside window", p.Timestamp)
	}

	raw, err := f.mr.Get(cache.PoolChartKey("p1"))
	require.NoError(t, err)
	var cached []models.PoolChart
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Len(t, cached, 2)
}

func TestChartSyncer_FetchFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPool(t, f, "p1")
	client := &mockDefiLlama{chartErr: errors.New("upstream down")}
	s := NewChartSyncer(client, f.charts, f.pools, f.cache, f.status, nil, TopPoolsConfig{Limit: 10})

	_, err := s.SyncPoolChart(ctx, "p1")
	require.Error(t, err)
	assert.False(t, f.mr.Exists(cache.PoolChartKey("p1")))
}

func TestChartSyncer_UnknownPoolIsNotFetched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{charts: map[string][]defillama.ChartPoint{
		"ghost": {{Timestamp: time.Now().UTC().Add(-time.Hour), TVLUSD: 1}},
	}}
	s := NewChartSyncer(client, f.charts, f.pools, f.cache, f.status, nil, TopPoolsConfig{Limit: 10})

	_, err := s.SyncPoolChart(ctx, "ghost")
	assert.ErrorIs(t, err, ErrPoolNotFound)
	assert.Equal(t, 0, client.chartCalls)

	count, err := f.charts.CountByPool(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
	assert.False(t, f.mr.Exists(cache.PoolChartKey("ghost")))
}

func TestService_SyncPoolChartIsTracked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedPool(t, f, "p1")
	client := &mockDefiLlama{charts: map[string][]defillama.ChartPoint{
		"p1": {{Timestamp: time.Now().UTC().Add(-time.Hour), TVLUSD: 1}},
	}}
	charts := NewChartSyncer(client, f.charts, f.pools, f.cache, f.status, nil, TopPoolsConfig{Limit: 10})
	svc := NewService(charts, f.status, nil, nil)

	summary, err := svc.SyncPoolChart(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	status := f.status.Get(EntityPoolChart)
	assert.Equal(t, StateDone, status.State)
	require.NotNil(t, status.LastSummary)
	assert.Equal(t, "chart:p1", status.LastSummary.Entity)

	_, err = svc.SyncPoolChart(ctx, "ghost")
	assert.ErrorIs(t, err, ErrPoolNotFound)
	status = f.status.Get(EntityPoolChart)
	assert.Equal(t, StateFailed, status.State)
	assert.Contains(t, status.LastError, "ghost")
}

func TestChartSyncer_SyncRefreshesTopPools(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	client := &mockDefiLlama{
		protocols: sampleProtocols(),
		pools: []defillama.Pool{
			{PoolID: "big", Project: "aave-v3", Chain: "Ethereum", TVL: 5e7, APY: floatPtr(5)},
			{PoolID: "small", Project: "aave-v3", Chain: "Ethereum", TVL: 10, APY: floatPtr(5)},
		},
		charts: map[string][]defillama.ChartPoint{
			"big": {{Timestamp: now.Add(-time.Hour), TVLUSD: 5e7}},
		},
	}
	_, err := NewProtocolSyncer(client, f.protocols, nil, nil, f.status, nil).Sync(ctx)
	require.NoError(t, err)
	_, err = NewPoolSyncer(client, f.pools, f.protocols, nil, nil, f.status, nil).Sync(ctx)
	require.NoError(t, err)

	s := NewChartSyncer(client, f.charts, f.pools, nil, f.status, nil, TopPoolsConfig{Limit: 10, MinTVL: 1e6})
	summary, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, client.chartCalls)
}

func TestChartSyncer_AllPoolsFailing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{
		protocols: sampleProtocols(),
		pools:     []defillama.Pool{{PoolID: "big", Project: "aave-v3", Chain: "Ethereum", TVL: 5e7, APY: floatPtr(5)}},
		chartErr:  errors.New("boom"),
	}
	_, err := NewProtocolSyncer(client, f.protocols, nil, nil, f.status, nil).Sync(ctx)
	require.NoError(t, err)
	_, err = NewPoolSyncer(client, f.pools, f.protocols, nil, nil, f.status, nil).Sync(ctx)
	require.NoError(t, err)

	s := NewChartSyncer(client, f.charts, f.pools, nil, f.status, nil, TopPoolsConfig{Limit: 10})
	summary, err := s.Sync(ctx)
	assert.ErrorIs(t, err, reconcile.ErrAllOperationsFailed)
	assert.Equal(t, 1, summary.Failed)
}

func TestCoinSyncer_StoresLowerCasedPlatforms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockCoinGecko{coins: []coingecko.CoinListEntry{
		{ID: "usd-coin", Symbol: "usdc", Name: "USDC", Platforms: map[string]string{
			"ethereum":     "0xA0b86991C6218b36c1d19D4a2e9Eb0cE3606eB48",
			"arbitrum-one": "",
			"":             "0x123",
		}},
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"},
	}}
	s := NewCoinSyncer(client, f.coins, f.status, nil)

	summary, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)

	platforms, err := f.coins.GetPlatforms(ctx, "usd-coin")
	require.NoError(t, err)
	require.Len(t, platforms, 1)
	assert.Equal(t, "ethereum", platforms[0].PlatformID)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", platforms[0].ContractAddress)

	summary, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Updated)
}

func TestCoinSyncer_EmptyListIsAnError(t *testing.T) {
	s := NewCoinSyncer(&mockCoinGecko{}, newFixture(t).coins, nil, nil)

	_, err := s.Sync(context.Background())
	assert.ErrorIs(t, err, ErrEmptyCoinList)
}

func TestService_SyncAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := &mockDefiLlama{
		protocolsErr: errors.New("protocols endpoint down"),
		stablecoins: []defillama.Stablecoin{
			{ID: "1", Name: "Tether", Symbol: "USDT", PegType: "peggedUSD", Circulating: map[string]float64{"peggedUSD": 1}},
		},
	}

	charts := NewChartSyncer(client, f.charts, f.pools, f.cache, f.status, nil, TopPoolsConfig{Limit: 5})
	svc := NewService(charts, f.status, nil, nil)
	svc.Register(NewProtocolSyncer(client, f.protocols, nil, f.cache, f.status, nil))
	svc.Register(NewPoolSyncer(client, f.pools, f.protocols, nil, f.cache, f.status, nil))
	svc.Register(NewStablecoinSyncer(client, f.stablecoins, f.cache, f.status, nil))

	run := svc.SyncAll(ctx)

	assert.Contains(t, run.Errors, EntityProtocols)
	assert.NotContains(t, run.Errors, EntityStablecoins)
	assert.Equal(t, StateFailed, run.States[EntityProtocols])
	assert.Equal(t, StateDone, run.States[EntityPools])
	assert.Equal(t, StateDone, run.States[EntityStablecoins])
	assert.Equal(t, StateDone, run.States[EntityCharts])

	status := f.status.Get(EntityProtocols)
	assert.Contains(t, status.LastError, "protocols endpoint down")

	count, err := f.stablecoins.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestService_RunUnknownEntity(t *testing.T) {
	svc := NewService(nil, nil, nil, nil)

	_, err := svc.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = svc.SyncPoolChart(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrUnknownEntity)
}
