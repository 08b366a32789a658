package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/query"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
	"github.com/echoyidotfun/demind-agent-service/internal/syncer"
)

type mockSyncer struct {
	mu       sync.Mutex
	runs     []string
	charts   []string
	runErr   error
	syncAlls int

	// started and release, when set, hold SyncAll until released
	started chan struct{}
	release chan struct{}
}

func (m *mockSyncer) Run(ctx context.Context, name string) (*reconcile.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, name)
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &reconcile.Summary{Entity: name, Created: 2, Updated: 1}, nil
}

func (m *mockSyncer) SyncAll(ctx context.Context) *syncer.RunSummary {
	m.mu.Lock()
	m.syncAlls++
	m.mu.Unlock()

	if m.started != nil {
		close(m.started)
		select {
		case <-m.release:
		case <-ctx.Done():
		}
	}
	return &syncer.RunSummary{Errors: map[string]string{}}
}

func (m *mockSyncer) SyncPoolChart(ctx context.Context, poolID string) (*reconcile.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charts = append(m.charts, poolID)
	return &reconcile.Summary{Entity: "chart:" + poolID, Created: 5}, nil
}

func (m *mockSyncer) Status() []syncer.EntityStatus {
	return []syncer.EntityStatus{{Entity: syncer.EntityPools, State: syncer.StateDone}}
}

type mockReader struct {
	mu      sync.Mutex
	filters repository.PoolFilters
	limit   int
}

func (m *mockReader) FindPools(ctx context.Context, filters repository.PoolFilters, limit int) ([]*models.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters, m.limit = filters, limit
	return []*models.Pool{{ID: "p1", Chain: "ethereum", APY: 7}}, nil
}

func (m *mockReader) GetPoolChart(ctx context.Context, poolID string) ([]*models.PoolChart, error) {
	return []*models.PoolChart{{PoolID: poolID, TVLUSD: 1}}, nil
}

func (m *mockReader) ResolvePoolTokens(ctx context.Context, poolID string) ([]*query.PoolToken, error) {
	return []*query.PoolToken{{Address: "0xabc", CgID: "usd-coin"}}, nil
}

func (m *mockReader) GetCoinDetails(ctx context.Context, cgID string) (*models.CoinDetails, error) {
	return &models.CoinDetails{CgID: cgID, Name: "USDC"}, nil
}

func (m *mockReader) GetTrending(ctx context.Context) ([]coingecko.TrendingCoin, error) {
	return []coingecko.TrendingCoin{{ID: "pepe"}}, nil
}

func (m *mockReader) GetTopProtocols(ctx context.Context, limit int) ([]*models.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return []*models.Protocol{{ID: "2", Slug: "lido", TVL: 3e10}}, nil
}

func (m *mockReader) GetProtocol(ctx context.Context, slug string) (*models.Protocol, error) {
	if slug != "lido" {
		return nil, nil
	}
	return &models.Protocol{ID: "2", Slug: slug, Name: "Lido"}, nil
}

func (m *mockReader) GetStablecoins(ctx context.Context) ([]*models.Stablecoin, error) {
	return []*models.Stablecoin{{ID: "1", Symbol: "USDT"}}, nil
}

func (m *mockReader) Counts(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"protocols": 2, "pools": 10, "stablecoins": 1}, nil
}

func (m *mockSyncer) snapshot() ([]string, []string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...), append([]string(nil), m.charts...), m.syncAlls
}

func newListener(t *testing.T, s Syncer) (*Service, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	listener := NewService(client, s, &mockReader{}, nil)
	require.NoError(t, listener.Start())
	t.Cleanup(listener.Stop)

	sender := NewService(client, nil, nil, nil)
	sender.timeout = 2 * time.Second
	return listener, sender
}

func TestService_TriggerSync(t *testing.T) {
	mock := &mockSyncer{}
	_, sender := newListener(t, mock)

	resp, err := sender.SendCommand(context.Background(), CommandTriggerSync, map[string]interface{}{"entity": "pools"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.Error)

	summary, ok := resp.Data["summary"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), summary["created"])
	runs, _, _ := mock.snapshot()
	assert.Equal(t, []string{"pools"}, runs)
}

func TestService_TriggerSyncAll(t *testing.T) {
	mock := &mockSyncer{}
	_, sender := newListener(t, mock)

	resp, err := sender.SendCommand(context.Background(), CommandTriggerSync, map[string]interface{}{"entity": EntityAll})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	_, _, syncAlls := mock.snapshot()
	assert.Equal(t, 1, syncAlls)
}

func TestService_TriggerPoolChart(t *testing.T) {
	mock := &mockSyncer{}
	_, sender := newListener(t, mock)

	resp, err := sender.SendCommand(context.Background(), CommandTriggerPoolChart, map[string]interface{}{"pool_id": "abc"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	_, charts, _ := mock.snapshot()
	assert.Equal(t, []string{"abc"}, charts)
}

func TestService_FailedCommandReportsError(t *testing.T) {
	mock := &mockSyncer{runErr: errors.New("upstream down")}
	_, sender := newListener(t, mock)

	resp, err := sender.SendCommand(context.Background(), CommandTriggerSync, map[string]interface{}{"entity": "protocols"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "upstream down")
}

func TestService_Handle(t *testing.T) {
	s := NewService(nil, &mockSyncer{}, nil, nil)
	ctx := context.Background()

	_, err := s.Handle(ctx, &CommandMessage{Type: CommandTriggerSync})
	assert.ErrorIs(t, err, ErrMissingPayload)

	_, err = s.Handle(ctx, &CommandMessage{Type: "restart"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	data, err := s.Handle(ctx, &CommandMessage{Type: CommandGetSyncStatus})
	require.NoError(t, err)
	entities := data["entities"].([]syncer.EntityStatus)
	require.Len(t, entities, 1)
	assert.Equal(t, syncer.StateDone, entities[0].State)
}

func TestService_FindPoolsDecodesFilters(t *testing.T) {
	reader := &mockReader{}
	s := NewService(nil, &mockSyncer{}, reader, nil)

	data, err := s.Handle(context.Background(), &CommandMessage{
		Type: CommandFindPools,
		Payload: map[string]interface{}{
			"filters": map[string]interface{}{"chains": []interface{}{"ethereum"}, "min_tvl": 1e6, "stablecoin_only": true},
			"limit":   float64(20),
		},
	})
	require.NoError(t, err)
	require.Len(t, data["pools"], 1)
	assert.Equal(t, []string{"ethereum"}, reader.filters.Chains)
	assert.Equal(t, 1e6, reader.filters.MinTVL)
	assert.True(t, reader.filters.StablecoinOnly)
	assert.Equal(t, 20, reader.limit)
}

func TestService_ReadCommandsOverPubSub(t *testing.T) {
	_, sender := newListener(t, &mockSyncer{})
	ctx := context.Background()

	resp, err := sender.SendCommand(ctx, CommandGetCoinDetails, map[string]interface{}{"cg_id": "usd-coin"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	details := resp.Data["details"].(map[string]interface{})
	assert.Equal(t, "USDC", details["name"])

	resp, err = sender.SendCommand(ctx, CommandResolvePoolTokens, nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "pool_id")
}

func TestService_ReadCommandsNeedReader(t *testing.T) {
	s := NewService(nil, &mockSyncer{}, nil, nil)

	_, err := s.Handle(context.Background(), &CommandMessage{Type: CommandGetTrending})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestService_WithoutRedis(t *testing.T) {
	s := NewService(nil, &mockSyncer{}, nil, nil)
	require.NoError(t, s.Start())

	_, err := s.SendCommand(context.Background(), CommandGetSyncStatus, nil)
	assert.ErrorIs(t, err, ErrRedisUnavailable)
	assert.NoError(t, s.SendResponse("id", true, nil, ""))
	s.Stop()
}

func TestService_StatusAnsweredDuringRunningPass(t *testing.T) {
	mock := &mockSyncer{started: make(chan struct{}), release: make(chan struct{})}
	_, sender := newListener(t, mock)
	defer close(mock.release)
	ctx := context.Background()

	data, err := json.Marshal(&CommandMessage{ID: "long-run", Type: CommandTriggerSync, Payload: map[string]interface{}{"entity": EntityAll}})
	require.NoError(t, err)
	require.NoError(t, sender.redis.Publish(ctx, CommandChannel, data).Err())

	select {
	case <-mock.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sync pass never started")
	}

	resp, err := sender.SendCommand(ctx, CommandGetSyncStatus, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Data["entities"], 1)

	resp, err = sender.SendCommand(ctx, CommandGetCounts, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	counts := resp.Data["counts"].(map[string]interface{})
	assert.Equal(t, float64(10), counts["pools"])
}

func TestService_ProtocolCommands(t *testing.T) {
	reader := &mockReader{}
	s := NewService(nil, &mockSyncer{}, reader, nil)
	ctx := context.Background()

	data, err := s.Handle(ctx, &CommandMessage{Type: CommandGetTopProtocols, Payload: map[string]interface{}{"limit": float64(5)}})
	require.NoError(t, err)
	require.Len(t, data["protocols"], 1)
	assert.Equal(t, 5, reader.limit)

	_, err = s.Handle(ctx, &CommandMessage{Type: CommandGetProtocol})
	assert.ErrorIs(t, err, ErrMissingPayload)

	data, err = s.Handle(ctx, &CommandMessage{Type: CommandGetProtocol, Payload: map[string]interface{}{"slug": "lido"}})
	require.NoError(t, err)
	assert.Equal(t, "Lido", data["protocol"].(*models.Protocol).Name)

	data, err = s.Handle(ctx, &CommandMessage{Type: CommandGetStablecoins})
	require.NoError(t, err)
	require.Len(t, data["stablecoins"], 1)
}

func TestIsTrigger(t *testing.T) {
	assert.True(t, IsTrigger(CommandTriggerSync))
	assert.True(t, IsTrigger(CommandTriggerPoolChart))
	assert.False(t, IsTrigger(CommandGetSyncStatus))
	assert.False(t, IsTrigger(CommandFindPools))
}
