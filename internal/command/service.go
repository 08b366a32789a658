package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/models"
	"github.com/echoyidotfun/demind-agent-service/internal/query"
	"github.com/echoyidotfun/demind-agent-service/internal/reconcile"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
	"github.com/echoyidotfun/demind-agent-service/internal/syncer"
)

// Command types
const (
	CommandTriggerSync      = "trigger_sync"
	CommandTriggerPoolChart = "trigger_pool_chart"
	CommandGetSyncStatus    = "get_sync_status"

	CommandFindPools         = "find_pools"
	CommandGetPoolChart      = "get_pool_chart"
	CommandResolvePoolTokens = "resolve_pool_tokens"
	CommandGetCoinDetails    = "get_coin_details"
	CommandGetTrending       = "get_trending"
	CommandGetTopProtocols   = "get_top_protocols"
	CommandGetProtocol       = "get_protocol"
	CommandGetStablecoins    = "get_stablecoins"
	CommandGetCounts         = "get_counts"
)

const (
	CommandChannel        = "sync:commands"
	responseChannelPrefix = "sync:responses:"

	// EntityAll asks trigger_sync for a full SyncAll pass
	EntityAll = "all"

	defaultResponseTimeout = 10 * time.Second

	// triggerQueueSize bounds the sync triggers waiting behind a running one
	triggerQueueSize = 16
)

var (
	ErrRedisUnavailable = errors.New("redis not available")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMissingPayload   = errors.New("missing payload field")
	ErrTriggerQueueFull = errors.New("sync trigger queue full")
)

// CommandMessage represents a command to be executed
type CommandMessage struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CommandResponse represents a response to a command
type CommandResponse struct {
	ID        string                 `json:"id"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Syncer is the part of syncer.Service commands drive
type Syncer interface {
	Run(ctx context.Context, name string) (*reconcile.Summary, error)
	SyncAll(ctx context.Context) *syncer.RunSummary
	SyncPoolChart(ctx context.Context, poolID string) (*reconcile.Summary, error)
	Status() []syncer.EntityStatus
}

// Reader is the part of query.Service commands expose
type Reader interface {
	FindPools(ctx context.Context, filters repository.PoolFilters, limit int) ([]*models.Pool, error)
	GetPoolChart(ctx context.Context, poolID string) ([]*models.PoolChart, error)
	ResolvePoolTokens(ctx context.Context, poolID string) ([]*query.PoolToken, error)
	GetCoinDetails(ctx context.Context, cgID string) (*models.CoinDetails, error)
	GetTrending(ctx context.Context) ([]coingecko.TrendingCoin, error)
	GetTopProtocols(ctx context.Context, limit int) ([]*models.Protocol, error)
	GetProtocol(ctx context.Context, slug string) (*models.Protocol, error)
	GetStablecoins(ctx context.Context) ([]*models.Stablecoin, error)
	Counts(ctx context.Context) (map[string]int64, error)
}

var (
	_ Syncer = (*syncer.Service)(nil)
	_ Reader = (*query.Service)(nil)
)

// Service triggers sync passes on demand via Redis Pub/Sub. Sync triggers run
// one at a time in arrival order; status and read commands are answered
// right away, even while a pass is running.
type Service struct {
	redis   *redis.Client
	syncer  Syncer
	reader  Reader
	logger  *zap.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a command service. A nil reader disables the read
// commands.
func NewService(redisClient *redis.Client, s Syncer, reader Reader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		redis:   redisClient,
		syncer:  s,
		reader:  reader,
		logger:  logger.Named("command"),
		timeout: defaultResponseTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the command channel and returns once the
// subscription is confirmed.
func (s *Service) Start() error {
	if s.redis == nil {
		s.logger.Warn("⚠️ Redis not available, command listener disabled")
		return nil
	}

	pubsub := s.redis.Subscribe(s.ctx, CommandChannel)
	if _, err := pubsub.Receive(s.ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", CommandChannel, err)
	}

	triggers := make(chan *CommandMessage, triggerQueueSize)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case cmd := <-triggers:
				s.dispatch(cmd)
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		defer pubsub.Close()

		for {
			msg, err := pubsub.ReceiveMessage(s.ctx)
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("Error receiving command", zap.String("channel", CommandChannel), zap.Error(err))
				continue
			}

			cmd := &CommandMessage{}
			if err := json.Unmarshal([]byte(msg.Payload), cmd); err != nil {
				s.logger.Warn("Error unmarshaling command", zap.Error(err))
				continue
			}

			if !IsTrigger(cmd.Type) {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.dispatch(cmd)
				}()
				continue
			}

			select {
			case triggers <- cmd:
			default:
				s.logger.Warn("Dropping sync trigger", zap.String("id", cmd.ID), zap.String("type", cmd.Type))
				if err := s.SendResponse(cmd.ID, false, nil, ErrTriggerQueueFull.Error()); err != nil {
					s.logger.Warn("Failed to send response", zap.String("id", cmd.ID), zap.Error(err))
				}
			}
		}
	}()

	s.logger.Info("✅ Command service started", zap.String("channel", CommandChannel))
	return nil
}

// Stop cancels the running command and waits for the listener to exit
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Command service stopped")
}

// IsTrigger reports whether a command type starts a sync pass
func IsTrigger(cmdType string) bool {
	return cmdType == CommandTriggerSync || cmdType == CommandTriggerPoolChart
}

func (s *Service) dispatch(cmd *CommandMessage) {
	s.logger.Info("Received command", zap.String("id", cmd.ID), zap.String("type", cmd.Type))

	data, err := s.Handle(s.ctx, cmd)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		s.logger.Warn("Command failed", zap.String("id", cmd.ID), zap.Error(err))
	}
	if err := s.SendResponse(cmd.ID, err == nil, data, errMsg); err != nil {
		s.logger.Warn("Failed to send response", zap.String("id", cmd.ID), zap.Error(err))
	}
}

// Handle executes one command and returns the response data
func (s *Service) Handle(ctx context.Context, cmd *CommandMessage) (map[string]interface{}, error) {
	switch cmd.Type {
	case CommandTriggerSync:
		entity, err := payloadString(cmd.Payload, "entity")
		if err != nil {
			return nil, err
		}
		if entity == EntityAll {
			run := s.syncer.SyncAll(ctx)
			return map[string]interface{}{"run": run}, nil
		}
		summary, err := s.syncer.Run(ctx, entity)
		return map[string]interface{}{"summary": summary}, err

	case CommandTriggerPoolChart:
		poolID, err := payloadString(cmd.Payload, "pool_id")
		if err != nil {
			return nil, err
		}
		summary, err := s.syncer.SyncPoolChart(ctx, poolID)
		return map[string]interface{}{"summary": summary}, err

	case CommandGetSyncStatus:
		return map[string]interface{}{"entities": s.syncer.Status()}, nil
	}

	if s.reader != nil {
		if data, handled, err := s.handleRead(ctx, cmd); handled {
			return data, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
}

func (s *Service) handleRead(ctx context.Context, cmd *CommandMessage) (map[string]interface{}, bool, error) {
	switch cmd.Type {
	case CommandFindPools:
		var filters repository.PoolFilters
		if raw, ok := cmd.Payload["filters"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, true, fmt.Errorf("invalid filters: %w", err)
			}
			if err := json.Unmarshal(data, &filters); err != nil {
				return nil, true, fmt.Errorf("invalid filters: %w", err)
			}
		}
		limit, _ := cmd.Payload["limit"].(float64)
		pools, err := s.reader.FindPools(ctx, filters, int(limit))
		return map[string]interface{}{"pools": pools}, true, err

	case CommandGetPoolChart:
		poolID, err := payloadString(cmd.Payload, "pool_id")
		if err != nil {
			return nil, true, err
		}
		points, err := s.reader.GetPoolChart(ctx, poolID)
		return map[string]interface{}{"points": points}, true, err

	case CommandResolvePoolTokens:
		poolID, err := payloadString(cmd.Payload, "pool_id")
		if err != nil {
			return nil, true, err
		}
		tokens, err := s.reader.ResolvePoolTokens(ctx, poolID)
		return map[string]interface{}{"tokens": tokens}, true, err

	case CommandGetCoinDetails:
		cgID, err := payloadString(cmd.Payload, "cg_id")
		if err != nil {
			return nil, true, err
		}
		details, err := s.reader.GetCoinDetails(ctx, cgID)
		return map[string]interface{}{"details": details}, true, err

	case CommandGetTrending:
		coins, err := s.reader.GetTrending(ctx)
		return map[string]interface{}{"coins": coins}, true, err

	case CommandGetTopProtocols:
		limit, _ := cmd.Payload["limit"].(float64)
		protocols, err := s.reader.GetTopProtocols(ctx, int(limit))
		return map[string]interface{}{"protocols": protocols}, true, err

	case CommandGetProtocol:
		slug, err := payloadString(cmd.Payload, "slug")
		if err != nil {
			return nil, true, err
		}
		protocol, err := s.reader.GetProtocol(ctx, slug)
		return map[string]interface{}{"protocol": protocol}, true, err

	case CommandGetStablecoins:
		stablecoins, err := s.reader.GetStablecoins(ctx)
		return map[string]interface{}{"stablecoins": stablecoins}, true, err

	case CommandGetCounts:
		counts, err := s.reader.Counts(ctx)
		return map[string]interface{}{"counts": counts}, true, err
	}
	return nil, false, nil
}

func payloadString(payload map[string]interface{}, field string) (string, error) {
	v, _ := payload[field].(string)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingPayload, field)
	}
	return v, nil
}

// SendCommand publishes a command and waits for its response
func (s *Service) SendCommand(ctx context.Context, cmdType string, payload map[string]interface{}) (*CommandResponse, error) {
	if s.redis == nil {
		return nil, ErrRedisUnavailable
	}

	cmd := &CommandMessage{
		ID:        uuid.NewString(),
		Type:      cmdType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Subscribe before publishing so the response can't be missed
	pubsub := s.redis.Subscribe(ctx, responseChannelPrefix+cmd.ID)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe for response: %w", err)
	}

	if err := s.redis.Publish(ctx, CommandChannel, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish command: %w", err)
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command %s timed out", cmd.ID)
		}
		return nil, err
	}

	var resp CommandResponse
	if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// SendResponse publishes the response to a command on its own channel
func (s *Service) SendResponse(cmdID string, success bool, data map[string]interface{}, errMsg string) error {
	if s.redis == nil {
		return nil
	}

	resp := &CommandResponse{
		ID:        cmdID,
		Success:   success,
		Data:      data,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}

	respData, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	// The listener context may already be cancelled during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redis.Publish(ctx, responseChannelPrefix+cmdID, respData).Err(); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return nil
}
