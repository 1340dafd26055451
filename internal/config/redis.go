package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/xsk-fastpath/pkg/classifier"
	"github.com/SkynetNext/xsk-fastpath/pkg/xlog"
)

var (
	ErrRedisNotEnabled = errors.New("redis store not enabled")
)

// RedisStore manages queue configuration loaded from Redis
// IMPORTANT: the daemon is READ-ONLY. All configuration writes are done by external admin tools.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ctx     context.Context
	pubsub  *redis.PubSub
	updates chan ConfigUpdate
}

// ConfigUpdate represents a configuration change notification from Redis pub/sub
type ConfigUpdate struct {
	Type string          `json:"type"` // "queues", "classifier"
	Data json.RawMessage `json:"data"`
}

// NewRedisStore creates a new Redis configuration store (READ-ONLY)
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		ctx:     ctx,
		updates: make(chan ConfigUpdate, 10),
	}

	// Subscribe to configuration changes (for hot-reload)
	store.pubsub = client.Subscribe(ctx, store.channel())
	go store.listenUpdates()

	xlog.Infof("Redis config store initialized (READ-ONLY): addr=%s, prefix=%s", cfg.Addr, cfg.KeyPrefix)
	return store, nil
}

func (r *RedisStore) channel() string { return r.prefix + "config:changed" }

// listenUpdates listens for Redis pub/sub messages for config hot-reload
func (r *RedisStore) listenUpdates() {
	defer close(r.updates)
	for msg := range r.pubsub.Channel() {
		update, err := parseConfigUpdate(msg.Payload)
		if err != nil {
			xlog.Warnf("Failed to parse config update: %v", err)
			continue
		}
		select {
		case r.updates <- update:
			xlog.Infof("Received config update: type=%s", update.Type)
		default:
			xlog.Warnf("Config update channel full, dropping update")
		}
	}
}

func parseConfigUpdate(payload string) (ConfigUpdate, error) {
	var update ConfigUpdate
	err := json.Unmarshal([]byte(payload), &update)
	return update, err
}

// Updates returns a channel for receiving configuration updates. It is
// closed when the store is closed.
func (r *RedisStore) Updates() <-chan ConfigUpdate {
	if r == nil {
		return nil
	}
	return r.updates
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	if r == nil {
		return nil
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
	return r.client.Close()
}

// CheckHealth checks if Redis connection is healthy
func (r *RedisStore) CheckHealth() error {
	if r == nil {
		return ErrRedisNotEnabled
	}
	return r.client.Ping(r.ctx).Err()
}

// =============================================================================
// Queue Configuration - READ ONLY
// =============================================================================

// QueueSnapshot is the queue configuration held in Redis.
//
//	<prefix>queues:status      hash   queue -> status flags
//	<prefix>queues:fastpath    set    queues that should have a socket
//	<prefix>classifier:config  hash   listener_check -> literal|corrected
type QueueSnapshot struct {
	ListenerCheck string            `json:"listener_check,omitempty"`
	Status        map[uint32]uint32 `json:"status"`
	FastPath      []uint32          `json:"fast_path"`
}

// LoadQueueSnapshot loads queue configuration from Redis
func (r *RedisStore) LoadQueueSnapshot() (*QueueSnapshot, error) {
	if r == nil {
		return nil, ErrRedisNotEnabled
	}

	status, err := r.client.HGetAll(r.ctx, r.prefix+"queues:status").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue status: %w", err)
	}
	members, err := r.client.SMembers(r.ctx, r.prefix+"queues:fastpath").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load fast-path queues: %w", err)
	}
	clsCfg, err := r.client.HGetAll(r.ctx, r.prefix+"classifier:config").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load classifier config: %w", err)
	}
	return parseQueueSnapshot(status, members, clsCfg)
}

func parseQueueSnapshot(status map[string]string, members []string, clsCfg map[string]string) (*QueueSnapshot, error) {
	snap := &QueueSnapshot{Status: make(map[uint32]uint32, len(status))}

	for field, value := range status {
		q, err := parseQueue(field)
		if err != nil {
			return nil, fmt.Errorf("queue status field %q: %w", field, err)
		}
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("queue status %d value %q: %w", q, value, err)
		}
		snap.Status[q] = uint32(v)
	}

	for _, m := range members {
		q, err := parseQueue(m)
		if err != nil {
			return nil, fmt.Errorf("fast-path queue %q: %w", m, err)
		}
		snap.FastPath = append(snap.FastPath, q)
	}
	sort.Slice(snap.FastPath, func(i, j int) bool { return snap.FastPath[i] < snap.FastPath[j] })

	if v, ok := clsCfg["listener_check"]; ok && v != "" {
		if _, err := classifier.ParseListenerCheck(v); err != nil {
			return nil, err
		}
		snap.ListenerCheck = v
	}
	return snap, nil
}

func parseQueue(s string) (uint32, error) {
	q, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if q >= classifier.MaxQueues {
		return 0, classifier.ErrQueueOutOfRange
	}
	return uint32(q), nil
}
