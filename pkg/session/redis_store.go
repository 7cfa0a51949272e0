package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/metrics"
)

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Address      string        `yaml:"address" json:"address"`
	Password     string        `yaml:"password" json:"-"`
	Database     int           `yaml:"database" json:"database"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	KeyPrefix    string        `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultRedisConfig returns a local Redis keeping summaries for a week
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		TTL:          7 * 24 * time.Hour,
		KeyPrefix:    "voice:summary:",
	}
}

// RedisSummaryStore keeps session summaries in Redis with an index sorted
// by end time
type RedisSummaryStore struct {
	client    redis.UniversalClient
	logger    *logrus.Entry
	keyPrefix string
	ttl       time.Duration
}

// NewRedisSummaryStore connects to Redis and verifies the connection
func NewRedisSummaryStore(config RedisConfig, logger *logrus.Logger) (*RedisSummaryStore, error) {
	defaults := DefaultRedisConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis", map[string]interface{}{"address": config.Address})
	}

	store := &RedisSummaryStore{
		client:    client,
		logger:    logger.WithField("component", "redis_summary_store"),
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
	}

	store.logger.WithFields(logrus.Fields{
		"address":  config.Address,
		"database": config.Database,
		"ttl":      config.TTL,
	}).Info("Redis summary store initialized")
	return store, nil
}

// GetClient returns the underlying Redis client
func (r *RedisSummaryStore) GetClient() redis.UniversalClient {
	return r.client
}

func (r *RedisSummaryStore) Name() string { return "redis" }

// Save stores summary with the configured TTL and indexes it by end time
func (r *RedisSummaryStore) Save(ctx context.Context, summary *Summary) (err error) {
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordSummaryWrite(r.Name(), status)
	}()

	data, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session summary")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.summaryKey(summary.SessionID), data, r.ttl)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(summary.EndTime.UnixNano()),
		Member: summary.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store session summary in Redis",
			map[string]interface{}{"session_id": summary.SessionID})
	}

	r.logger.WithField("session_id", summary.SessionID).Debug("Session summary stored in Redis")
	return nil
}

// Get retrieves one summary
func (r *RedisSummaryStore) Get(ctx context.Context, sessionID string) (*Summary, error) {
	data, err := r.client.Get(ctx, r.summaryKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.NewNotFound("session summary not found", map[string]interface{}{"session_id": sessionID})
		}
		return nil, errors.Wrap(err, "failed to get session summary from Redis")
	}

	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session summary")
	}
	return &summary, nil
}

// Recent returns the newest summaries. Index entries whose summary expired
// are removed as they are found.
func (r *RedisSummaryStore) Recent(ctx context.Context, limit int) ([]*Summary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session summary index")
	}

	summaries := make([]*Summary, 0, len(ids))
	var expired []interface{}
	for _, id := range ids {
		summary, err := r.Get(ctx, id)
		if errors.IsErrorType(err, errors.ErrNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	if len(expired) > 0 {
		if err := r.client.ZRem(ctx, r.indexKey(), expired...).Err(); err != nil {
			r.logger.WithError(err).Warn("Failed to prune expired summaries from index")
		}
	}
	return summaries, nil
}

// Delete removes a summary and its index entry
func (r *RedisSummaryStore) Delete(ctx context.Context, sessionID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.summaryKey(sessionID))
	pipe.ZRem(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to delete session summary from Redis")
	}
	return nil
}

// Health pings Redis
func (r *RedisSummaryStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(errors.ErrUnavailable, "redis ping failed").WithField("cause", err.Error())
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisSummaryStore) Close() error {
	return r.client.Close()
}

func (r *RedisSummaryStore) summaryKey(sessionID string) string {
	return r.keyPrefix + sessionID
}

func (r *RedisSummaryStore) indexKey() string {
	return r.keyPrefix + "index"
}
