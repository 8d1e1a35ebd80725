package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rahul/missionctl/internal/plan"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// Prefix namespaces every key, "mission" when empty.
	Prefix string

	ConnectTimeout time.Duration
}

// RedisStore keeps each plan as a JSON document so several processes can
// share one store. Keys:
//
//	<prefix>:plan:<id>         plan document
//	<prefix>:plan:<id>:logs    list of log entries
//	<prefix>:plan:<id>:lease   lease owner with TTL
//	<prefix>:plan:<id>:cancel  set once cancellation was requested
//	<prefix>:plans             sorted set of ids scored by creation time
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts.Prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mission"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) planKey(id string) string   { return s.prefix + ":plan:" + id }
func (s *RedisStore) logsKey(id string) string   { return s.planKey(id) + ":logs" }
func (s *RedisStore) leaseKey(id string) string  { return s.planKey(id) + ":lease" }
func (s *RedisStore) cancelKey(id string) string { return s.planKey(id) + ":cancel" }
func (s *RedisStore) indexKey() string           { return s.prefix + ":plans" }

func (s *RedisStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	key := s.planKey(p.ID)

	if p.Version == 0 {
		doc := *p
		doc.Version = 1
		doc.UpdatedAt = now
		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to insert plan %s: %w", p.ID, err)
		}
		if !ok {
			return fmt.Errorf("plan %s already exists: %w", p.ID, ErrConflict)
		}
		if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(p.CreatedAt.UnixMicro()), Member: p.ID}).Err(); err != nil {
			return fmt.Errorf("failed to index plan %s: %w", p.ID, err)
		}
		p.Version = 1
		p.UpdatedAt = now
		return nil
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var stored plan.Plan
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("failed to unmarshal plan %s: %w", p.ID, err)
		}
		if stored.Version != p.Version {
			return fmt.Errorf("plan %s at version %d: %w", p.ID, p.Version, ErrConflict)
		}

		doc := *p
		doc.Version = p.Version + 1
		doc.UpdatedAt = now
		doc.CreatedAt = stored.CreatedAt
		data, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("plan %s modified concurrently: %w", p.ID, ErrConflict)
	}
	if err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *RedisStore) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	raw, err := s.client.Get(ctx, s.planKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	var p plan.Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan %s: %w", id, err)
	}
	n, err := s.client.Exists(ctx, s.cancelKey(id)).Result()
	if err != nil {
		return nil, err
	}
	p.CancelRequested = n > 0
	return &p, nil
}

// ListPlans returns plans newest first, optionally filtered by status.
func (s *RedisStore) ListPlans(ctx context.Context, statuses ...plan.Status) ([]*plan.Plan, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	want := statusSet(statuses)
	var plans []*plan.Plan
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if want != nil && !want[p.Status] {
			continue
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (s *RedisStore) AppendLog(ctx context.Context, entry plan.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.logsKey(entry.PlanID), data).Err(); err != nil {
		return fmt.Errorf("failed to append log for %s: %w", entry.PlanID, err)
	}
	return nil
}

func (s *RedisStore) GetLogs(ctx context.Context, planID string) ([]plan.LogEntry, error) {
	raw, err := s.client.LRange(ctx, s.logsKey(planID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %s: %w", planID, err)
	}
	entries := make([]plan.LogEntry, 0, len(raw))
	for _, r := range raw {
		var e plan.LogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, planID string) error {
	n, err := s.client.Exists(ctx, s.planKey(planID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.Set(ctx, s.cancelKey(planID), "1", 0).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, planID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.planKey(planID), s.cancelKey(planID)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return n == 2, nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, planID, owner string, ttl time.Duration) error {
	key := s.leaseKey(planID)
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease for %s: %w", planID, err)
	}
	if ok {
		return nil
	}

	// Already leased: renew only when we are the holder.
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			holder = ""
		} else if err != nil {
			return err
		}
		if holder != "" && holder != owner {
			return fmt.Errorf("plan %s: %w (%s)", planID, ErrLeaseHeld, holder)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, owner, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("plan %s: %w", planID, ErrLeaseHeld)
	}
	return err
}

func (s *RedisStore) ReleaseLease(ctx context.Context, planID, owner string) error {
	key := s.leaseKey(planID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if holder != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}
