// Package redisregistry is an implementation of registry.Store that uses
// Redis hashes with expiring keys.
package redisregistry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dogmatiq/orchestra/registry"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the default prefix applied to all Redis keys.
const DefaultKeyPrefix = "orchestra:"

// Registry is a worker registry stored in Redis.
//
// Each worker is stored as a hash that expires when its lease lapses. The set
// of worker IDs is stored separately, and stale members are removed lazily by
// Query().
type Registry struct {
	// Client is the Redis client. The caller owns its lifecycle.
	Client redis.Cmdable

	// KeyPrefix is prepended to every key. If it is empty, DefaultKeyPrefix
	// is used.
	KeyPrefix string
}

var _ registry.Store = (*Registry)(nil)

// Register adds or replaces a worker registration.
func (r *Registry) Register(ctx context.Context, w registry.WorkerDescriptor) error {
	key := r.workerKey(w.ID)

	pipe := r.Client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, marshalWorker(w))
	pipe.PExpireAt(ctx, key, w.LeaseExpiresAt)
	pipe.SAdd(ctx, r.idsKey(), w.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to register worker %s: %w", w.ID, err)
	}

	return nil
}

// Heartbeat renews a worker's lease and reports its current load.
func (r *Registry) Heartbeat(
	ctx context.Context,
	id string,
	load int,
	leaseExpiresAt time.Time,
) error {
	key := r.workerKey(id)

	n, err := r.Client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("unable to renew lease for worker %s: %w", id, err)
	}
	if n == 0 {
		return registry.ErrWorkerNotFound
	}

	pipe := r.Client.TxPipeline()
	pipe.HSet(
		ctx,
		key,
		"load", strconv.Itoa(load),
		"lease", leaseExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.PExpireAt(ctx, key, leaseExpiresAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to renew lease for worker %s: %w", id, err)
	}

	return nil
}

// Deregister removes a worker registration.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	pipe := r.Client.TxPipeline()
	del := pipe.Del(ctx, r.workerKey(id))
	pipe.SRem(ctx, r.idsKey(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to deregister worker %s: %w", id, err)
	}

	if del.Val() == 0 {
		return registry.ErrWorkerNotFound
	}

	return nil
}

// Query returns the live workers that satisfy q.
func (r *Registry) Query(
	ctx context.Context,
	q registry.Query,
) ([]registry.WorkerDescriptor, error) {
	ids, err := r.Client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to query workers: %w", err)
	}

	var (
		candidates []registry.WorkerDescriptor
		stale      []any
	)

	for _, id := range ids {
		vals, err := r.Client.HGetAll(ctx, r.workerKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to query workers: %w", err)
		}

		if len(vals) == 0 {
			stale = append(stale, id)
			continue
		}

		w, err := unmarshalWorker(vals)
		if err != nil {
			return nil, fmt.Errorf("unable to query workers: worker %s: %w", id, err)
		}

		candidates = append(candidates, w)
	}

	if len(stale) != 0 {
		if err := r.Client.SRem(ctx, r.idsKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("unable to remove expired workers: %w", err)
		}
	}

	return registry.Filter(candidates, q), nil
}

func (r *Registry) prefix() string {
	if r.KeyPrefix != "" {
		return r.KeyPrefix
	}

	return DefaultKeyPrefix
}

func (r *Registry) idsKey() string {
	return r.prefix() + "workers"
}

func (r *Registry) workerKey(id string) string {
	return r.prefix() + "worker:" + id
}

func marshalWorker(w registry.WorkerDescriptor) map[string]any {
	return map[string]any{
		"id":           w.ID,
		"address":      w.Address,
		"capabilities": strings.Join(w.Capabilities, ","),
		"load":         strconv.Itoa(w.CurrentLoad),
		"lease":        w.LeaseExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

func unmarshalWorker(m map[string]string) (registry.WorkerDescriptor, error) {
	load, err := strconv.Atoi(m["load"])
	if err != nil {
		return registry.WorkerDescriptor{}, fmt.Errorf("invalid load: %w", err)
	}

	lease, err := time.Parse(time.RFC3339Nano, m["lease"])
	if err != nil {
		return registry.WorkerDescriptor{}, fmt.Errorf("invalid lease: %w", err)
	}

	var caps []string
	if c := m["capabilities"]; c != "" {
		caps = strings.Split(c, ",")
	}

	return registry.WorkerDescriptor{
		ID:             m["id"],
		Address:        m["address"],
		Capabilities:   caps,
		CurrentLoad:    load,
		LeaseExpiresAt: lease,
	}, nil
}
