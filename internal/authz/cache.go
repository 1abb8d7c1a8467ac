package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CacheObserver records cache hit/miss outcomes.
type CacheObserver interface {
	ObserveCacheLookup(hit bool)
}

// FeatureSetCache keeps materialized UserFeatureSets in Redis so hot request
// paths do not touch Postgres. The cached set is advisory only: it can be
// dropped at any time, and a stale read is bounded by the set's own TTL.
type FeatureSetCache struct {
	client   *redis.Client
	resolver *Resolver
	group    singleflight.Group
	prefix   string
	observer CacheObserver
}

// NewFeatureSetCache wires the cache over a redis client and the resolver
// used for misses.
func NewFeatureSetCache(client *redis.Client, resolver *Resolver) *FeatureSetCache {
	return &FeatureSetCache{
		client:   client,
		resolver: resolver,
		prefix:   "authz:featureset:",
	}
}

// SetObserver attaches a hit/miss recorder. Nil disables observation.
func (c *FeatureSetCache) SetObserver(observer CacheObserver) {
	c.observer = observer
}

func (c *FeatureSetCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(hit)
	}
}

func (c *FeatureSetCache) key(userID uuid.UUID) string {
	return c.prefix + userID.String()
}

// Get returns the identity's feature set, recomputing through the resolver
// on a miss or when the stored set has outlived its own expiry. Concurrent
// misses for the same user collapse into one recomputation.
func (c *FeatureSetCache) Get(ctx context.Context, userID uuid.UUID, roleName string) (*UserFeatureSet, error) {
	payload, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err == nil {
		var set UserFeatureSet
		if err := json.Unmarshal(payload, &set); err == nil && set.Role == roleName && !set.Expired(time.Now()) {
			c.observe(true)
			return &set, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("authz: feature set cache read: %w", err)
	}
	c.observe(false)

	v, err, _ := c.group.Do(c.key(userID), func() (any, error) {
		set, err := c.resolver.BuildUserFeatureSet(ctx, userID, roleName)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(set)
		if err != nil {
			return nil, err
		}
		ttl := time.Until(set.ExpiresAt)
		if ttl > 0 {
			if err := c.client.Set(ctx, c.key(userID), data, ttl).Err(); err != nil {
				return nil, fmt.Errorf("authz: feature set cache write: %w", err)
			}
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserFeatureSet), nil
}

// InvalidateUser drops one identity's cached set. Called after any grant,
// deny, or revoke touching that user.
func (c *FeatureSetCache) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("authz: feature set invalidate: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached set. Called after catalogue-level edits
// (role, permission, feature, or role-binding changes) whose blast radius is
// every identity.
func (c *FeatureSetCache) InvalidateAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("authz: feature set scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("authz: feature set invalidate all: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
