// Package rediscache puts a Redis read-through cache in front of a
// permissions.Store. Capability lists and masking rules are cached; every
// write through the decorator drops the affected keys.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"yardops.org/internal/obs"
	"yardops.org/internal/permissions"
)

const (
	defaultPrefix = "yardops"
	defaultTTL    = 30 * time.Second
	allModules    = "_all"
)

// Store decorates a permissions.Store. Methods not overridden here pass
// straight through to the backend.
type Store struct {
	permissions.Store

	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ permissions.Store = (*Store)(nil)

type Option func(*Store)

// WithTTL sets how long cached entries live. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPrefix namespaces the cache keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

func New(backend permissions.Store, rdb redis.UniversalClient, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("rediscache: backend store is required")
	}
	if rdb == nil {
		return nil, errors.New("rediscache: redis client is required")
	}
	s := &Store{Store: backend, rdb: rdb, ttl: defaultTTL, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) capsKey(userID string) string {
	return s.prefix + ":caps:" + userID
}

func (s *Store) maskingKey(module string) string {
	module = strings.ToLower(strings.TrimSpace(module))
	if module == "" {
		module = allModules
	}
	return s.prefix + ":masking:" + module
}

func (s *Store) ListUserCapabilities(ctx context.Context, userID string) ([]permissions.EnhancedCapability, error) {
	key := s.capsKey(userID)
	var cached []permissions.EnhancedCapability
	if s.load(ctx, key, &cached) {
		return cached, nil
	}
	caps, err := s.Store.ListUserCapabilities(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, caps)
	return caps, nil
}

func (s *Store) CreateCapability(ctx context.Context, c permissions.EnhancedCapability) (permissions.EnhancedCapability, error) {
	out, err := s.Store.CreateCapability(ctx, c)
	if err != nil {
		return out, err
	}
	s.forget(ctx, s.capsKey(out.UserID))
	return out, nil
}

func (s *Store) UpdateCapability(ctx context.Context, c permissions.EnhancedCapability) (permissions.EnhancedCapability, error) {
	out, err := s.Store.UpdateCapability(ctx, c)
	if err != nil {
		return out, err
	}
	s.forget(ctx, s.capsKey(out.UserID))
	return out, nil
}

func (s *Store) DeleteCapability(ctx context.Context, id string) (permissions.EnhancedCapability, error) {
	out, err := s.Store.DeleteCapability(ctx, id)
	if err != nil {
		return out, err
	}
	s.forget(ctx, s.capsKey(out.UserID))
	return out, nil
}

func (s *Store) ReplaceUserCapabilities(ctx context.Context, userID string, caps []permissions.EnhancedCapability) ([]permissions.EnhancedCapability, error) {
	out, err := s.Store.ReplaceUserCapabilities(ctx, userID, caps)
	if err != nil {
		return nil, err
	}
	s.forget(ctx, s.capsKey(userID))
	return out, nil
}

func (s *Store) DeleteExpiredCapabilities(ctx context.Context, before time.Time) ([]permissions.EnhancedCapability, error) {
	removed, err := s.Store.DeleteExpiredCapabilities(ctx, before)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(removed))
	keys := make([]string, 0, len(removed))
	for _, c := range removed {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		keys = append(keys, s.capsKey(c.UserID))
	}
	s.forget(ctx, keys...)
	return removed, nil
}

func (s *Store) ListMaskingRules(ctx context.Context, module string) ([]permissions.DataMaskingRule, error) {
	key := s.maskingKey(module)
	var cached []permissions.DataMaskingRule
	if s.load(ctx, key, &cached) {
		return cached, nil
	}
	rules, err := s.Store.ListMaskingRules(ctx, module)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, rules)
	return rules, nil
}

func (s *Store) CreateMaskingRule(ctx context.Context, r permissions.DataMaskingRule) (permissions.DataMaskingRule, error) {
	out, err := s.Store.CreateMaskingRule(ctx, r)
	if err != nil {
		return out, err
	}
	s.forgetMasking(ctx)
	return out, nil
}

func (s *Store) UpdateMaskingRule(ctx context.Context, r permissions.DataMaskingRule) (permissions.DataMaskingRule, error) {
	out, err := s.Store.UpdateMaskingRule(ctx, r)
	if err != nil {
		return out, err
	}
	s.forgetMasking(ctx)
	return out, nil
}

func (s *Store) DeleteMaskingRule(ctx context.Context, id string) error {
	if err := s.Store.DeleteMaskingRule(ctx, id); err != nil {
		return err
	}
	s.forgetMasking(ctx)
	return nil
}

// load reports a hit only when the key exists and decodes. Redis failures
// count as misses so the backend stays authoritative.
func (s *Store) load(ctx context.Context, key string, dst any) bool {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			obs.Logger().WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		obs.ObserveCacheLookup(false)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		obs.Logger().WarnContext(ctx, "cache entry corrupt", "key", key, "error", err)
		obs.ObserveCacheLookup(false)
		return false
	}
	obs.ObserveCacheLookup(true)
	return true
}

func (s *Store) save(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		obs.Logger().WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

func (s *Store) forget(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		obs.Logger().WarnContext(ctx, "cache invalidation failed", "keys", keys, "error", err)
	}
}

// forgetMasking drops every cached masking list, since a rule change can
// affect both its module entry and the all-modules entry.
func (s *Store) forgetMasking(ctx context.Context) {
	var (
		cursor uint64
		keys   []string
	)
	match := s.prefix + ":masking:*"
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			obs.Logger().WarnContext(ctx, "cache scan failed", "match", match, "error", err)
			return
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	s.forget(ctx, keys...)
}
