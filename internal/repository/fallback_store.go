package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	"FinCascade/pkg/cache"

	"golang.org/x/sync/singleflight"
)

const lookupTimeout = time.Second

// CacheFallbackStore keeps the last successful payload of every stage per
// symbol set, for the degrade policy.
type CacheFallbackStore struct {
	cache  cache.Service
	ttl    time.Duration
	flight singleflight.Group
}

// NewCacheFallbackStore creates a store over c. A non-positive ttl keeps entries forever.
func NewCacheFallbackStore(c cache.Service, ttl time.Duration) *CacheFallbackStore {
	return &CacheFallbackStore{cache: c, ttl: ttl}
}

// GetLastKnownGood returns the stored payload or nil when none exists.
// Concurrent lookups for the same key share one cache read. That read runs
// under its own timeout, so one caller giving up does not fail the others.
func (s *CacheFallbackStore) GetLastKnownGood(ctx context.Context, stage models.Stage, symbols []string) (json.RawMessage, error) {
	key := fallbackKey(stage, symbols)
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		var raw string
		if err := s.cache.Get(rctx, key, &raw); err != nil {
			if errors.Is(err, cache.ErrCacheMiss) {
				return json.RawMessage(nil), nil
			}
			return nil, fmt.Errorf("fallback get %s: %w", stage, err)
		}
		return json.RawMessage(raw), nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fallback get %s: %w", stage, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		payload, _ := r.Val.(json.RawMessage)
		if len(payload) == 0 {
			return nil, nil
		}
		return payload, nil
	}
}

// Remember stores payload as the latest good result for stage.
func (s *CacheFallbackStore) Remember(ctx context.Context, stage models.Stage, symbols []string, payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	if err := s.cache.Set(ctx, fallbackKey(stage, symbols), string(payload), s.ttl); err != nil {
		return fmt.Errorf("fallback set %s: %w", stage, err)
	}
	return nil
}

// fallbackKey ignores symbol order.
func fallbackKey(stage models.Stage, symbols []string) string {
	sorted := append([]string(nil), symbols...)
	for i := range sorted {
		sorted[i] = strings.ToUpper(strings.TrimSpace(sorted[i]))
	}
	sort.Strings(sorted)
	return cache.Key("lkg", string(stage), cache.Digest(strings.Join(sorted, ",")))
}

var _ domrepo.FallbackStore = (*CacheFallbackStore)(nil)
