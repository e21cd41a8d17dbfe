package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FinCascade/internal/domain/models"
	domrepo "FinCascade/internal/domain/repository"
	"FinCascade/pkg/cache"
)

// CacheResultStore keeps finished asynchronous runs for polling clients.
type CacheResultStore struct {
	cache cache.Service
	ttl   time.Duration
}

// NewCacheResultStore creates a store over c.
func NewCacheResultStore(c cache.Service, ttl time.Duration) *CacheResultStore {
	return &CacheResultStore{cache: c, ttl: ttl}
}

func (s *CacheResultStore) PublishResult(ctx context.Context, res *models.AnalysisResponse) error {
	if res == nil || res.RequestID == "" {
		return fmt.Errorf("result without request id")
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.cache.Set(ctx, resultKey(res.RequestID), string(b), s.ttl); err != nil {
		return fmt.Errorf("store result %s: %w", res.RequestID, err)
	}
	return nil
}

func (s *CacheResultStore) GetResult(ctx context.Context, requestID string) (*models.AnalysisResponse, error) {
	var raw string
	if err := s.cache.Get(ctx, resultKey(requestID), &raw); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("get result %s: %w", requestID, err)
	}
	var res models.AnalysisResponse
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", requestID, err)
	}
	return &res, nil
}

func resultKey(requestID string) string {
	return cache.Key("result", requestID)
}

// ResultPublishers delivers a result to every publisher; one failing
// publisher does not stop the others.
type ResultPublishers []domrepo.ResultPublisher

func (ps ResultPublishers) PublishResult(ctx context.Context, res *models.AnalysisResponse) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.PublishResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domrepo.ResultPublisher = (*CacheResultStore)(nil)
	_ domrepo.ResultReader    = (*CacheResultStore)(nil)
	_ domrepo.ResultPublisher = ResultPublishers(nil)
)
