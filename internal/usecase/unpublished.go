package usecase

import (
	"context"
	"time"

	"FinCascade/internal/domain/models"
	"FinCascade/pkg/cache"
)

const (
	unpublishedSize = 256
	unpublishedTTL  = 15 * time.Minute
)

// unpublishedResults keeps finished responses whose publish failed, keyed by
// request id. A redelivered request then retries only the publish instead of
// running the cascade, and spending endpoint budget, a second time.
type unpublishedResults struct {
	mem *cache.MemoryCache
}

func newUnpublishedResults() *unpublishedResults {
	return &unpublishedResults{mem: cache.NewMemoryCache(
		cache.WithMemoryMaxSize(unpublishedSize),
		cache.WithMemoryCleanup(time.Minute),
	)}
}

func (u *unpublishedResults) keep(res *models.AnalysisResponse) {
	if res == nil || res.RequestID == "" {
		return
	}
	_ = u.mem.Set(context.Background(), res.RequestID, res, unpublishedTTL)
}

// take removes and returns the kept response for id, or nil.
func (u *unpublishedResults) take(id string) *models.AnalysisResponse {
	if id == "" {
		return nil
	}
	var v interface{}
	if err := u.mem.Get(context.Background(), id, &v); err != nil {
		return nil
	}
	_ = u.mem.Delete(context.Background(), id)
	res, _ := v.(*models.AnalysisResponse)
	return res
}
