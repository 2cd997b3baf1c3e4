package provider

import (
	"context"
	"log/slog"
	"sync"
)

// Catalog caches the set of model identifiers the aggregator currently
// serves. The executor refreshes it when a request fails with
// model_not_found, so newly published models become routable without a
// process restart.
type Catalog struct {
	fetch  func(ctx context.Context) ([]string, error)
	logger *slog.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewCatalog builds a catalog backed by the given fetch function,
// typically OpenRouterClient.ListModelIDs.
func NewCatalog(fetch func(ctx context.Context) ([]string, error), logger *slog.Logger) *Catalog {
	return &Catalog{
		fetch:  fetch,
		logger: logger,
		ids:    make(map[string]struct{}),
	}
}

// Contains reports whether the model appeared in the last refresh. The
// executor consults it after a refresh to decide whether a
// model_not_found failure is worth one more attempt.
func (c *Catalog) Contains(modelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[modelID]
	return ok
}

// Refresh re-fetches the model list. Concurrent callers each perform
// their own fetch; the last write wins, which is fine since the data is
// the same upstream list.
func (c *Catalog) Refresh(ctx context.Context) error {
	ids, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.mu.Lock()
	c.ids = set
	c.mu.Unlock()
	c.logger.Info("model catalog refreshed", "models", len(ids))
	return nil
}
