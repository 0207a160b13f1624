package app

import (
	"context"
	"fmt"

	"github.com/AEtherlight-ai/lumina-sub000/internal/cachemanager"
	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/eventbus"
	"github.com/AEtherlight-ai/lumina-sub000/internal/health"
	"github.com/AEtherlight-ai/lumina-sub000/internal/infrastructure/sqlite"
)

// configCheck is Degraded while persistence writes are failing; the
// in-memory values stay authoritative.
func configCheck(m *config.Manager) health.Checker {
	return health.CheckFunc(func(context.Context) (health.Report, error) {
		failures, last := m.FlushStatus()
		if failures > 0 {
			return health.Degraded(fmt.Sprintf("%d settings writes failed, last: %v", failures, last)), nil
		}
		return health.Healthy(fmt.Sprintf("%d keys", len(m.Keys()))), nil
	})
}

func cacheCheck[V any](c *cachemanager.Manager[V]) health.Checker {
	return health.CheckFunc(func(context.Context) (health.Report, error) {
		s := c.Stats()
		return health.Healthy(fmt.Sprintf("%d/%d entries, hit rate %.0f%%", s.Size, s.MaxSize, s.HitRate()*100)), nil
	})
}

func busCheck(b *eventbus.Bus) health.Checker {
	return health.CheckFunc(func(context.Context) (health.Report, error) {
		if b.Closed() {
			return health.Unhealthy("event bus closed"), nil
		}
		return health.Healthy(fmt.Sprintf("%d subscribers", b.SubscriberCount(""))), nil
	})
}

func databaseCheck(db *sqlite.DB) health.Checker {
	return health.CheckFunc(func(ctx context.Context) (health.Report, error) {
		if err := db.Connection().PingContext(ctx); err != nil {
			return health.Report{}, fmt.Errorf("pinging settings database: %w", err)
		}
		return health.Healthy(db.Path()), nil
	})
}
