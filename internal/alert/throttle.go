package alert

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// Throttled drops repeats of the same alert beyond a per-minute budget so a
// flapping service cannot flood the operator. Each severity and message
// pair has its own token bucket.
type Throttled struct {
	next   Notifier
	limit  rate.Limit
	burst  int
	logger log.Logger
	now    func() time.Time

	mu         sync.Mutex
	byKey      map[string]*bucket
	hits       uint64
	idleTTL    time.Duration
	suppressed uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ThrottleOption configures a Throttled notifier.
type ThrottleOption func(*Throttled)

func WithThrottleLogger(l log.Logger) ThrottleOption {
	return func(t *Throttled) { t.logger = l }
}

// WithThrottleClock replaces the time source.
func WithThrottleClock(now func() time.Time) ThrottleOption {
	return func(t *Throttled) { t.now = now }
}

// NewThrottled allows perMinute alerts per key with a burst of the same
// size. A non-positive perMinute disables throttling.
func NewThrottled(next Notifier, perMinute int, opts ...ThrottleOption) *Throttled {
	t := &Throttled{
		next:    next,
		limit:   rate.Inf,
		burst:   1,
		logger:  log.Default(),
		now:     time.Now,
		byKey:   make(map[string]*bucket),
		idleTTL: 10 * time.Minute,
	}
	if perMinute > 0 {
		t.limit = rate.Limit(float64(perMinute) / 60)
		t.burst = perMinute
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Throttled) NotifyOperator(ctx context.Context, message string, severity Severity) error {
	if !t.allow(severity.String()+"|"+message, t.now()) {
		t.logger.Log(log.LevelDebug, log.CatAlert, "alert suppressed", "severity", severity, "message", message)
		return nil
	}
	return t.next.NotifyOperator(ctx, message, severity)
}

func (t *Throttled) allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	if !allowed {
		t.suppressed++
	}

	t.hits++
	if t.hits%512 == 0 {
		cutoff := now.Add(-t.idleTTL)
		for k, v := range t.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(t.byKey, k)
			}
		}
	}
	return allowed
}

// Suppressed returns how many alerts were dropped.
func (t *Throttled) Suppressed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suppressed
}
