package alert

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

type sent struct {
	message  string
	severity Severity
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recorder) NotifyOperator(_ context.Context, message string, severity Severity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{message, severity})
	return r.err
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: log.New(&buf)}

	require.NoError(t, n.NotifyOperator(context.Background(), "db restart exhausted", SeverityCritical))
	require.Contains(t, buf.String(), "[ERROR] [alert] db restart exhausted severity=critical")
}

func TestMulti(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("pager down")}

	err := Multi(a, nil, b).NotifyOperator(context.Background(), "m", SeverityWarning)
	require.ErrorContains(t, err, "pager down")
	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
}

func TestThrottled(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	rec := &recorder{}
	n := NewThrottled(rec, 2,
		WithThrottleLogger(log.Nop()),
		WithThrottleClock(func() time.Time { return clock }))
	ctx := context.Background()

	for range 5 {
		require.NoError(t, n.NotifyOperator(ctx, "api failed", SeverityCritical))
	}
	require.Len(t, rec.sent, 2)
	require.Equal(t, uint64(3), n.Suppressed())

	// A different message has its own budget.
	require.NoError(t, n.NotifyOperator(ctx, "db failed", SeverityCritical))
	require.Len(t, rec.sent, 3)

	// Tokens refill at perMinute per minute.
	clock = now.Add(30 * time.Second)
	require.NoError(t, n.NotifyOperator(ctx, "api failed", SeverityCritical))
	require.Len(t, rec.sent, 4)
}

func TestThrottled_Disabled(t *testing.T) {
	rec := &recorder{}
	n := NewThrottled(rec, 0, WithThrottleLogger(log.Nop()))
	for range 10 {
		require.NoError(t, n.NotifyOperator(context.Background(), "x", SeverityInfo))
	}
	require.Len(t, rec.sent, 10)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("Warning")
	require.NoError(t, err)
	require.Equal(t, SeverityWarning, s)

	_, err = ParseSeverity("meh")
	require.Error(t, err)
}
