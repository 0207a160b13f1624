package config

import (
	"context"
	"fmt"

	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
)

// scheduleFlush writes one key to the layer's store without blocking the
// caller. Only the newest write per key reaches the store; an older flush
// that has not started yet is skipped.
func (m *Manager) scheduleFlush(layer Layer, key string, value any) {
	store, ok := m.stores[layer]
	if !ok {
		return
	}

	fk := flushKey{layer: layer, key: key}
	m.flushMu.Lock()
	m.flushSeq[fk]++
	seq := m.flushSeq[fk]
	m.inflight[fk]++
	m.flushMu.Unlock()

	m.flushWG.Add(1)
	log.SafeGo("config-flush", func() {
		defer m.flushWG.Done()
		defer m.finishFlush(fk)

		m.storeMu[layer].Lock()
		defer m.storeMu[layer].Unlock()

		if m.stale(fk, seq) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.flushTimeout)
		defer cancel()

		if err := store.WriteOne(ctx, key, value); err != nil {
			m.recordFlushFailure(layer, key, err)
			return
		}
		m.logger.Log(log.LevelDebug, log.CatStore, "config flushed", "layer", layer, "key", key)
	})
}

func (m *Manager) stale(fk flushKey, seq uint64) bool {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushSeq[fk] != seq
}

func (m *Manager) finishFlush(fk flushKey) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.inflight[fk]--
	if m.inflight[fk] <= 0 {
		delete(m.inflight, fk)
	}
}

// flushPending reports whether a flush for key is queued or running.
func (m *Manager) flushPending(layer Layer, key string) bool {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.inflight[flushKey{layer: layer, key: key}] > 0
}

func (m *Manager) recordFlushFailure(layer Layer, key string, err error) {
	m.flushMu.Lock()
	m.flushFailures++
	m.lastFlushErr = fmt.Errorf("flush %s to %s layer: %w", key, layer, err)
	m.flushMu.Unlock()

	m.metrics.FlushFailed(layer.String())
	log.Err(m.logger, log.CatStore, "config flush failed", err, "layer", layer, "key", key)
}

// FlushStatus returns how many flushes failed and the most recent failure.
// The in-memory value stays authoritative after a failed flush.
func (m *Manager) FlushStatus() (failures int, last error) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	return m.flushFailures, m.lastFlushErr
}

// WaitForFlush blocks until every scheduled flush has finished or ctx ends.
func (m *Manager) WaitForFlush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.flushWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose waits for pending flushes so nothing is lost at shutdown.
func (m *Manager) Dispose(ctx context.Context) error {
	return m.WaitForFlush(ctx)
}
