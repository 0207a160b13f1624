package eventbus

import (
	"slices"
	"time"
)

// history is a bounded, chronological event log. When full, the oldest
// event is dropped; with retainCritical the oldest non-critical one is
// dropped instead, as long as one exists.
type history struct {
	events         []Event
	capacity       int
	retainCritical bool
}

func newHistory(capacity int, retainCritical bool) *history {
	return &history{
		events:         make([]Event, 0, min(capacity, 1024)),
		capacity:       capacity,
		retainCritical: retainCritical,
	}
}

func (h *history) add(ev Event) {
	if h.capacity <= 0 {
		return
	}
	if len(h.events) >= h.capacity {
		victim := 0
		if h.retainCritical {
			if i := slices.IndexFunc(h.events, func(e Event) bool { return e.Priority != PriorityCritical }); i >= 0 {
				victim = i
			}
		}
		h.events = slices.Delete(h.events, victim, victim+1)
	}
	h.events = append(h.events, ev)
}

func (h *history) len() int { return len(h.events) }

// Filter selects events from history. Zero fields match everything.
type Filter struct {
	// Pattern uses subscription pattern syntax.
	Pattern     string
	MinPriority Priority
	Since       time.Time
	// Limit keeps only the most recent matches.
	Limit int
}

func (h *history) query(f Filter) []Event {
	var p *pattern
	if f.Pattern != "" {
		parsed, err := parsePattern(f.Pattern)
		if err != nil {
			return nil
		}
		p = &parsed
	}

	out := make([]Event, 0)
	for _, ev := range h.events {
		if p != nil && !p.matches(ev.Type) {
			continue
		}
		if ev.Priority < f.MinPriority {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
