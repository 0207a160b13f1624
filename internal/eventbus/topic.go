package eventbus

import (
	"errors"
	"strings"
)

const (
	wildcardSingle = "*"
	wildcardMulti  = "**"
)

// ErrInvalidPattern is returned for empty patterns or empty segments.
var ErrInvalidPattern = errors.New("eventbus: invalid subscription pattern")

// pattern is a dot-separated subscription pattern. "*" matches exactly one
// segment and "**" matches zero or more.
type pattern struct {
	raw      string
	segments []string
	literal  bool
}

func parsePattern(s string) (pattern, error) {
	if s == "" {
		return pattern{}, ErrInvalidPattern
	}
	segs := strings.Split(s, ".")
	literal := true
	for _, seg := range segs {
		if seg == "" {
			return pattern{}, ErrInvalidPattern
		}
		if seg == wildcardSingle || seg == wildcardMulti {
			literal = false
		} else if strings.Contains(seg, "*") {
			return pattern{}, ErrInvalidPattern
		}
	}
	return pattern{raw: s, segments: segs, literal: literal}, nil
}

func (p pattern) matches(eventType string) bool {
	if p.literal {
		return p.raw == eventType
	}
	return matchSegments(strings.Split(eventType, "."), p.segments)
}

func matchSegments(topic, pattern []string) bool {
	ti, pi := 0, 0

	for pi < len(pattern) {
		if pattern[pi] == wildcardMulti {
			// Try every possible length for the ** run.
			for ; ti <= len(topic); ti++ {
				if matchSegments(topic[ti:], pattern[pi+1:]) {
					return true
				}
			}
			return false
		}

		if ti >= len(topic) {
			return false
		}
		if pattern[pi] != wildcardSingle && pattern[pi] != topic[ti] {
			return false
		}
		ti++
		pi++
	}

	return ti == len(topic)
}

// Match reports whether eventType matches the subscription pattern.
func Match(patternStr, eventType string) bool {
	p, err := parsePattern(patternStr)
	if err != nil {
		return false
	}
	return p.matches(eventType)
}
