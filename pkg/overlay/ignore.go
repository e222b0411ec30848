package overlay

import "strings"

// IgnoreMatcher decides which keys bypass the overlay entirely. Writes to an
// ignored key go straight to the base store even with a workspace active,
// and reads never consult the overlay.
//
// A pattern ending in `*` matches every key sharing the prefix before it;
// anything else matches exactly. Patterns ending in `.` are shorthand for
// the whole sub-namespace and are normalized to `prefix.*`.
type IgnoreMatcher struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, ".") {
			p += "*"
		}
		if strings.HasSuffix(p, "*") {
			m.prefixes = append(m.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		m.exact[p] = struct{}{}
	}
	return m
}

func (m *IgnoreMatcher) Match(key string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.exact[key]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
