// Package safety gates the MCP tools: a name filter decides which virtual
// machines are reachable, a confirmation tracker guards tools that power
// machines off or rewrite their network settings, and an audit logger
// records every call.
package safety

import "path"

// Filter controls access to machines by name using an allowlist and a
// denylist of path.Match glob patterns.
//
// A name matching any denylist pattern is refused. Otherwise it is allowed
// when the allowlist is empty or one of its patterns matches.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter returns a Filter. Either list may be nil.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// IsAllowed reports whether name is permitted by this filter. A nil Filter
// allows everything.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}

	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}

	return false
}

// Allowed returns the names that pass the filter, in order.
func (f *Filter) Allowed(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if f.IsAllowed(n) {
			out = append(out, n)
		}
	}
	return out
}

// matchGlob treats malformed patterns as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := path.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
