// Package naming provides collision-free ordinal counters and the name
// sanitization used for every object created on the cluster.
package naming

import (
	"strings"
)

// MaxNameLength is the longest name accepted for DNS-1123 labels.
const MaxNameLength = 63

// NumberSource hands out monotonically increasing numbers starting at a
// configured value. It is not safe for concurrent use; each concern
// (container ordinals, workflow ordinals, ports) owns its own instance.
type NumberSource struct {
	next int
}

// NewNumberSource creates a source whose first number is start.
func NewNumberSource(start int) *NumberSource {
	return &NumberSource{next: start}
}

// Next returns the current number and advances the source.
func (s *NumberSource) Next() int {
	n := s.next
	s.next++
	return n
}

// Peek returns the number the next call to Next will return.
func (s *NumberSource) Peek() int {
	return s.next
}

var replacer = strings.NewReplacer(
	" ", "-",
	":", "-",
	"/", "-",
	"\\", "-",
	"[", "-",
	"]", "-",
	",", "-",
)

// FormatClusterName turns a human readable string into a name usable for
// cluster objects. The mapping is lossy and deterministic.
func FormatClusterName(s string) string {
	out := replacer.Replace(strings.ToLower(s))
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	return strings.Trim(out, "-")
}

// Truncate shortens a formatted name to max characters without leaving a
// trailing dash.
func Truncate(name string, max int) string {
	if len(name) <= max {
		return name
	}
	return strings.TrimRight(name[:max], "-")
}
