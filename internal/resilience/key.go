package resilience

import (
	"strconv"
	"strings"
)

// Key builds a cache or coalescing key from a namespace and ordered parts.
// Each part is length-prefixed, so distinct part lists never collide even when
// the parts themselves contain the separator.
func Key(namespace string, parts ...string) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, p := range parts {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}
