package wire

import (
	"fmt"
	"strings"
)

// Request renders a request head: request line, the given headers in order,
// and the terminating blank line.
func Request(method, target, proto string, headers ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, target, proto)
	for _, h := range headers {
		if h == "" {
			continue
		}
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
