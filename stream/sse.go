package stream

import (
	"fmt"
	"io"
	"strings"
)

// writeSSE frames one server-sent event. Multi-line payloads split into one
// `data:` line each, per the SSE wire format; a blank line terminates the
// event. id and event are omitted when empty.
func writeSSE(w io.Writer, id, event, data string) error {
	var b strings.Builder

	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

// writeSSEComment writes a comment line, used as a liveness ping. Compliant
// clients ignore it.
func writeSSEComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}
