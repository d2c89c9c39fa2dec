package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeSSE frames a canonical event for the client-facing stream:
//
//	event: <variant>\n
//	data: <json>\n\n
//
// The data payload is the event record itself.
func EncodeSSE(evt Event) ([]byte, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", evt.Kind(), err)
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 32)
	fmt.Fprintf(&buf, "event: %s\n", evt.Kind())
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}
