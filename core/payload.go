package core

import (
	"encoding/json"
	"fmt"
)

// PayloadText renders an opaque step payload as text for agents that speak
// plain text: strings pass through, byte slices are decoded, everything else
// is encoded as JSON.
func PayloadText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}

	return string(b)
}
