package iothub

import (
	"encoding/json"
	"strconv"
	"strings"
)

// fundamentalValue narrows a CoAP payload string to its natural JSON type:
// integer, then float, then the trimmed string itself.
func fundamentalValue(s string) interface{} {
	t := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return t
}

// payloadValue decodes a raw payload: a JSON composite survives as-is,
// anything else narrows to a fundamental value.
func payloadValue(b []byte) interface{} {
	t := strings.TrimSpace(string(b))
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		var v interface{}
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			return v
		}
	}
	return fundamentalValue(t)
}
