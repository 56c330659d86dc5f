package summary

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Markers recognised by IsAuthPayload.
var (
	authErrorKeys   = []string{"error", "errors"}
	authStatusKeys  = []string{"status", "code", "statusCode", "status_code"}
	authMarkerToken = "unauthorized"
)

const unauthorizedStatus = 401

// IsAuthPayload reports whether a frame is a structured rejection of the
// credential: a JSON object carrying an error indicator, a 401 status or code,
// or an "unauthorized" marker.
func IsAuthPayload(frame []byte) bool {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 || frame[0] != '{' {
		return false
	}

	var obj map[string]any
	if err := json.Unmarshal(frame, &obj); err != nil {
		return false
	}

	for _, key := range authErrorKeys {
		if v, ok := lookup(obj, key); ok && truthy(v) {
			return true
		}
	}
	for _, key := range authStatusKeys {
		if v, ok := lookup(obj, key); ok && isUnauthorizedStatus(v) {
			return true
		}
	}
	return hasMarker(obj)
}

func lookup(obj map[string]any, key string) (any, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return strings.TrimSpace(val) != ""
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func isUnauthorizedStatus(v any) bool {
	switch val := v.(type) {
	case float64:
		return val == unauthorizedStatus
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		return err == nil && n == unauthorizedStatus
	default:
		return false
	}
}

func hasMarker(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(val), authMarkerToken)
	case map[string]any:
		for k, child := range val {
			if strings.EqualFold(k, authMarkerToken) && truthy(child) {
				return true
			}
			if hasMarker(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if hasMarker(child) {
				return true
			}
		}
	}
	return false
}
