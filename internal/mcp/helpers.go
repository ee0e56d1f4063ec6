package mcp

import (
	"errors"
	"fmt"
	"time"

	"tourdebug-mcp-server/internal/protocol"
)

// pageResult turns a page response into a tool result. Error responses
// become tool errors carrying the page's message verbatim.
func pageResult(resp protocol.Response) (interface{}, error) {
	if resp.Failed() {
		return nil, errors.New(resp.ErrorText())
	}
	data := resp.Data
	if len(data) == 0 {
		data = protocol.Null
	}
	return map[string]interface{}{"data": data}, nil
}

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getTimeArg parses an optional RFC3339 argument. Absent means the zero time.
func getTimeArg(args map[string]interface{}, key string) (time.Time, error) {
	raw := getStringArg(args, key)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: want an RFC3339 time, got %q", key, raw)
	}
	return ts, nil
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}
