package handlers

import (
	"fmt"
	"strings"
)

// payloadString extracts a required non-empty string field from a task
// payload. Handlers fail fast on malformed payloads instead of burning
// retries on input that can never succeed downstream.
func payloadString(payload map[string]any, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload missing required field %q", key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("payload field %q must be a string", key)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("payload field %q must not be empty", key)
	}
	return value, nil
}

func payloadStringDefault(payload map[string]any, key, fallback string) string {
	if raw, ok := payload[key]; ok {
		if value, ok := raw.(string); ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return fallback
}

func payloadInt(payload map[string]any, key string, fallback int) int {
	raw, ok := payload[key]
	if !ok {
		return fallback
	}
	// JSON numbers decode as float64; accept int for callers constructing
	// payloads in-process.
	switch v := raw.(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
