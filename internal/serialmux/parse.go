package serialmux

import (
	"strconv"
	"strings"
)

const (
	EventTypeWheelsCmd = "wheels_cmd"
	EventTypeConfig    = "config"
	EventTypeUnknown   = "unknown"
)

// ClassifyPayload inspects a payload string and returns a simple event type
// token. Wheel commands are JSON objects carrying vel_left/vel_right or bare
// "stamp,vel_left,vel_right" CSV rows; any other JSON object is treated as a
// config response from the bridge.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		if strings.Contains(payload, `"vel_left"`) || strings.Contains(payload, `"vel_right"`) {
			return EventTypeWheelsCmd
		}
		return EventTypeConfig
	}
	if isCSVCommand(payload) {
		return EventTypeWheelsCmd
	}
	return EventTypeUnknown
}

func isCSVCommand(payload string) bool {
	fields := strings.Split(payload, ",")
	if len(fields) != 3 {
		return false
	}
	for _, f := range fields {
		if _, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			return false
		}
	}
	return true
}
