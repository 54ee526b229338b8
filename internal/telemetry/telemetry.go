// Package telemetry ships best-effort property bags to the service registry
// and usage collectors.
package telemetry

import (
	"strconv"
	"time"
)

// Reporter accepts one property bag. It returns false when the report was
// not delivered; callers never retry.
type Reporter interface {
	ReportProperties(props map[string]string) bool
}

// Event names carried in the "event" property.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventFlow         = "flow"
	EventCapacity     = "capacity"
	EventFallback     = "fallback"
)

// Nop drops every report.
type Nop struct{}

func (Nop) ReportProperties(map[string]string) bool { return true }

// SessionStart describes an authenticated LOGIN.
func SessionStart(sessionKey string, appType int32, started time.Time, tcpUniqueID string) map[string]string {
	return map[string]string{
		"event":       EventSessionStart,
		"sessionKey":  sessionKey,
		"appType":     strconv.Itoa(int(appType)),
		"startTime":   strconv.FormatInt(started.UnixMilli(), 10),
		"tcpUniqueId": tcpUniqueID,
	}
}

// SessionEnd pairs with SessionStart through tcpUniqueID and carries the
// connection's traffic counters.
func SessionEnd(sessionKey, tcpUniqueID string, ended time.Time, flow map[string]string) map[string]string {
	props := map[string]string{
		"event":       EventSessionEnd,
		"sessionKey":  sessionKey,
		"endTime":     strconv.FormatInt(ended.UnixMilli(), 10),
		"tcpUniqueId": tcpUniqueID,
	}
	for k, v := range flow {
		props[k] = v
	}
	return props
}

// Fallback records the single teardown notification of a session.
func Fallback(sessionKey, tcpUniqueID, kind, reason string) map[string]string {
	return map[string]string{
		"event":       EventFallback,
		"sessionKey":  sessionKey,
		"tcpUniqueId": tcpUniqueID,
		"kind":        kind,
		"reason":      reason,
	}
}

// Capacity reports pool utilization. Exhaustion is advisory only.
func Capacity(used, capacity int, extra map[string]string) map[string]string {
	percent := 0.0
	if capacity > 0 {
		percent = float64(used) / float64(capacity) * 100
	}
	props := map[string]string{
		"event":     EventCapacity,
		"used":      strconv.Itoa(used),
		"capacity":  strconv.Itoa(capacity),
		"percent":   strconv.FormatFloat(percent, 'f', 2, 64),
		"exhausted": strconv.FormatBool(capacity > 0 && used >= capacity),
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

// Flow reports aggregate traffic.
func Flow(flow map[string]string, open int) map[string]string {
	props := map[string]string{
		"event":       EventFlow,
		"connections": strconv.Itoa(open),
	}
	for k, v := range flow {
		props[k] = v
	}
	return props
}
