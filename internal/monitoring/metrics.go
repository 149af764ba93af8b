// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Total and successful request counts
//   - streams:            Streaming relays started and finished
//   - aborts:             Cancellations delivered vs failed, by trigger
//   - tool_events:        Tool activity lines surfaced to clients
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	successes atomic.Int64
	streams   atomic.Int64

	// Abort counters
	abortsExplicit atomic.Int64
	abortsPassive  atomic.Int64
	abortsFailed   atomic.Int64

	// Relay counters
	toolEvents   atomic.Int64
	retries      atomic.Int64
	outputTokens atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
	}
}

// RecordRequest records a completed request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordStream records a streaming relay.
func (mc *MetricsCollector) RecordStream() { mc.streams.Add(1) }

// RecordAbort records a delivered cancellation by trigger.
func (mc *MetricsCollector) RecordAbort(trigger string) {
	if trigger == "passive" {
		mc.abortsPassive.Add(1)
		return
	}
	mc.abortsExplicit.Add(1)
}

// RecordAbortFailure records a cancellation that could not be delivered.
func (mc *MetricsCollector) RecordAbortFailure() { mc.abortsFailed.Add(1) }

// RecordToolEvents records tool activity lines surfaced during one relay.
func (mc *MetricsCollector) RecordToolEvents(n int) { mc.toolEvents.Add(int64(n)) }

// RecordRetry records an upstream retry attempt.
func (mc *MetricsCollector) RecordRetry() { mc.retries.Add(1) }

// RecordOutputTokens records the estimated token count of one relayed response.
func (mc *MetricsCollector) RecordOutputTokens(n int) { mc.outputTokens.Add(int64(n)) }

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)
	requests := mc.requests.Load()
	successes := mc.successes.Load()

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:      requests,
			Successful: successes,
			Failed:     requests - successes,
			Streams:    mc.streams.Load(),
			Retries:    mc.retries.Load(),
		},
		Aborts: AbortStats{
			Explicit: mc.abortsExplicit.Load(),
			Passive:  mc.abortsPassive.Load(),
			Failed:   mc.abortsFailed.Load(),
		},
		Relay: RelayStats{
			ToolEvents:      mc.toolEvents.Load(),
			OutputTokensEst: mc.outputTokens.Load(),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartedAt     string       `json:"started_at"`
	Requests      RequestStats `json:"requests"`
	Aborts        AbortStats   `json:"aborts"`
	Relay         RelayStats   `json:"relay"`
	RecentRuns    []RunRecord  `json:"recent_runs,omitempty"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Streams    int64 `json:"streams"`
	Retries    int64 `json:"retries"`
}

// AbortStats holds cancellation delivery metrics.
type AbortStats struct {
	Explicit int64 `json:"explicit"`
	Passive  int64 `json:"passive"`
	Failed   int64 `json:"failed"`
}

// RelayStats holds streaming relay metrics.
type RelayStats struct {
	ToolEvents      int64 `json:"tool_events"`
	OutputTokensEst int64 `json:"output_tokens_estimated"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
