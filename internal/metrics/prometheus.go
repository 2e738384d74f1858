package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP rotacap_uptime_seconds Time since the service started\n")
	sb.WriteString("# TYPE rotacap_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("rotacap_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE rotacap_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("rotacap_requests_total{endpoint=%q} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_request_errors_total Total number of error responses by endpoint\n")
	sb.WriteString("# TYPE rotacap_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("rotacap_request_errors_total{endpoint=%q} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE rotacap_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			sb.WriteString(fmt.Sprintf("rotacap_requests_in_progress{endpoint=%q} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE rotacap_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("rotacap_request_duration_ms_total{endpoint=%q} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_rate_limit_hits_total Total number of rate limit rejections\n")
	sb.WriteString("# TYPE rotacap_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("rotacap_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_sessions_created_total Challenge sessions created\n")
	sb.WriteString("# TYPE rotacap_sessions_created_total counter\n")
	sb.WriteString(fmt.Sprintf("rotacap_sessions_created_total %d\n", snap.SessionsCreated))
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_verify_attempts_total Scored verification attempts by result\n")
	sb.WriteString("# TYPE rotacap_verify_attempts_total counter\n")
	sb.WriteString(fmt.Sprintf("rotacap_verify_attempts_total{result=\"success\"} %d\n", snap.VerifySuccesses))
	sb.WriteString(fmt.Sprintf("rotacap_verify_attempts_total{result=\"failure\"} %d\n", snap.VerifyFailures))
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_sessions_expired_total Verify calls that found their session expired\n")
	sb.WriteString("# TYPE rotacap_sessions_expired_total counter\n")
	sb.WriteString(fmt.Sprintf("rotacap_sessions_expired_total %d\n", snap.SessionsExpired))
	sb.WriteString("\n")

	sb.WriteString("# HELP rotacap_sessions_reclaimed_total Expired sessions removed by the reaper\n")
	sb.WriteString("# TYPE rotacap_sessions_reclaimed_total counter\n")
	sb.WriteString(fmt.Sprintf("rotacap_sessions_reclaimed_total %d\n", snap.SessionsReclaimed))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
