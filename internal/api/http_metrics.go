package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/handwrite/internal/hwmetrics"
)

func recordAPIRequest(method, route string, status int, elapsed time.Duration) {
	statusCode := strconv.Itoa(status)

	hwmetrics.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(elapsed.Seconds())
	hwmetrics.HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()

	if status >= 400 {
		hwmetrics.HTTPRequestErrors.WithLabelValues(method, route, classifyStatus(status)).Inc()
	}
}

func classifyStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "none"
	}
}

// routeLabel returns the matched ServeMux pattern without its method, or
// "unmatched" so that unknown paths cannot grow label cardinality.
func routeLabel(r *http.Request) string {
	pattern := r.Pattern
	if pattern == "" {
		return "unmatched"
	}
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		pattern = pattern[i+1:]
	}
	return pattern
}
