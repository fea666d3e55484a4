package forwarder

import (
	"context"
	"errors"
	"strings"
)

// classifyError maps a forward attempt's outcome to §4.8's error-type
// vocabulary: "rate_limit" | "overloaded" | "timeout" | "". statusCode is
// the upstream status (0 if the request never got a response), body is the
// (possibly partial) response body read so far.
func classifyError(ctx context.Context, statusCode int, body string, transportErr error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "timeout"
	}
	if transportErr != nil && isTimeoutErr(transportErr) {
		return "timeout"
	}
	lower := strings.ToLower(body)
	switch {
	case statusCode == 429 || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "rate limit"):
		return "rate_limit"
	case statusCode == 503 || strings.Contains(lower, "overloaded"):
		return "overloaded"
	case strings.Contains(lower, "timeout"):
		return "timeout"
	default:
		return ""
	}
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "timeout")
}
