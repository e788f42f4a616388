package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"deltabridge/internal/apperr"
)

// classifyHTTPStatus maps a broker HTTP response to the §7 gateway failure
// taxonomy so every call site gets a consistent apperr.Kind regardless of
// which broker endpoint produced it.
func classifyHTTPStatus(status int, body string) *apperr.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.New(apperr.KindRateLimited, "broker rate limit exceeded")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.KindAuthExpired, "broker session expired or unauthorized")
	case status == http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, "broker resource not found")
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return apperr.New(apperr.KindRejectedByBroker, "broker rejected request: "+truncate(body, 200))
	case status >= 500:
		return apperr.New(apperr.KindTransport, "broker server error")
	default:
		return apperr.New(apperr.KindMalformed, "unexpected broker response")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// classifyTransportErr distinguishes context cancellation from genuine
// network failures.
func classifyTransportErr(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindShutdownRequested, "gateway call cancelled", err)
	}
	if strings.Contains(err.Error(), "timeout") {
		return apperr.Wrap(apperr.KindTransport, "broker call timed out", err)
	}
	return apperr.Wrap(apperr.KindTransport, "broker transport failure", err)
}
