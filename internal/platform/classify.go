package platform

import (
	"net/http"
	"strings"
)

// IsRetryableStatus reports whether an HTTP status is worth retrying later.
func IsRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || (code >= 500 && code <= 599)
}

// Classify maps a non-2xx post response to an outcome kind.
func Classify(code int, body string) PostOutcome {
	out := PostOutcome{StatusCode: code, Detail: body}
	switch {
	case code >= 200 && code < 300:
		out.Kind = OutcomeSent
	case code == http.StatusUnauthorized:
		out.Kind = OutcomeAuthError
	case IsRetryableStatus(code):
		out.Kind = OutcomeRetryable
	case code == http.StatusForbidden && isDuplicate(body):
		out.Kind = OutcomePermanent
		out.Duplicate = true
	default:
		out.Kind = OutcomePermanent
	}
	return out
}

func isDuplicate(body string) bool {
	return strings.Contains(strings.ToLower(body), "duplicate")
}
