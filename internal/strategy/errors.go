// Package strategy owns the error taxonomy, retry-strategy selection with
// backoff families, and challenge-pattern learning.
package strategy

import "strings"

// ErrorKind is the closed set of failure classes.
type ErrorKind string

const (
	ErrorNetwork  ErrorKind = "network"
	ErrorSelector ErrorKind = "selector"
	ErrorTimeout  ErrorKind = "timeout"
	Error403      ErrorKind = "403"
	Error500      ErrorKind = "500"
	ErrorOther    ErrorKind = "other"
)

// ClassifyError maps an error message onto the taxonomy by substring.
func ClassifyError(message string) ErrorKind {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return ErrorTimeout
	case strings.Contains(m, "selector") || strings.Contains(m, "element") || strings.Contains(m, "not found"):
		return ErrorSelector
	case strings.Contains(m, "network") || strings.Contains(m, "connection"):
		return ErrorNetwork
	case strings.Contains(m, "403") || strings.Contains(m, "forbidden"):
		return Error403
	case strings.Contains(m, "500") || strings.Contains(m, "internal server error"):
		return Error500
	}
	return ErrorOther
}

// nonRetryableFragments short-circuit retries regardless of strategy.
var nonRetryableFragments = []string{"not found", "invalid", "forbidden"}

func isNonRetryableMessage(message string) bool {
	m := strings.ToLower(message)
	for _, frag := range nonRetryableFragments {
		if strings.Contains(m, frag) {
			return true
		}
	}
	return false
}
