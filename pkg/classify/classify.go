// Package classify maps raw transport and HTTP failures onto the closed
// action.ErrorCategory set, deciding retryability and a backoff hint for
// each one. It is the single place that translates "what actually
// happened on the wire" into "what the rest of the system is allowed to
// do about it".
package classify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/jx"

	"github.com/jordigilh/actionrunner/pkg/action"
)

// Network classifies a transport-level error that occurred before any
// HTTP response was received (connect failures, timeouts, TLS errors,
// DNS failures, context cancellation).
func Network(err error) *action.ErrorDetail {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return withSubtype(action.CategoryNetworkTimeout, "request timed out", true, "deadline_exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return &action.ErrorDetail{
			Category:  action.CategoryUserCancelled,
			Message:   "request was cancelled",
			Retryable: false,
			Context:   map[string]interface{}{"errorSubtype": "context_canceled"},
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return withSubtype(action.CategoryNetworkTimeout, "network operation timed out", true, "net_timeout")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return withSubtype(action.CategoryNetworkConnRefused, "DNS resolution failed: "+dnsErr.Err, true, "dns_failure")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return withSubtype(action.CategoryNetworkConnRefused, "connection refused", true, "connection_refused")
		}
	}

	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return withSubtype(action.CategoryNetworkConnRefused, "TLS handshake failed: "+tlsErr.Error(), false, "tls_handshake_error")
	}

	return withSubtype(action.CategoryNetworkConnRefused, "network error: "+err.Error(), true, "unknown_network_error")
}

func withSubtype(category action.ErrorCategory, message string, retryable bool, subtype string) *action.ErrorDetail {
	return &action.ErrorDetail{
		Category:  category,
		Message:   message,
		Retryable: retryable,
		Context:   map[string]interface{}{"errorSubtype": subtype},
	}
}

// HTTPStatus classifies a received HTTP response by status code.
func HTTPStatus(resp *http.Response) *action.ErrorDetail {
	if resp.StatusCode < 400 {
		return nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return statusError(resp, action.CategoryAuthInvalid, "authentication rejected", false, "unauthorized")
	case http.StatusForbidden:
		return statusError(resp, action.CategoryAuthExpired, "authentication expired or insufficient", false, "forbidden")
	case http.StatusTooManyRequests:
		detail := statusError(resp, action.CategoryRateLimitBurst, "rate limit exceeded", true, "too_many_requests")
		if ra := parseRetryAfter(resp); ra != nil {
			detail.RetryAfter = ra
		}
		return detail
	case http.StatusServiceUnavailable:
		detail := statusError(resp, action.CategoryAPIUnavailable, "service unavailable", true, "service_unavailable")
		if ra := parseRetryAfter(resp); ra != nil {
			detail.RetryAfter = ra
		}
		return detail
	case http.StatusNotImplemented:
		return statusError(resp, action.CategoryAPIUnexpectedStatus, "endpoint not implemented", false, "not_implemented")
	case http.StatusHTTPVersionNotSupported:
		return statusError(resp, action.CategoryAPIUnexpectedStatus, "unsupported HTTP version", false, "http_version_not_supported")
	default:
		switch {
		case resp.StatusCode >= 500:
			return statusError(resp, action.CategoryAPIUnexpectedStatus, "server error", true, "other_5xx")
		default:
			return statusError(resp, action.CategoryAPIUnexpectedStatus, "unexpected client error", false, "other_4xx")
		}
	}
}

func statusError(resp *http.Response, category action.ErrorCategory, message string, retryable bool, subtype string) *action.ErrorDetail {
	return &action.ErrorDetail{
		Category:   category,
		Message:    message,
		StatusCode: resp.StatusCode,
		Retryable:  retryable,
		Context:    map[string]interface{}{"errorSubtype": subtype},
	}
}

func parseRetryAfter(resp *http.Response) *time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return nil
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return &secs
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// JSONParseFailure classifies a failure to decode a response body as
// JSON.
func JSONParseFailure(err error) *action.ErrorDetail {
	return withSubtype(action.CategoryAPIResponseMalformed, "response body is not valid JSON: "+err.Error(), false, "json_parse_failure")
}

// IsWellFormedJSON reports whether raw is syntactically valid JSON. It
// uses go-faster/jx's streaming decoder rather than a full
// encoding/json.Unmarshal, so a malformed body can be rejected before
// committing to a schema-validated decode. It does not check size.
func IsWellFormedJSON(raw []byte) bool {
	return jx.DecodeBytes(raw).Validate() == nil
}
