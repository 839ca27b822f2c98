// Package trace redacts HTTP request/response pairs into the
// action.SanitizedHTTP shape the executor persists and returns to callers.
// Nothing under this package ever logs or stores an unsanitized header or
// body; redaction happens once, at the boundary where a live *http.Request
// or *http.Response is turned into a record.
package trace

import (
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/jordigilh/actionrunner/pkg/action"
)

const (
	// maxBodyBytes is the truncation point applied after redaction; bodies
	// longer than this are cut and annotated.
	maxBodyBytes = 1024

	truncationMarker = "...[truncated]"
	redactedValue    = "[REDACTED]"
)

// headerAllowList are headers whose values are never sensitive and are
// passed through verbatim (still length-capped).
var headerAllowList = map[string]bool{
	"content-type":   true,
	"accept":         true,
	"user-agent":     true,
	"content-length": true,
	"host":           true,
	"connection":     true,
	"cache-control":  true,
}

// headerDenyPatterns match header names that must always be redacted, even
// if they also happen to match the allow list (deny wins). Patterns use
// "*" as a wildcard.
var headerDenyPatterns = []string{
	"*api-key*",
	"*auth*",
	"*token*",
	"*secret*",
	"*key*",
	"authorization",
	"cookie",
	"set-cookie",
	"x-csrf-token",
}

// bodyCredentialPatterns match credential-shaped substrings inside a body
// so they are redacted even when the body isn't a JSON document (form
// encoding, plain text error pages, etc).
var bodyCredentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)("(?:password|token|secret|api_?key|access_?token|refresh_?token|client_?secret|authorization)"\s*:\s*)"[^"]*"`),
	regexp.MustCompile(`(?i)(Bearer\s+)\S+`),
	regexp.MustCompile(`(?i)(Basic\s+)\S+`),
	regexp.MustCompile(`(?i)((?:password|token|secret|api_?key|access_?token|refresh_?token|client_?secret)=)[^&\s]+`),
}

// errorContextAllowList is the only set of response-body fields allowed
// into an ErrorDetail's context map; every other field is dropped outright
// rather than redacted, since error bodies can contain arbitrary upstream
// payloads.
var errorContextAllowList = []string{"error", "error_code", "error_type", "status", "code"}

const errorContextFieldCap = 100

func matchesAny(patterns []string, name string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if globMatch(strings.ToLower(p), lower) {
			return true
		}
	}
	return false
}

// globMatch supports a single "*" wildcard semantics via strings.Contains
// for patterns shaped like "*substr*", "*suffix", "prefix*", or an exact
// match when there is no "*" at all.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	prefix := strings.HasPrefix(pattern, "*")
	suffix := strings.HasSuffix(pattern, "*")
	core := strings.Trim(pattern, "*")
	switch {
	case prefix && suffix:
		return strings.Contains(s, core)
	case suffix:
		return strings.HasPrefix(s, core)
	case prefix:
		return strings.HasSuffix(s, core)
	default:
		mid := strings.SplitN(pattern, "*", 2)
		return strings.HasPrefix(s, mid[0]) && strings.HasSuffix(s, mid[1])
	}
}

// SanitizeURL strips query and fragment, keeping only scheme, host, and
// path. A URL that fails to parse is replaced with a fixed placeholder
// rather than risk leaking a raw credential embedded in userinfo.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[invalid-url]"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.Scheme + "://" + u.Host + u.Path
}

// SanitizeHeaders redacts deny-listed headers and passes every other
// header through, capped at 100 characters.
func SanitizeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		lower := strings.ToLower(name)
		switch {
		case matchesAny(headerDenyPatterns, lower):
			out[name] = redactedValue
		case headerAllowList[lower]:
			out[name] = capString(value, 100)
		default:
			out[name] = capString(value, 100)
		}
	}
	return out
}

func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + truncationMarker
}

// SanitizeBody redacts credential-shaped substrings and then truncates the
// result to maxBodyBytes.
func SanitizeBody(body []byte) string {
	s := string(body)
	for _, re := range bodyCredentialPatterns {
		s = re.ReplaceAllString(s, "${1}"+redactedValue)
	}
	if len(s) > maxBodyBytes {
		s = s[:maxBodyBytes] + truncationMarker
	}
	return s
}

// Request turns a live *http.Request into its sanitized record. The
// request body is not consumed here; callers that need the body
// sanitized must pass its bytes explicitly via RequestWithBody.
func Request(req *http.Request) action.SanitizedHTTP {
	return action.SanitizedHTTP{
		URL:     SanitizeURL(req.URL.String()),
		Method:  req.Method,
		Headers: SanitizeHeaders(req.Header),
	}
}

// RequestWithBody is Request plus a sanitized body, for callers that
// buffered the request body before sending.
func RequestWithBody(req *http.Request, body []byte) action.SanitizedHTTP {
	s := Request(req)
	s.Body = SanitizeBody(body)
	return s
}

// Response turns a live *http.Response plus its already-read body into a
// sanitized record. The caller is responsible for having read (and
// typically restored, via io.NopCloser) resp.Body before calling this.
func Response(resp *http.Response, body []byte) action.SanitizedHTTP {
	return action.SanitizedHTTP{
		URL:        SanitizeURL(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
		Headers:    SanitizeHeaders(resp.Header),
		Body:       SanitizeBody(body),
	}
}

// ReadAndSanitizeResponse reads resp.Body fully and returns both the
// sanitized record and the raw bytes, so callers can still parse the
// unsanitized payload for output extraction while only ever persisting
// the sanitized form.
func ReadAndSanitizeResponse(resp *http.Response) (action.SanitizedHTTP, []byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return action.SanitizedHTTP{}, nil, err
	}
	return Response(resp, raw), raw, nil
}

// ErrorContext filters an upstream error-body map down to the allow-listed
// fields, each capped at errorContextFieldCap characters. Fields not on
// the allow list are dropped, not redacted, since nothing downstream needs
// them and upstream error bodies are not schema-constrained.
func ErrorContext(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for _, key := range errorContextAllowList {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			out[key] = capString(s, errorContextFieldCap)
			continue
		}
		out[key] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
