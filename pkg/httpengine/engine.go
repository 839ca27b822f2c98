// Package httpengine performs a single HTTP attempt for a planned action:
// building the request, applying authentication, enforcing a response-size
// cap, and producing a sanitized trace entry regardless of outcome.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/classify"
	"github.com/jordigilh/actionrunner/pkg/trace"
)

// defaultMaxResponseBytes caps the amount of response body read into
// memory for a single attempt, regardless of what Content-Length claims.
const defaultMaxResponseBytes = 50 * 1024 * 1024

// TokenSource resolves a bearer token for an OAuth2-authenticated action.
// pkg/oauth.Manager satisfies this.
type TokenSource interface {
	Token(ctx context.Context, cfg action.OAuth2Config) (string, *action.ErrorDetail)
}

// Engine executes one HTTP attempt at a time.
type Engine struct {
	client           *http.Client
	tokens           TokenSource
	maxResponseBytes int64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMaxResponseBytes overrides the default response-size cap.
func WithMaxResponseBytes(n int64) Option {
	return func(e *Engine) { e.maxResponseBytes = n }
}

// New constructs an Engine. tokens may be nil if no registered action
// uses OAuth2 authentication.
func New(client *http.Client, tokens TokenSource, opts ...Option) *Engine {
	e := &Engine{client: client, tokens: tokens, maxResponseBytes: defaultMaxResponseBytes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is the result of one attempt.
type Outcome struct {
	Entry  action.TraceEntry
	Output json.RawMessage // only set on success
	Err    *action.ErrorDetail
}

// Execute performs one HTTP attempt against def using inputs (already
// reference-resolved) and ctx's credentials, producing a sanitized trace
// entry and either a decoded output or a classified error. attempt is the
// 1-based attempt number recorded on the trace entry.
func (e *Engine) Execute(reqCtx context.Context, attempt int, def action.ActionDefinition, inputs map[string]interface{}, execCtx action.ExecutionContext) Outcome {
	timestamp := time.Now()

	// withEntry records a failure that happens before a request exists,
	// using the sanitized URL template and method as the request record.
	withEntry := func(out Outcome) Outcome {
		request := action.SanitizedHTTP{URL: trace.SanitizeURL(def.Endpoint.URLTemplate), Method: def.Endpoint.Method}
		out.Entry = action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: request, Error: out.Err}
		return out
	}

	url, err := buildURL(def.Endpoint.URLTemplate, inputs)
	if err != nil {
		err = errors.Wrap(err, "build request url")
		return withEntry(Outcome{Err: &action.ErrorDetail{
			Category:  action.CategoryValidationFailed,
			Message:   err.Error(),
			Retryable: false,
		}})
	}

	body, err := json.Marshal(inputs)
	if err != nil {
		err = errors.Wrap(err, "encode request body")
		return withEntry(Outcome{Err: &action.ErrorDetail{
			Category:  action.CategoryValidationFailed,
			Message:   err.Error(),
			Retryable: false,
		}})
	}

	attemptCtx, cancel := context.WithTimeout(reqCtx, def.Endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, def.Endpoint.Method, url, bytes.NewReader(body))
	if err != nil {
		err = errors.Wrap(err, "build request")
		return withEntry(Outcome{Err: &action.ErrorDetail{
			Category:  action.CategoryValidationFailed,
			Message:   err.Error(),
			Retryable: false,
		}})
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range def.Endpoint.StaticHeaders {
		req.Header.Set(k, v)
	}

	if errDetail := e.authenticate(attemptCtx, req, def.Authentication, execCtx); errDetail != nil {
		requestEntry := trace.RequestWithBody(req, body)
		return Outcome{
			Entry: action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestEntry, Error: errDetail},
			Err:   errDetail,
		}
	}

	requestRecord := trace.RequestWithBody(req, body)

	resp, err := e.client.Do(req)
	if err != nil {
		errDetail := classify.Network(err)
		return Outcome{
			Entry: action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestRecord, Error: errDetail},
			Err:   errDetail,
		}
	}
	defer resp.Body.Close()

	raw, sizeErr := e.readCapped(resp)
	if sizeErr != nil {
		responseRecord := trace.Response(resp, nil)
		return Outcome{
			Entry: action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestRecord, Response: &responseRecord, Error: sizeErr},
			Err:   sizeErr,
		}
	}

	responseRecord := trace.Response(resp, raw)

	if errDetail := classify.HTTPStatus(resp); errDetail != nil {
		errDetail.Context = mergeContext(errDetail.Context, trace.ErrorContext(decodeLoosely(raw)))
		return Outcome{
			Entry: action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestRecord, Response: &responseRecord, Error: errDetail},
			Err:   errDetail,
		}
	}

	if len(raw) > 0 && !classify.IsWellFormedJSON(raw) {
		errDetail := classify.JSONParseFailure(fmt.Errorf("body is not valid JSON"))
		return Outcome{
			Entry: action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestRecord, Response: &responseRecord, Error: errDetail},
			Err:   errDetail,
		}
	}

	return Outcome{
		Entry:  action.TraceEntry{Attempt: attempt, Timestamp: timestamp, Request: requestRecord, Response: &responseRecord},
		Output: json.RawMessage(raw),
	}
}

func (e *Engine) authenticate(ctx context.Context, req *http.Request, auth *action.Authentication, execCtx action.ExecutionContext) *action.ErrorDetail {
	if auth == nil || auth.Kind == action.AuthNone {
		return nil
	}
	switch auth.Kind {
	case action.AuthBearer:
		header := auth.HeaderName
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, "Bearer "+resolveCredential(auth.Token, execCtx))
	case action.AuthBasic:
		req.SetBasicAuth(resolveCredential(auth.Username, execCtx), resolveCredential(auth.Password, execCtx))
	case action.AuthAPIKey:
		if auth.HeaderName == "" {
			return &action.ErrorDetail{Category: action.CategoryValidationFailed, Message: "api_key authentication requires headerName", Retryable: false}
		}
		req.Header.Set(auth.HeaderName, resolveCredential(auth.Token, execCtx))
	case action.AuthOAuth2:
		if auth.OAuth2 == nil {
			return &action.ErrorDetail{Category: action.CategoryValidationFailed, Message: "oauth2 authentication requires oauth2 config", Retryable: false}
		}
		if e.tokens == nil {
			return &action.ErrorDetail{Category: action.CategoryValidationFailed, Message: "no OAuth2 token source configured", Retryable: false}
		}
		token, errDetail := e.tokens.Token(ctx, *auth.OAuth2)
		if errDetail != nil {
			return errDetail
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// resolveCredential substitutes a "${credentials.name}" reference against
// execCtx.Credentials, or returns raw unchanged if it is not a reference.
func resolveCredential(raw string, execCtx action.ExecutionContext) string {
	const prefix, suffix = "${credentials.", "}"
	if strings.HasPrefix(raw, prefix) && strings.HasSuffix(raw, suffix) {
		name := strings.TrimSuffix(strings.TrimPrefix(raw, prefix), suffix)
		return execCtx.Credentials[name]
	}
	return raw
}

func buildURL(template string, inputs map[string]interface{}) (string, error) {
	result := template
	for k, v := range inputs {
		placeholder := "{" + k + "}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", v))
		}
	}
	if strings.Contains(result, "{") && strings.Contains(result, "}") {
		return "", errors.Newf("unresolved placeholder in URL template %q", template)
	}
	return result, nil
}

func (e *Engine) readCapped(resp *http.Response) ([]byte, *action.ErrorDetail) {
	if resp.ContentLength > 0 && resp.ContentLength > e.maxResponseBytes {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryAPIUnexpectedStatus,
			Message:   fmt.Sprintf("response Content-Length %d exceeds cap %d", resp.ContentLength, e.maxResponseBytes),
			Retryable: false,
			Context:   map[string]interface{}{"errorSubtype": "response_too_large", "capBytes": e.maxResponseBytes},
		}
	}

	limited := io.LimitReader(resp.Body, e.maxResponseBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryNetworkTimeout,
			Message:   fmt.Sprintf("reading response body: %v", err),
			Retryable: true,
		}
	}
	if int64(len(raw)) > e.maxResponseBytes {
		return nil, &action.ErrorDetail{
			Category:  action.CategoryAPIUnexpectedStatus,
			Message:   fmt.Sprintf("response body exceeds cap %d bytes", e.maxResponseBytes),
			Retryable: false,
			Context:   map[string]interface{}{"errorSubtype": "response_too_large", "capBytes": e.maxResponseBytes},
		}
	}
	return raw, nil
}

func decodeLoosely(raw []byte) map[string]interface{} {
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func mergeContext(base, extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]interface{}, len(extra))
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
