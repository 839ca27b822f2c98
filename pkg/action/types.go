// Package action defines the static and per-invocation data model shared
// by every component: the registered ActionDefinition, the per-invocation
// PlannedAction and ExecutionContext, and the ActionExecutionState the
// orchestrator produces.
package action

import (
	"encoding/json"
	"time"
)

// ErrorCategory is the closed set of failure categories every phase
// classifies a failure into. Only category and Retryable drive control
// flow; everything else on ErrorDetail is diagnostic.
type ErrorCategory string

const (
	CategoryAuthInvalid          ErrorCategory = "auth_invalid"
	CategoryAuthExpired          ErrorCategory = "auth_expired"
	CategoryRateLimitBurst       ErrorCategory = "rate_limit_burst"
	CategoryRateLimitDaily       ErrorCategory = "rate_limit_daily"
	CategoryNetworkTimeout       ErrorCategory = "network_timeout"
	CategoryNetworkConnRefused   ErrorCategory = "network_connection_refused"
	CategoryAPIResponseMalformed ErrorCategory = "api_response_malformed"
	CategoryAPIEndpointRemoved   ErrorCategory = "api_endpoint_removed"
	CategoryAPIUnexpectedStatus  ErrorCategory = "api_unexpected_status"
	CategoryAPIUnavailable       ErrorCategory = "api_unavailable"
	CategoryValidationFailed     ErrorCategory = "validation_failed"
	CategoryStateInconsistent    ErrorCategory = "state_inconsistent"
	CategoryUserCancelled        ErrorCategory = "user_cancelled"
	// Storage-specific categories, produced only by the persistence phase.
	CategoryNetworkError ErrorCategory = "network_error"
	CategoryRateLimited  ErrorCategory = "rate_limited"
	CategoryUnauthorized ErrorCategory = "unauthorized"
)

// Endpoint describes the static, registered shape of an outbound call.
type Endpoint struct {
	URLTemplate    string            `yaml:"urlTemplate" validate:"required"`
	Method         string            `yaml:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	StaticHeaders  map[string]string `yaml:"staticHeaders,omitempty"`
	Timeout        time.Duration     `yaml:"timeout" validate:"required,gt=0"`
}

// AuthKind enumerates the authentication mechanisms P4 can apply.
type AuthKind string

const (
	AuthNone   AuthKind = ""
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth2 AuthKind = "oauth2"
)

// Authentication describes how P4 should authenticate a request.
type Authentication struct {
	Kind AuthKind `yaml:"kind"`

	// Bearer / APIKey
	Token      string `yaml:"token,omitempty"`
	HeaderName string `yaml:"headerName,omitempty"` // defaults to "Authorization" for bearer, required for api_key

	// Basic
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// OAuth2 (see pkg/oauth)
	OAuth2 *OAuth2Config `yaml:"oauth2,omitempty"`
}

// OAuth2Config is the static client configuration for C6.
type OAuth2Config struct {
	ClientID     string   `yaml:"clientId" validate:"required"`
	ClientSecret string   `yaml:"clientSecret" validate:"required"`
	TokenURL     string   `yaml:"tokenUrl" validate:"required,url"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// RetryPolicy configures the retry controller's attempt budget and backoff.
type RetryPolicy struct {
	MaxAttempts       int             `yaml:"maxAttempts" validate:"required,gte=1"`
	InitialDelay      time.Duration   `yaml:"initialDelay" validate:"required,gt=0"`
	MaxDelay          time.Duration   `yaml:"maxDelay" validate:"required,gt=0"`
	BackoffMultiplier float64         `yaml:"backoffMultiplier" validate:"gt=0"`
	RetryableErrors   []ErrorCategory `yaml:"retryableErrors"`
	Jitter            bool            `yaml:"jitter"`
}

// Retryable reports whether category is in the policy's retryable set.
func (p RetryPolicy) Retryable(category ErrorCategory) bool {
	for _, c := range p.RetryableErrors {
		if c == category {
			return true
		}
	}
	return false
}

// ActionDefinition is the static, immutable-once-registered description of
// an outbound call.
type ActionDefinition struct {
	ID             string          `yaml:"id" validate:"required"`
	Endpoint       Endpoint        `yaml:"endpoint" validate:"required"`
	Authentication *Authentication `yaml:"authentication,omitempty"`
	InputSchema    json.RawMessage `yaml:"inputSchema,omitempty"`
	OutputSchema   json.RawMessage `yaml:"outputSchema,omitempty"`
	RetryPolicy    RetryPolicy     `yaml:"retryPolicy"`
}

// ErrorHandling lets a planned action override default failure behavior;
// the orchestrator only reads this, it never mutates it.
type ErrorHandling struct {
	ContinueOnFailure bool `yaml:"continueOnFailure,omitempty"`
}

// PlannedAction is one node of the workflow engine's DAG.
type PlannedAction struct {
	ID                 string                 `json:"id"`
	ActionDefinitionID string                 `json:"actionDefinitionId"`
	Inputs             map[string]interface{} `json:"inputs"`
	Dependencies       []string               `json:"dependencies"`
	ErrorHandling      *ErrorHandling         `json:"errorHandling,omitempty"`
}

// ExecutionContext carries the per-invocation runtime state: credentials
// and the results of actions this one depends on.
type ExecutionContext struct {
	ExecutionID      string
	Credentials      map[string]string
	PreviousResults  map[string]string // actionId -> JSON string
}

// Status is the ActionExecutionState lifecycle. It is terminal at
// Completed/Failed; the orchestrator is the only mutator.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Success is the terminal state of a completed action.
type Success struct {
	Output         json.RawMessage `json:"output"`
	OutputLocation *OutputLocation `json:"outputLocation,omitempty"`
}

// OutputLocation records where a successful output was persisted.
type OutputLocation struct {
	Provider              string `json:"provider"`
	Path                  string `json:"path"`
	Size                  int64  `json:"size,omitempty"`
	Checksum              string `json:"checksum,omitempty"`
	StorageFailure        bool   `json:"storageFailure,omitempty"`
	StorageErrorRetryable bool   `json:"storageErrorRetryable,omitempty"`
}

// Failure is the terminal state of a failed action.
type Failure struct {
	Error          ErrorDetail     `json:"error"`
	PartialOutput  json.RawMessage `json:"partialOutput,omitempty"`
}

// ErrorDetail is the structured failure description every phase produces.
// Only Category and Retryable drive control flow.
type ErrorDetail struct {
	Category    ErrorCategory          `json:"category"`
	Message     string                 `json:"message"`
	Code        string                 `json:"code,omitempty"`
	StatusCode  int                    `json:"statusCode,omitempty"`
	Retryable   bool                   `json:"retryable"`
	RetryAfter  *time.Duration         `json:"retryAfter,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Suggestion  string                 `json:"suggestion,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return e.Message
}

// TraceEntry is one sanitized record of a single HTTP attempt.
type TraceEntry struct {
	Attempt   int             `json:"attempt"`
	Timestamp time.Time       `json:"timestamp"`
	Request   SanitizedHTTP   `json:"request"`
	Response  *SanitizedHTTP  `json:"response,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// SanitizedHTTP is the redacted request/response shape traces carry.
type SanitizedHTTP struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// ActionExecutionState is the orchestrator-owned record of one execution
// attempt through all phases. It is exclusively owned by the orchestrator
// until terminal.
type ActionExecutionState struct {
	ID                 string        `json:"id"`
	ActionDefinitionID string        `json:"actionDefinitionId"`
	Status             Status        `json:"status"`
	StartedAt          time.Time     `json:"startedAt"`
	CompletedAt        time.Time     `json:"completedAt,omitempty"`
	Duration           time.Duration `json:"duration,omitempty"`
	Attempts           int           `json:"attempts"`
	HTTPTrace          []TraceEntry  `json:"httpTrace"`
	Success            *Success      `json:"success,omitempty"`
	Failure            *Failure      `json:"failure,omitempty"`
}
