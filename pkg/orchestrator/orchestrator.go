// Package orchestrator drives one planned action through its full
// execution pipeline: resolve its definition, resolve references,
// validate inputs, execute the HTTP call (with retry and circuit
// breaking), validate the output, and persist it — deduplicating
// concurrent or repeated submissions of the same tuple along the way.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/breaker"
	"github.com/jordigilh/actionrunner/pkg/dedup"
	"github.com/jordigilh/actionrunner/pkg/httpengine"
	"github.com/jordigilh/actionrunner/pkg/metrics"
	"github.com/jordigilh/actionrunner/pkg/resolve"
	"github.com/jordigilh/actionrunner/pkg/retry"
	"github.com/jordigilh/actionrunner/pkg/schema"
	"github.com/jordigilh/actionrunner/pkg/shared/logging"
	"github.com/jordigilh/actionrunner/pkg/storage"
)

// ApiCatalog resolves a registered action definition by ID.
type ApiCatalog interface {
	Get(ctx context.Context, id string) (*action.ActionDefinition, error)
}

// EventSink emits a terminal execution event at most once.
type EventSink interface {
	Send(ctx context.Context, eventName string, payload action.ActionExecutionState)
}

const (
	EventCompleted = "action.completed"
	EventFailed    = "action.failed"
)

// engineAttempter adapts httpengine.Engine's Outcome shape onto
// retry.Attempter's AttemptResult, since the two packages intentionally
// don't import each other (retry stays testable against a fake attempter).
type engineAttempter struct {
	engine *httpengine.Engine
}

func (a *engineAttempter) Execute(ctx context.Context, attempt int, def action.ActionDefinition, inputs map[string]interface{}, execCtx action.ExecutionContext) retry.AttemptResult {
	out := a.engine.Execute(ctx, attempt, def, inputs, execCtx)
	return retry.AttemptResult{Entry: out.Entry, Output: []byte(out.Output), Err: out.Err}
}

// Orchestrator wires every component (C1-C9) together behind the linear
// phase pipeline. One Orchestrator instance is shared across all
// concurrent executions in a process; per-execution state lives entirely
// on the stack of Execute's call.
type Orchestrator struct {
	catalog   ApiCatalog
	breakers  *breaker.Registry
	engine    *httpengine.Engine
	dedup     dedup.Cache
	primary   storage.StorageProvider
	ephemeral *storage.EphemeralProvider
	logger    logging.Logger
	events    EventSink

	schemaMu    sync.Mutex
	schemaCache map[string]*schema.Validator
}

// New constructs an Orchestrator. httpClient defaults to
// http.DefaultClient if nil. primary may be nil, in which case every
// execution's output is persisted to the ephemeral in-memory fallback
// directly. tokens may be nil if no registered action uses OAuth2.
func New(catalog ApiCatalog, breakerCfg breaker.Config, tokens httpengine.TokenSource, httpClient *http.Client, dedupCache dedup.Cache, primary storage.StorageProvider, logger logging.Logger, events EventSink) *Orchestrator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	cfg := breakerCfg
	baseOnStateChange := cfg.OnStateChange
	cfg.OnStateChange = func(host string, from, to breaker.State) {
		metrics.ObserveBreakerStateChange(host, to.String())
		if baseOnStateChange != nil {
			baseOnStateChange(host, from, to)
		}
	}

	return &Orchestrator{
		catalog:     catalog,
		breakers:    breaker.NewRegistry(cfg),
		engine:      httpengine.New(httpClient, tokens),
		dedup:       dedupCache,
		primary:     primary,
		ephemeral:   storage.NewEphemeralProvider(),
		logger:      logger,
		events:      events,
		schemaCache: make(map[string]*schema.Validator),
	}
}

func (o *Orchestrator) logInfo(msg string, fields logging.Fields) {
	if o.logger != nil {
		o.logger.Info(msg, fields)
	}
}

func (o *Orchestrator) logWarn(msg string, fields logging.Fields) {
	if o.logger != nil {
		o.logger.Warn(msg, fields)
	}
}

// sendEvent emits a terminal event at most once; events is optional since
// not every deployment needs completion/failure notifications.
func (o *Orchestrator) sendEvent(ctx context.Context, name string, state action.ActionExecutionState) {
	if o.events != nil {
		o.events.Send(ctx, name, state)
	}
}

// Execute runs planned through every phase, coalescing with any
// concurrent or recently-completed execution of the same deduplication
// key, and returns the terminal ActionExecutionState.
func (o *Orchestrator) Execute(ctx context.Context, planned action.PlannedAction, execCtx action.ExecutionContext) (*action.ActionExecutionState, error) {
	key, err := action.DeduplicationKey(planned.ActionDefinitionID, planned.Inputs, planned.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compute deduplication key: %w", err)
	}

	entry, leader, err := o.dedup.TryLead(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: dedup TryLead: %w", err)
	}

	if !leader {
		metrics.ObserveDedupOutcome(outcomeLabel(entry))
		followed, followErr := o.followExisting(ctx, key, entry)
		if followErr == nil {
			return followed, nil
		}
		o.logWarn("dedup follow failed, executing fresh", logging.NewFields().Operation("dedup_follow").Error(followErr))
	} else {
		metrics.ObserveDedupOutcome("led")
	}

	state := o.run(ctx, planned, execCtx)

	if state.Status == action.StatusCompleted {
		if payload, err := json.Marshal(state); err == nil {
			if err := o.dedup.MarkCompleted(ctx, key, string(payload)); err != nil {
				o.logWarn("dedup MarkCompleted failed", logging.NewFields().Operation("dedup_mark").Error(err))
			}
		}
		o.sendEvent(ctx, EventCompleted, *state)
	} else {
		msg := "execution failed"
		if state.Failure != nil {
			msg = state.Failure.Error.Message
		}
		if err := o.dedup.MarkFailed(ctx, key, msg); err != nil {
			o.logWarn("dedup MarkFailed failed", logging.NewFields().Operation("dedup_mark").Error(err))
		}
		o.sendEvent(ctx, EventFailed, *state)
	}

	metrics.ObserveRetryAttempts(state.Attempts)

	return state, nil
}

func outcomeLabel(entry *dedup.Entry) string {
	if entry == nil {
		return "followed"
	}
	if entry.State == dedup.StateCompleted || entry.State == dedup.StateFailed {
		return "replayed"
	}
	return "followed"
}

// followExisting handles the non-leader path: an already-terminal entry
// is returned immediately; a pending entry is followed until it
// terminates or the follow timeout elapses.
func (o *Orchestrator) followExisting(ctx context.Context, key string, entry *dedup.Entry) (*action.ActionExecutionState, error) {
	if entry != nil && entry.State != dedup.StatePending {
		return stateFromEntry(entry)
	}

	final, err := dedup.Follow(ctx, o.dedup, key)
	if err != nil {
		return nil, err
	}
	return stateFromEntry(final)
}

func stateFromEntry(entry *dedup.Entry) (*action.ActionExecutionState, error) {
	if entry == nil {
		return nil, fmt.Errorf("orchestrator: no terminal result available from leader")
	}
	switch entry.State {
	case dedup.StateCompleted:
		var state action.ActionExecutionState
		if err := json.Unmarshal([]byte(entry.Result), &state); err != nil {
			return nil, fmt.Errorf("orchestrator: decode replayed completed state: %w", err)
		}
		return &state, nil
	case dedup.StateFailed:
		return nil, fmt.Errorf("orchestrator: leader execution failed: %s", entry.FailedWith)
	default:
		return nil, fmt.Errorf("orchestrator: leader execution still pending")
	}
}

// run executes the eight linear phases for planned, never returning early
// except on a phase error (terminal failure) or full success.
func (o *Orchestrator) run(ctx context.Context, planned action.PlannedAction, execCtx action.ExecutionContext) *action.ActionExecutionState {
	state := &action.ActionExecutionState{
		ID:                 uuid.NewString(),
		ActionDefinitionID: planned.ActionDefinitionID,
		Status:             action.StatusRunning,
		StartedAt:          time.Now(),
	}

	fail := func(category action.ErrorCategory, message string, retryable bool) *action.ActionExecutionState {
		return o.finalizeFailure(state, &action.ErrorDetail{Category: category, Message: message, Retryable: retryable})
	}

	// P1: resolve action definition.
	def, err := o.catalog.Get(ctx, planned.ActionDefinitionID)
	if err != nil {
		return fail(action.CategoryValidationFailed, fmt.Sprintf("resolve action definition: %v", err), false)
	}

	// P2: resolve references.
	resolvedInputs, err := resolve.Resolve(planned.Inputs, planned.Dependencies, execCtx.PreviousResults)
	if err != nil {
		return fail(classifyResolutionError(err), err.Error(), false)
	}

	// P3: validate inputs.
	if len(def.InputSchema) > 0 {
		validator, err := o.schemaFor(def.ID+":input", def.InputSchema)
		if err != nil {
			return fail(action.CategoryValidationFailed, fmt.Sprintf("compile input schema: %v", err), false)
		}
		result := validator.Validate(ctx, resolvedInputs)
		if !result.Valid {
			return fail(action.CategoryValidationFailed, fmt.Sprintf("input validation failed: %v", result.Errors), false)
		}
	}

	// P4 + P5: prepare request and execute with retry, fronted by this
	// endpoint's circuit breaker.
	host := hostOf(def.Endpoint.URLTemplate)
	controller := retry.New(&engineAttempter{engine: o.engine}, o.breakers.For(host))
	outcome := controller.Run(ctx, *def, resolvedInputs, execCtx)
	state.Attempts = len(outcome.Trace)
	state.HTTPTrace = outcome.Trace

	if outcome.Err != nil {
		return o.finalizeFailureWithPartial(state, outcome.Err, lastResponseBody(outcome.Trace))
	}

	// P6: process response (the engine already confirmed well-formed JSON
	// for non-empty 2xx bodies).
	output := outcome.Output
	if len(output) == 0 {
		output = []byte("null")
	}

	// P7: validate output.
	if len(def.OutputSchema) > 0 {
		validator, err := o.schemaFor(def.ID+":output", def.OutputSchema)
		if err != nil {
			return fail(action.CategoryValidationFailed, fmt.Sprintf("compile output schema: %v", err), false)
		}
		result := validator.ValidateRaw(ctx, output)
		if !result.Valid {
			return o.finalizeFailureWithPartial(state, &action.ErrorDetail{
				Category:  action.CategoryValidationFailed,
				Message:   fmt.Sprintf("output validation failed: %v", result.Errors),
				Retryable: false,
			}, output)
		}
	}

	// P8: persist output. Storage failure never invalidates the
	// successful HTTP call; it falls back to an ephemeral location.
	location := storage.PutWithFallback(ctx, o.primary, o.ephemeral, state.ID, def.ID, output, isRetryableStorageError)
	if location.StorageFailure {
		o.logWarn("storage persist failed, output recorded ephemerally", logging.NewFields().
			Operation("persist_output").
			Resource("action", def.ID))
	}

	state.Status = action.StatusCompleted
	state.CompletedAt = time.Now()
	state.Duration = state.CompletedAt.Sub(state.StartedAt)
	state.Success = &action.Success{Output: json.RawMessage(output), OutputLocation: location}

	o.logInfo("action execution completed", logging.NewFields().
		Operation("execute").
		Resource("action", def.ID).
		Duration(state.Duration))

	return state
}

func (o *Orchestrator) finalizeFailure(state *action.ActionExecutionState, errDetail *action.ErrorDetail) *action.ActionExecutionState {
	return o.finalizeFailureWithPartial(state, errDetail, nil)
}

func (o *Orchestrator) finalizeFailureWithPartial(state *action.ActionExecutionState, errDetail *action.ErrorDetail, partial json.RawMessage) *action.ActionExecutionState {
	state.Status = action.StatusFailed
	state.CompletedAt = time.Now()
	state.Duration = state.CompletedAt.Sub(state.StartedAt)
	state.Failure = &action.Failure{Error: *errDetail, PartialOutput: partial}
	return state
}

func (o *Orchestrator) schemaFor(cacheKey string, raw json.RawMessage) (*schema.Validator, error) {
	o.schemaMu.Lock()
	if v, ok := o.schemaCache[cacheKey]; ok {
		o.schemaMu.Unlock()
		return v, nil
	}
	o.schemaMu.Unlock()

	v, err := schema.Compile(raw)
	if err != nil {
		return nil, err
	}

	o.schemaMu.Lock()
	o.schemaCache[cacheKey] = v
	o.schemaMu.Unlock()
	return v, nil
}

// classifyResolutionError maps a resolve.ResolutionError's reason onto the
// two categories the reference-resolution phase may produce: an
// undeclared dependency or a cyclic reference is a caller mistake
// (validation_failed); a missing upstream result is a runtime state
// mismatch between the planner and the orchestrator (state_inconsistent).
func classifyResolutionError(err error) action.ErrorCategory {
	resErr, ok := err.(*resolve.ResolutionError)
	if !ok {
		return action.CategoryValidationFailed
	}
	switch {
	case strings.Contains(resErr.Reason, "not a declared dependency"), strings.Contains(resErr.Reason, "cyclic reference"):
		return action.CategoryValidationFailed
	default:
		return action.CategoryStateInconsistent
	}
}

func hostOf(urlTemplate string) string {
	u, err := url.Parse(urlTemplate)
	if err != nil || u.Host == "" {
		return urlTemplate
	}
	return u.Host
}

func lastResponseBody(trace []action.TraceEntry) json.RawMessage {
	if len(trace) == 0 {
		return nil
	}
	last := trace[len(trace)-1]
	if last.Response == nil || last.Response.Body == "" {
		return nil
	}
	return json.RawMessage(last.Response.Body)
}

// isRetryableStorageError is the classifier the orchestrator passes to
// PutWithFallback: any error is treated as
// retryable, since the orchestrator has no structured ErrorDetail from a
// generic storage.StorageProvider.Put error and "retryable" is the safer
// default (a false negative here only costs an extra attempt next run).
func isRetryableStorageError(err error) bool {
	return err != nil
}
