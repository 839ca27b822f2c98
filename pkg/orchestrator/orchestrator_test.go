package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/breaker"
	"github.com/jordigilh/actionrunner/pkg/catalog"
	"github.com/jordigilh/actionrunner/pkg/dedup"
	"github.com/jordigilh/actionrunner/pkg/orchestrator"
)

type fakeEventSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEventSink) Send(ctx context.Context, eventName string, payload action.ActionExecutionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventName)
}

func (f *fakeEventSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func quickPolicy() action.RetryPolicy {
	return action.RetryPolicy{
		MaxAttempts:       1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryableErrors:   []action.ErrorCategory{action.CategoryAPIUnavailable, action.CategoryNetworkTimeout},
	}
}

var _ = Describe("Orchestrator", func() {
	var sink *fakeEventSink

	BeforeEach(func() {
		sink = &fakeEventSink{}
	})

	It("runs a registered action through every phase and persists its output", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ticket":"abc-1"}`))
		}))
		defer server.Close()

		def := action.ActionDefinition{
			ID: "create-ticket",
			Endpoint: action.Endpoint{
				URLTemplate: server.URL + "/tickets",
				Method:      http.MethodPost,
				Timeout:     time.Second,
			},
			RetryPolicy: quickPolicy(),
		}
		cat := catalog.NewStaticCatalog([]action.ActionDefinition{def})
		o := orchestrator.New(cat, breaker.DefaultConfig(), nil, nil, dedup.NewInMemoryCache(), nil, nil, sink)

		planned := action.PlannedAction{ID: "p1", ActionDefinitionID: "create-ticket", Inputs: map[string]interface{}{}}
		execCtx := action.ExecutionContext{ExecutionID: "exec-1"}

		state, err := o.Execute(context.Background(), planned, execCtx)

		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(action.StatusCompleted))
		Expect(state.Attempts).To(Equal(len(state.HTTPTrace)))
		Expect(state.Success).NotTo(BeNil())
		Expect(state.Success.OutputLocation.Provider).To(Equal("ephemeral"))

		var decoded map[string]interface{}
		Expect(json.Unmarshal(state.Success.Output, &decoded)).To(Succeed())
		Expect(decoded["ticket"]).To(Equal("abc-1"))

		Expect(sink.count()).To(Equal(1))
	})

	It("terminates as failed with a matching attempt/trace count on a non-retryable status", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		def := action.ActionDefinition{
			ID:          "create-ticket",
			Endpoint:    action.Endpoint{URLTemplate: server.URL + "/tickets", Method: http.MethodPost, Timeout: time.Second},
			RetryPolicy: quickPolicy(),
		}
		cat := catalog.NewStaticCatalog([]action.ActionDefinition{def})
		o := orchestrator.New(cat, breaker.DefaultConfig(), nil, nil, dedup.NewInMemoryCache(), nil, nil, sink)

		planned := action.PlannedAction{ID: "p1", ActionDefinitionID: "create-ticket", Inputs: map[string]interface{}{}}
		state, err := o.Execute(context.Background(), planned, action.ExecutionContext{ExecutionID: "exec-2"})

		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(action.StatusFailed))
		Expect(state.Attempts).To(Equal(len(state.HTTPTrace)))
		Expect(state.Failure.Error.Category).To(Equal(action.CategoryAuthInvalid))
		Expect(state.Failure.Error.Retryable).To(BeFalse())
	})

	It("coalesces concurrent executions of the same planned action onto a single HTTP call", func() {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			time.Sleep(100 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		def := action.ActionDefinition{
			ID:          "create-ticket",
			Endpoint:    action.Endpoint{URLTemplate: server.URL + "/tickets", Method: http.MethodPost, Timeout: 2 * time.Second},
			RetryPolicy: quickPolicy(),
		}
		cat := catalog.NewStaticCatalog([]action.ActionDefinition{def})
		cache := dedup.NewInMemoryCache()
		o := orchestrator.New(cat, breaker.DefaultConfig(), nil, nil, cache, nil, nil, sink)

		planned := action.PlannedAction{ID: "p1", ActionDefinitionID: "create-ticket", Inputs: map[string]interface{}{"x": 1}}

		var wg sync.WaitGroup
		results := make([]*action.ActionExecutionState, 2)
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx], errs[idx] = o.Execute(context.Background(), planned, action.ExecutionContext{ExecutionID: "exec-3"})
			}(i)
		}
		wg.Wait()

		Expect(errs[0]).NotTo(HaveOccurred())
		Expect(errs[1]).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&hits)).To(Equal(int32(1)))
		Expect(results[0].Status).To(Equal(action.StatusCompleted))
		Expect(results[1].Status).To(Equal(action.StatusCompleted))
	})

	It("fails fast via the circuit breaker without retrying once tripped", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		def := action.ActionDefinition{
			ID:          "flaky",
			Endpoint:    action.Endpoint{URLTemplate: server.URL + "/flaky", Method: http.MethodGet, Timeout: time.Second},
			RetryPolicy: action.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiplier: 2},
		}
		cat := catalog.NewStaticCatalog([]action.ActionDefinition{def})
		cfg := breaker.Config{
			FailureThreshold: 0.5,
			VolumeThreshold:  1,
			WindowDuration:   time.Minute,
			BaseCooldown:     time.Minute,
			MaxCooldown:      time.Minute,
			SuccessThreshold: 1,
		}
		o := orchestrator.New(cat, cfg, nil, nil, dedup.NewInMemoryCache(), nil, nil, sink)

		// First execution trips the breaker (single failing sample at
		// VolumeThreshold=1).
		_, err := o.Execute(context.Background(), action.PlannedAction{ID: "p1", ActionDefinitionID: "flaky", Inputs: map[string]interface{}{}}, action.ExecutionContext{ExecutionID: "exec-4"})
		Expect(err).NotTo(HaveOccurred())

		state2, err := o.Execute(context.Background(), action.PlannedAction{ID: "p2", ActionDefinitionID: "flaky", Inputs: map[string]interface{}{"distinct": true}}, action.ExecutionContext{ExecutionID: "exec-5"})

		Expect(err).NotTo(HaveOccurred())
		Expect(state2.Status).To(Equal(action.StatusFailed))
		Expect(state2.Failure.Error.Category).To(Equal(action.CategoryAPIUnavailable))
		Expect(state2.Failure.Error.Retryable).To(BeFalse())
		Expect(state2.Attempts).To(Equal(0), "a breaker fail-fast never reaches the HTTP attempter")
	})
})
