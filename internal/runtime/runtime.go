// Package runtime implements the durable step runtime: named, memoized
// steps inside a job run, event waits with timeout and predicate, and
// job-scoped cooperative cancellation. Step results are persisted through
// StepStorage so a restarted process re-enters a run and skips every step
// that already completed. Scheduled (cron) invocations are provided by the
// scheduler service, not this package.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/compono/internal/interfaces"
	"github.com/ternarybob/compono/internal/models"
)

// ErrRunCancelled is returned from Step and WaitForEvent once the run's
// cancel event has arrived. Cancellation is cooperative: an in-flight step
// body completes, but no new step begins.
var ErrRunCancelled = errors.New("run cancelled")

// Config bounds step retry behavior
type Config struct {
	MaxStepRetries int           // Retries after the first attempt
	RetryBackoff   time.Duration // Sleep between attempts
}

// pendingEventTTL bounds how long an unconsumed event stays deliverable to
// a waiter that registers shortly after the event was published
const pendingEventTTL = 10 * time.Minute

// pendingEventLimit bounds the per-type buffer of unconsumed events
const pendingEventLimit = 128

type waiter struct {
	predicate func(map[string]interface{}) bool
	ch        chan map[string]interface{}
}

type pendingEvent struct {
	payload    map[string]interface{}
	receivedAt time.Time
}

type cancelState struct {
	ch   chan struct{}
	once sync.Once
}

// Runtime owns the durable-step machinery shared by all runs
type Runtime struct {
	steps  interfaces.StepStorage
	events interfaces.EventService
	logger arbor.ILogger
	config Config

	mu         sync.Mutex
	waiters    map[interfaces.EventType][]*waiter
	pending    map[interfaces.EventType][]pendingEvent
	subscribed map[interfaces.EventType]bool
	cancels    map[string]*cancelState
}

// New creates a runtime over the given step store and event bus
func New(steps interfaces.StepStorage, events interfaces.EventService, logger arbor.ILogger, config Config) *Runtime {
	if config.MaxStepRetries < 0 {
		config.MaxStepRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 5 * time.Second
	}
	return &Runtime{
		steps:      steps,
		events:     events,
		logger:     logger,
		config:     config,
		waiters:    make(map[interfaces.EventType][]*waiter),
		pending:    make(map[interfaces.EventType][]pendingEvent),
		subscribed: make(map[interfaces.EventType]bool),
		cancels:    make(map[string]*cancelState),
	}
}

// CancelOn tears down any run for the job id carried by events of the
// given type. Checked between steps, not preemptively mid-step.
func (r *Runtime) CancelOn(eventType interfaces.EventType) error {
	return r.events.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		if payload == nil {
			return nil
		}
		jobID := interfaces.PayloadString(payload, "job_id")
		if jobID == "" {
			return nil
		}
		r.logger.Info().
			Str("job_id", jobID).
			Str("event_type", string(eventType)).
			Msg("Cancel event received, tearing down run")
		r.cancel(jobID)
		return nil
	})
}

// cancel closes the job's cancel channel, creating it first if no run has
// started yet so a cancel that races job startup still lands
func (r *Runtime) cancel(jobID string) {
	r.mu.Lock()
	cs, ok := r.cancels[jobID]
	if !ok {
		cs = &cancelState{ch: make(chan struct{})}
		r.cancels[jobID] = cs
	}
	r.mu.Unlock()
	cs.once.Do(func() { close(cs.ch) })
}

func (r *Runtime) cancelChan(jobID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.cancels[jobID]
	if !ok {
		cs = &cancelState{ch: make(chan struct{})}
		r.cancels[jobID] = cs
	}
	return cs.ch
}

// Run executes fn as a durable run for the job. Multiple runs may share a
// job id (the coordinator and each unit state machine run concurrently);
// they share one cancellation scope.
func (r *Runtime) Run(ctx context.Context, jobID string, fn func(*Run) error) error {
	return r.RunScoped(ctx, jobID, "", fn)
}

// RunScoped executes fn as a durable run whose wait records are keyed
// under scope. Concurrent runs sharing a job id need distinct scopes so a
// replayed wait returns its own recorded event, never a sibling's.
func (r *Runtime) RunScoped(ctx context.Context, jobID, scope string, fn func(*Run) error) error {
	run := &Run{
		jobID:    jobID,
		scope:    scope,
		ctx:      ctx,
		runtime:  r,
		cancelCh: r.cancelChan(jobID),
		waitSeq:  make(map[interfaces.EventType]int),
	}
	return fn(run)
}

// Release drops the job's working memory: cancel state and memoized step
// records. Called once the job reaches a terminal state.
func (r *Runtime) Release(ctx context.Context, jobID string) error {
	r.mu.Lock()
	delete(r.cancels, jobID)
	r.mu.Unlock()
	return r.steps.DeleteJobSteps(ctx, jobID)
}

// ensureSubscribed lazily subscribes the runtime to one event type and
// fans incoming events out to matching waiters. Events with no matching
// waiter are buffered briefly so a waiter registering just after the
// publish still receives it.
func (r *Runtime) ensureSubscribed(eventType interfaces.EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribed[eventType] {
		return
	}
	r.subscribed[eventType] = true

	_ = r.events.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
		payload := interfaces.PayloadMap(event)
		if payload == nil {
			return nil
		}
		r.dispatch(eventType, payload)
		return nil
	})
}

func (r *Runtime) dispatch(eventType interfaces.EventType, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.waiters[eventType][:0]
	delivered := false
	for _, w := range r.waiters[eventType] {
		if !delivered && w.predicate(payload) {
			w.ch <- payload
			delivered = true
			continue
		}
		remaining = append(remaining, w)
	}
	r.waiters[eventType] = remaining

	if !delivered {
		buf := append(r.pending[eventType], pendingEvent{payload: payload, receivedAt: time.Now()})
		if len(buf) > pendingEventLimit {
			buf = buf[len(buf)-pendingEventLimit:]
		}
		r.pending[eventType] = buf
	}
}

// addWaiter registers a waiter, first draining any buffered event that
// already satisfies the predicate
func (r *Runtime) addWaiter(eventType interfaces.EventType, predicate func(map[string]interface{}) bool) *waiter {
	r.ensureSubscribed(eventType)

	w := &waiter{predicate: predicate, ch: make(chan map[string]interface{}, 1)}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-pendingEventTTL)
	kept := r.pending[eventType][:0]
	matched := false
	for _, pe := range r.pending[eventType] {
		if pe.receivedAt.Before(cutoff) {
			continue
		}
		if !matched && predicate(pe.payload) {
			w.ch <- pe.payload
			matched = true
			continue
		}
		kept = append(kept, pe)
	}
	r.pending[eventType] = kept

	if !matched {
		r.waiters[eventType] = append(r.waiters[eventType], w)
	}
	return w
}

func (r *Runtime) removeWaiter(eventType interfaces.EventType, target *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[eventType]
	for i, w := range waiters {
		if w == target {
			r.waiters[eventType] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// Run is one logical durable execution scoped to a job id
type Run struct {
	jobID    string
	scope    string
	ctx      context.Context
	runtime  *Runtime
	cancelCh chan struct{}
	waitSeq  map[interfaces.EventType]int
}

// JobID returns the job this run belongs to
func (run *Run) JobID() string {
	return run.jobID
}

// Context returns the run's context
func (run *Run) Context() context.Context {
	return run.ctx
}

// Cancelled reports whether the run's cancel event has arrived
func (run *Run) Cancelled() bool {
	select {
	case <-run.cancelCh:
		return true
	case <-run.ctx.Done():
		return true
	default:
		return false
	}
}

// Step executes a named, memoized step. On first invocation the body runs
// (with bounded retries and backoff) and its result is persisted; any
// later invocation for the same (job, name) returns the stored result
// without re-executing the body.
func (run *Run) Step(name string, fn func(context.Context) (interface{}, error)) (json.RawMessage, error) {
	if run.Cancelled() {
		return nil, ErrRunCancelled
	}

	r := run.runtime
	record, err := r.steps.GetStep(run.ctx, run.jobID, name)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status == models.StepStatusCompleted {
		r.logger.Debug().
			Str("job_id", run.jobID).
			Str("step", name).
			Msg("Step already completed, returning memoized result")
		return record.Result, nil
	}

	var lastErr error
	attempts := 0
	for attempts <= r.config.MaxStepRetries {
		if run.Cancelled() {
			return nil, ErrRunCancelled
		}

		result, err := fn(run.ctx)
		attempts++
		if err == nil {
			data, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				return nil, fmt.Errorf("step %s result not serializable: %w", name, marshalErr)
			}
			if putErr := r.steps.PutStep(run.ctx, &models.StepRecord{
				JobID:    run.jobID,
				StepName: name,
				Status:   models.StepStatusCompleted,
				Result:   data,
				Attempts: attempts,
			}); putErr != nil {
				return nil, fmt.Errorf("step %s completed but result not persisted: %w", name, putErr)
			}
			return data, nil
		}

		lastErr = err
		r.logger.Warn().
			Err(err).
			Str("job_id", run.jobID).
			Str("step", name).
			Int("attempt", attempts).
			Msg("Step attempt failed")

		if attempts <= r.config.MaxStepRetries {
			select {
			case <-time.After(r.config.RetryBackoff):
			case <-run.cancelCh:
				return nil, ErrRunCancelled
			case <-run.ctx.Done():
				return nil, run.ctx.Err()
			}
		}
	}

	if putErr := r.steps.PutStep(run.ctx, &models.StepRecord{
		JobID:    run.jobID,
		StepName: name,
		Status:   models.StepStatusFailed,
		Error:    lastErr.Error(),
		Attempts: attempts,
	}); putErr != nil {
		r.logger.Warn().Err(putErr).Str("step", name).Msg("Failed to persist failed step record")
	}

	return nil, fmt.Errorf("step %s failed after %d attempts: %w", name, attempts, lastErr)
}

// WaitResult is the outcome of WaitForEvent. A timeout is a distinguished
// result, not an error.
type WaitResult struct {
	TimedOut bool                   `json:"timed_out"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// WaitForEvent suspends the run until an event of the given type arrives
// whose payload satisfies the predicate, or the timeout elapses. The
// consumed event (or the timeout) is memoized like a step, so a restarted
// run replays to the same outcome without re-consuming events. Repeated
// waits on the same event type within one run are keyed by sequence; the
// run's scope, when set, is part of the key.
func (run *Run) WaitForEvent(eventType interfaces.EventType, predicate func(map[string]interface{}) bool, timeout time.Duration) (*WaitResult, error) {
	run.waitSeq[eventType]++
	stepName := fmt.Sprintf("wait:%s#%d", eventType, run.waitSeq[eventType])
	if run.scope != "" {
		stepName = fmt.Sprintf("wait:%s:%s#%d", run.scope, eventType, run.waitSeq[eventType])
	}

	r := run.runtime
	record, err := r.steps.GetStep(run.ctx, run.jobID, stepName)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status == models.StepStatusCompleted {
		var result WaitResult
		if err := json.Unmarshal(record.Result, &result); err != nil {
			return nil, fmt.Errorf("corrupt wait record for %s: %w", stepName, err)
		}
		return &result, nil
	}

	if run.Cancelled() {
		return nil, ErrRunCancelled
	}

	if predicate == nil {
		predicate = func(map[string]interface{}) bool { return true }
	}

	w := r.addWaiter(eventType, predicate)
	defer r.removeWaiter(eventType, w)

	var result WaitResult
	select {
	case payload := <-w.ch:
		result = WaitResult{Payload: payload}
	case <-time.After(timeout):
		result = WaitResult{TimedOut: true}
	case <-run.cancelCh:
		return nil, ErrRunCancelled
	case <-run.ctx.Done():
		return nil, run.ctx.Err()
	}

	data, err := json.Marshal(&result)
	if err != nil {
		return nil, fmt.Errorf("wait result not serializable: %w", err)
	}
	if err := r.steps.PutStep(run.ctx, &models.StepRecord{
		JobID:    run.jobID,
		StepName: stepName,
		Status:   models.StepStatusCompleted,
		Result:   data,
		Attempts: 1,
	}); err != nil {
		return nil, fmt.Errorf("wait result not persisted: %w", err)
	}

	return &result, nil
}

// DecodeResult unmarshals a memoized step result into out
func DecodeResult(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// MatchJob returns a predicate matching events that carry the given job id
func MatchJob(jobID string) func(map[string]interface{}) bool {
	return func(payload map[string]interface{}) bool {
		return interfaces.PayloadString(payload, "job_id") == jobID
	}
}

// MatchJobUnit returns a predicate matching events for one unit of a job
func MatchJobUnit(jobID string, unitID int) func(map[string]interface{}) bool {
	return func(payload map[string]interface{}) bool {
		if interfaces.PayloadString(payload, "job_id") != jobID {
			return false
		}
		id, ok := interfaces.PayloadInt(payload, "unit_id")
		return ok && id == unitID
	}
}
