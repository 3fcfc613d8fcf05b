package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Execute validates req and runs it to a terminal status. Only request
// validation failures are returned as errors; every other outcome is
// reported through the result's Status and Err, together with all partial
// progress.
//
// Iterations run sequentially. Cancelling ctx stops the run at the next
// check point with StatusCancelled.
func (e *Engine) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	cfg := e.Config()
	toolName, err := ToolName(req.Subagent, cfg.ToolNames)
	if err != nil {
		return nil, err
	}

	r := e.newRun(ctx, req, toolName, cfg)
	defer r.ec.cancel(nil)

	e.emit().OnExecutionStart(r.ctx(), r.ec)
	r.loop()
	res := r.result()

	e.remember(res.Statistics)
	e.record(context.WithoutCancel(ctx), res)
	e.emit().OnExecutionComplete(context.WithoutCancel(ctx), res)
	return res, nil
}

// run is the state of one Execute call.
type run struct {
	e        *Engine
	cfg      EngineConfig
	ec       *ExecutionContext
	toolName string
	model    string

	// mu guards ec fields that progress events touch while a call is in flight.
	mu        sync.Mutex
	current   []ProgressEvent
	completed bool
}

func (e *Engine) newRun(parent context.Context, req *ExecutionRequest, toolName string, cfg EngineConfig) *run {
	runCtx, cancel := context.WithCancelCause(parent)
	now := e.now()

	model := req.Model
	if model == "" {
		model = DefaultModel(req.Subagent, cfg.DefaultModels)
	}

	return &run{
		e:        e,
		cfg:      cfg,
		toolName: toolName,
		model:    model,
		ec: &ExecutionContext{
			Request:    req,
			Status:     StatusPending,
			StartTime:  now,
			Statistics: newStatistics(),
			Session:    newSessionContext(req, now),
			ctx:        runCtx,
			cancel:     cancel,
		},
	}
}

func (r *run) ctx() context.Context { return r.ec.ctx }

func (r *run) loop() {
	r.mu.Lock()
	r.ec.Status = StatusRunning
	r.ec.Session.State = SessionActive
	r.mu.Unlock()

	for i := 1; ; i++ {
		if status, err, stop := r.checkStop(i); stop {
			r.terminate(status, err)
			return
		}
		r.e.emit().OnIterationStart(r.ctx(), r.ec, i)
		if done := r.iterate(i); done {
			return
		}
	}
}

// checkStop evaluates the stop conditions before iteration i.
func (r *run) checkStop(i int) (ExecutionStatus, error, bool) {
	if r.ctx().Err() != nil {
		return StatusCancelled, r.abortError(), true
	}
	if r.e.shuttingDown.Load() {
		return StatusCancelled, ErrEngineShuttingDown, true
	}
	if r.completed {
		return StatusCompleted, nil, true
	}
	if r.ec.Request.capReached(i) {
		status, err := r.lastOutcome()
		return status, err, true
	}
	return "", nil, false
}

// lastOutcome is the status implied by the most recent iteration.
func (r *run) lastOutcome() (ExecutionStatus, error) {
	n := len(r.ec.Iterations)
	if n == 0 {
		return StatusCompleted, nil
	}
	last := r.ec.Iterations[n-1]
	if last.Success {
		return StatusCompleted, nil
	}
	return StatusForError(last.Err), last.Err
}

func (r *run) abortError() error {
	return fmt.Errorf("%w: %w", ErrExecutionAborted, context.Cause(r.ctx()))
}

// iterate runs iteration i, retrying it in place as the recovery and
// rate-limit rules allow. It returns true when the run has ended.
func (r *run) iterate(i int) bool {
	start := r.e.now()
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	attempts, retries, backoffs := 0, 0, 0
	for {
		if attempts > 0 && r.e.shuttingDown.Load() {
			r.terminate(StatusCancelled, ErrEngineShuttingDown)
			return true
		}
		attempts++
		res, err := r.attempt(i)

		if r.ctx().Err() != nil {
			r.terminate(StatusCancelled, r.abortError())
			return true
		}

		if err == nil {
			it := r.appendIteration(i, start, attempts, res, nil)
			r.e.emit().OnIterationComplete(r.ctx(), r.ec, it)
			if res.Completed && !res.ShouldContinue {
				r.completed = true
			}
			return false
		}

		cat := Classify(err)
		r.mu.Lock()
		r.ec.Statistics.recordError(cat)
		r.mu.Unlock()
		r.e.emit().OnIterationError(r.ctx(), r.ec, i, cat, err)

		if cat == CategoryRateLimit {
			info := r.e.client.RateLimitInfo()
			wait, terr := backoffPlan(err, info, r.cfg.RateLimit, r.e.now(), backoffs)
			if terr != nil {
				r.abort(i, start, attempts, terr)
				return true
			}
			r.mu.Lock()
			r.ec.RateLimit = rateLimitState(err, info, wait)
			r.mu.Unlock()

			r.e.emit().OnRateLimitStart(r.ctx(), r.ec, err, wait)
			if serr := r.sleep(wait); serr != nil {
				r.terminate(StatusCancelled, serr)
				return true
			}
			r.mu.Lock()
			r.ec.Statistics.recordRateLimit(wait)
			r.ec.RateLimit.IsRateLimited = false
			r.mu.Unlock()
			r.e.emit().OnRateLimitEnd(r.ctx(), r.ec, wait)
			backoffs++
			continue
		}

		d := decideRecovery(r.ctx(), r.cfg.Recovery, cat, err, retries)
		if d.RecoverErr != nil {
			r.e.emit().OnEngineError(r.ctx(), &IterationError{
				Err:       d.RecoverErr,
				RequestID: r.ec.Request.RequestID,
				Iteration: i,
				ToolName:  r.toolName,
				Operation: "recover",
			})
		}

		switch d.Action {
		case ActionRetry:
			retries++
			r.e.emit().OnRetryAttempt(r.ctx(), r.ec, i, retries, d.Delay, err)
			if serr := r.sleep(d.Delay); serr != nil {
				r.terminate(StatusCancelled, serr)
				return true
			}
		case ActionContinue:
			if retries > 0 {
				err = &RetryExhaustedError{Err: err, Attempts: attempts}
			}
			it := r.appendIteration(i, start, attempts, nil, err)
			r.e.emit().OnIterationComplete(r.ctx(), r.ec, it)
			return false
		case ActionAbort:
			r.abort(i, start, attempts, err)
			return true
		}
	}
}

// sleep waits d unless the run is cancelled or the engine shuts down, and
// returns the error the run should end with in that case.
func (r *run) sleep(d time.Duration) error {
	select {
	case <-r.e.stop:
		return ErrEngineShuttingDown
	default:
	}
	stopCtx, cancel := context.WithCancel(r.ctx())
	defer cancel()
	go func() {
		select {
		case <-r.e.stop:
			cancel()
		case <-stopCtx.Done():
		}
	}()
	if err := sleepContext(stopCtx, d); err != nil {
		if r.ctx().Err() != nil {
			return r.abortError()
		}
		return ErrEngineShuttingDown
	}
	return nil
}

// abort records iteration i as failed and ends the run with err.
func (r *run) abort(i int, start time.Time, attempts int, err error) {
	it := r.appendIteration(i, start, attempts, nil, err)
	r.e.emit().OnIterationComplete(r.ctx(), r.ec, it)
	r.terminate(StatusForError(err), err)
}

// attempt makes one tool call for iteration i.
func (r *run) attempt(i int) (res *ToolCallResult, err error) {
	req := r.ec.Request
	ctx := r.ctx()

	if !r.e.client.IsConnected() {
		if cerr := r.e.client.Connect(ctx); cerr != nil {
			var connErr *ConnectionError
			if errors.As(cerr, &connErr) {
				return nil, cerr
			}
			return nil, &ConnectionError{Err: cerr}
		}
	}

	call := ToolCallRequest{
		ToolName:         r.toolName,
		Iteration:        i,
		Instruction:      req.Instruction,
		WorkingDirectory: req.WorkingDirectory,
		Model:            r.model,
		Timeout:          req.Timeout,
		Priority:         req.Priority,
		Metadata:         r.ec.Session.Metadata,
	}
	call.Arguments = toolArguments(call)
	if verr := ValidateArguments(r.toolName, r.cfg.ArgumentSchema, call.Arguments); verr != nil {
		var tv *ToolValidationError
		if errors.As(verr, &tv) {
			return nil, &ValidationError{Field: "arguments", Reason: "rejected by schema", Err: verr}
		}
		return nil, verr
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	callID := fmt.Sprintf("%s#%d", r.toolName, i)
	r.mu.Lock()
	r.ec.Statistics.recordToolCall()
	r.ec.Session.ActiveToolCalls = append(r.ec.Session.ActiveToolCalls, callID)
	r.ec.Session.LastActivity = r.e.now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.ec.Session.ActiveToolCalls = removeString(r.ec.Session.ActiveToolCalls, callID)
		r.ec.Session.LastActivity = r.e.now()
		r.mu.Unlock()

		if p := recover(); p != nil {
			res, err = nil, NormalizeError(p, r.toolName)
		}
	}()

	callStart := r.e.now()
	res, err = r.e.client.CallTool(callCtx, call, r.sink(i))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, &TimeoutError{Err: err, Timeout: req.Timeout}
		}
		return nil, NormalizeError(err, r.toolName)
	}
	if res == nil {
		res = &ToolCallResult{}
	}
	if res.Duration == 0 {
		res.Duration = r.e.now().Sub(callStart)
	}
	if res.RateLimit != nil {
		r.e.rememberRate(*res.RateLimit)
	}
	return res, nil
}

func (r *run) appendIteration(i int, start time.Time, attempts int, res *ToolCallResult, err error) IterationResult {
	end := r.e.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	it := IterationResult{
		Iteration:      i,
		Success:        err == nil,
		StartTime:      start,
		EndTime:        end,
		Duration:       end.Sub(start),
		ToolResult:     res,
		ProgressEvents: r.current,
		ToolCalls:      attempts,
		Err:            err,
	}
	r.current = nil
	r.ec.Iterations = append(r.ec.Iterations, it)
	r.ec.Statistics.recordIteration(it)
	if err != nil {
		r.ec.Err = err
	}
	return it
}

func (r *run) terminate(status ExecutionStatus, err error) {
	end := r.e.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ec.Status = status
	r.ec.Err = err
	r.ec.EndTime = &end
	r.ec.Session.State = SessionCompleted
	r.ec.Session.LastActivity = end
}

// sink returns the progress sink for the calls of iteration i.
func (r *run) sink(i int) ProgressSink {
	return func(ev ProgressEvent) { r.handleProgress(i, ev) }
}

func (r *run) handleProgress(i int, ev ProgressEvent) {
	ctx := r.ctx()
	ev = stampEvent(ev, r.ec.Session.SessionID, i, r.e.now())

	r.mu.Lock()
	r.ec.ProgressEvents = append(r.ec.ProgressEvents, ev)
	r.current = append(r.current, ev)
	r.ec.Statistics.TotalProgressEvents++
	r.ec.Session.LastActivity = ev.Timestamp
	r.mu.Unlock()

	hooks := r.e.emit()
	hooks.OnProgressEvent(ctx, ev)

	pipeline := r.cfg.Progress
	accepted, ferr := safeAccept(pipeline, ev)
	if ferr != nil {
		hooks.OnEngineError(ctx, ferr)
	}
	if !accepted {
		return
	}
	for _, err := range ApplyProcessors(ctx, ev, pipeline.Processors...) {
		hooks.OnEngineError(ctx, err)
	}

	hooks.OnProgressProcessed(ctx, ev)
	subs := append(r.e.subscribers.snapshot(), r.ec.Request.ProgressCallbacks...)
	for _, cb := range subs {
		if err := safeCallback(ctx, cb, ev); err != nil {
			hooks.OnEngineError(ctx, err)
		}
	}
}

func safeAccept(p ProgressPipeline, ev ProgressEvent) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("progress filter panicked: %v", rec)
		}
	}()
	return p.Accept(ev), nil
}

// result snapshots the finished context.
func (r *run) result() *ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	ec := r.ec
	end := r.e.now()
	if ec.EndTime != nil {
		end = *ec.EndTime
	}
	ec.Statistics.finalize(end.Sub(ec.StartTime))

	return &ExecutionResult{
		Request:        ec.Request,
		Status:         ec.Status,
		StartTime:      ec.StartTime,
		EndTime:        end,
		Duration:       end.Sub(ec.StartTime),
		Iterations:     append([]IterationResult(nil), ec.Iterations...),
		Statistics:     ec.Statistics.Clone(),
		Err:            ec.Err,
		Session:        ec.Session,
		ProgressEvents: append([]ProgressEvent(nil), ec.ProgressEvents...),
	}
}

func removeString(ss []string, s string) []string {
	for i, v := range ss {
		if v == s {
			return append(ss[:i:i], ss[i+1:]...)
		}
	}
	return ss
}
