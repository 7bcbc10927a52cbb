package agent

import (
	"context"
	"strings"
	"time"

	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
	"go.uber.org/zap"
)

// failureCause is the structured classification of a tool failure. The
// substring matching that produces it is an adapter detail; the cause table
// below is the business logic deciding what retries.
type failureCause int

const (
	causeUnknown failureCause = iota
	causeTimeout
	causeConnectionReset
	causeDNS
	causeNetwork
	causeUnavailable
)

var retryableCauses = map[failureCause]bool{
	causeTimeout:         true,
	causeConnectionReset: true,
	causeDNS:             true,
	causeNetwork:         true,
	causeUnavailable:     true,
}

// classifyFailure maps an error message onto a structured cause by matching
// a fixed set of retryable substrings.
func classifyFailure(msg string) failureCause {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return causeTimeout
	case strings.Contains(lower, "connection reset"):
		return causeConnectionReset
	case strings.Contains(lower, "no such host") || strings.Contains(lower, "dns"):
		return causeDNS
	case strings.Contains(lower, "network"):
		return causeNetwork
	case strings.Contains(lower, "temporarily unavailable"):
		return causeUnavailable
	}
	return causeUnknown
}

// ExecutionRecord is the structured telemetry for one tool call execution.
type ExecutionRecord struct {
	Call      *session.ToolCall
	Result    *tools.Result
	StartedAt time.Time
	Duration  time.Duration
	Attempts  int
}

// Runner executes one tool call at a time through the state machine
// pending -> (awaiting_approval) -> running -> {success, error, rejected},
// wrapping each attempt in a timeout race and a bounded retry loop.
type Runner struct {
	gate       *ApprovalGate
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewRunner(gate *ApprovalGate, timeout time.Duration, maxRetries int, retryDelay time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Runner{
		gate:       gate,
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		log:        log,
		sleep:      time.Sleep,
	}
}

// Run drives one call to a terminal status. onAwait, if non-nil, fires when
// the call starts waiting for approval so the front-end can prompt. Rejection
// is a terminal status reported as a tool result, never a Go error.
func (r *Runner) Run(ctx context.Context, call *session.ToolCall, tool tools.Tool, onAwait func(*session.ToolCall)) *ExecutionRecord {
	record := &ExecutionRecord{Call: call, StartedAt: time.Now()}
	defer func() { record.Duration = time.Since(record.StartedAt) }()

	if r.gate.RequiresApproval(call.Name) {
		if err := call.Advance(session.StatusAwaitingApproval); err != nil {
			record.Result = tools.Fail("%v", err)
			return record
		}
		pending, err := r.gate.register(call)
		if err != nil {
			call.Error = err.Error()
			_ = call.Advance(session.StatusRejected)
			record.Result = tools.Fail("%v", err)
			return record
		}
		if onAwait != nil {
			onAwait(call)
		}
		approved, err := r.gate.await(ctx, pending)
		if err != nil {
			call.Error = err.Error()
			_ = call.Advance(session.StatusRejected)
			record.Result = tools.Fail("approval wait aborted: %v", err)
			return record
		}
		if !approved {
			_ = call.Advance(session.StatusRejected)
			record.Result = &tools.Result{Success: false, Output: "Tool call rejected by the user."}
			r.log.Info("tool call rejected",
				zap.String("tool", call.Name),
				zap.String("tool_call_id", call.ToolCallID))
			return record
		}
	}

	if err := call.Advance(session.StatusRunning); err != nil {
		record.Result = tools.Fail("%v", err)
		return record
	}

	var lastErr string
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		record.Attempts = attempt
		result, err := r.executeOnce(ctx, tool, call.Args)
		if err == nil && result != nil && result.Success {
			_ = call.Advance(session.StatusSuccess)
			record.Result = result
			r.log.Debug("tool call succeeded",
				zap.String("tool", call.Name),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(record.StartedAt)))
			return record
		}

		switch {
		case err != nil:
			lastErr = err.Error()
		case result != nil && result.Error != "":
			lastErr = result.Error
		default:
			lastErr = "tool reported failure without detail"
		}

		if ctx.Err() != nil {
			break
		}
		cause := classifyFailure(lastErr)
		if !retryableCauses[cause] || attempt == r.maxRetries {
			break
		}
		r.log.Warn("retrying tool call",
			zap.String("tool", call.Name),
			zap.Int("attempt", attempt),
			zap.String("error", lastErr))
		r.sleep(r.retryDelay * time.Duration(attempt))
	}

	call.Error = lastErr
	_ = call.Advance(session.StatusError)
	record.Result = &tools.Result{Success: false, Output: lastErr, Error: lastErr}
	return record
}

// executeOnce races the tool against the per-call timeout. A timeout produces
// a retryable error; turn cancellation is surfaced as the context's error.
func (r *Runner) executeOnce(ctx context.Context, tool tools.Tool, args map[string]any) (*tools.Result, error) {
	type outcome struct {
		res *tools.Result
		err error
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		res, err := tool.Execute(callCtx, args)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, errors.WithKind(errors.KindToolExecution, o.err)
		}
		return o.res, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WithKind(errors.KindTimeout,
			errors.New("tool execution timed out after %s", r.timeout))
	}
}
