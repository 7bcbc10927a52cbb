package agent

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/llm"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
	ModePlan   Mode = "plan"
)

// TurnCallbacks lets a front-end observe a turn as it unfolds. Every field is
// optional; nil callbacks are skipped.
type TurnCallbacks struct {
	OnAssistantText   func(text string)
	OnReasoning       func(text string)
	OnToolCall        func(call session.ToolCall)
	OnToolResult      func(call session.ToolCall, result *tools.Result)
	OnApprovalRequest func(call session.ToolCall)
	OnNotice          func(text string)
}

// Agent composes the parser, scheduler, approval gate, runner, loop detector,
// compactor and recovery journal into the multi-turn loop.
type Agent struct {
	Config         *config.Config
	Session        *session.Session
	Client         llm.StreamClient
	AvailableTools []tools.Tool
	Mode           Mode

	registry  *tools.ToolRegistry
	parser    *Parser
	scheduler *Scheduler
	gate      *ApprovalGate
	runner    *Runner
	detector  *LoopDetector
	compactor *Compactor
	journal   *Journal
	log       *zap.Logger

	toolIndex map[string]tools.Tool

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

// New builds an agent for a session. In auto mode and in ACP mode every
// approval class is auto-approved; prompt mode defers to the configured
// auto-approve map.
func New(cfg *config.Config, sess *session.Session, toolset string, mode Mode, client llm.StreamClient, log *zap.Logger) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}
	registry := tools.NewToolRegistry(cfg)
	activeTools, err := registry.GetActiveTools(ts)
	if err != nil {
		registry.Stop()
		return nil, err
	}

	toolIndex := make(map[string]tools.Tool, len(activeTools))
	names := make([]string, 0, len(activeTools))
	for _, t := range activeTools {
		toolIndex[t.Name()] = t
		names = append(names, t.Name())
	}

	autoApprove := cfg.AutoApprove
	if mode == ModeAuto || sess.Acp {
		autoApprove = map[string]bool{
			string(ClassEdits):     true,
			string(ClassTerminal):  true,
			string(ClassDangerous): true,
		}
	}

	gate := NewApprovalGate(cfg.ApprovalOverrides, autoApprove, log)
	return &Agent{
		Config:         cfg,
		Session:        sess,
		Client:         client,
		AvailableTools: activeTools,
		Mode:           mode,
		registry:       registry,
		parser:         NewParser(names, log),
		scheduler:      NewScheduler(registry, log),
		gate:           gate,
		runner:         NewRunner(gate, cfg.ToolTimeout(), cfg.Retry.MaxRetries, cfg.RetryDelay(), log),
		detector:       NewLoopDetector(cfg.Loop.WindowSize, cfg.Loop.Threshold),
		compactor:      NewCompactor(cfg.Compaction, llm.NewSummaryClient(client), log),
		journal:        NewJournal(cfg.Recovery, "", log),
		log:            log,
		toolIndex:      toolIndex,
	}, nil
}

// Approve resolves the outstanding approval positively.
func (a *Agent) Approve() { a.gate.Approve() }

// Reject resolves the outstanding approval negatively.
func (a *Agent) Reject() { a.gate.Reject() }

// Abort cancels the in-flight turn. Already-started parallel calls run to
// completion or their own timeout; everything after the cancellation point is
// skipped.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancelTurn
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close releases tool resources (MCP subprocesses).
func (a *Agent) Close() {
	a.registry.Stop()
}

// GetRecoverableSessions lists persisted recovery points still within TTL and
// resume budget, newest first.
func (a *Agent) GetRecoverableSessions() ([]*RecoveryPoint, error) {
	return a.journal.GetRecoverablePoints()
}

// RecoverFromPoint replays a recovery point into the session history and runs
// a turn from the synthetic continuation instruction.
func (a *Agent) RecoverFromPoint(ctx context.Context, point *RecoveryPoint, cb TurnCallbacks) error {
	a.Session.SetMessages(a.journal.PrepareRecoveryMessages(point))
	return a.SendTurn(ctx, "", cb)
}

// SendTurn runs one full user request: provider call, tool execution, result
// feedback, looping until the model stops requesting actions or a bound trips.
func (a *Agent) SendTurn(ctx context.Context, userInput string, cb TurnCallbacks) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancelTurn = cancel
	a.mu.Unlock()

	if userInput != "" {
		a.Session.AddMessage(session.NewMessage("user", userInput))
	}

	a.detector.Reset()
	a.journal.StartSession(a.Session.Name, a.Session.Messages)
	success := false
	defer func() { a.journal.EndSession(success) }()

	planReminded := false
	compactionStarted := false

	for iteration := 1; iteration <= a.Config.MaxIterations; iteration++ {
		a.journal.IncrementLoopCount()

		if a.compactor.ShouldCompact(a.Session.Messages) {
			if !compactionStarted {
				compactionStarted = true
				snapshot := make([]session.Message, len(a.Session.Messages))
				copy(snapshot, a.Session.Messages)
				// Summarize in the background; the result lands in the
				// compactor's summary state for later truncation passes.
				go func() {
					if _, err := a.compactor.Compact(context.Background(), snapshot); err != nil {
						a.log.Warn("background compaction failed", zap.Error(err))
					}
				}()
			}
			// The in-flight turn falls back to simple truncation.
			a.Session.SetMessages(a.compactor.Truncate(a.Session.Messages))
		}

		state, err := a.streamOnce(turnCtx, cb)
		if err != nil {
			a.journal.RecordError(err)
			marker := fmt.Sprintf("\n[turn aborted: %v]", err)
			a.Session.AddMessage(session.NewMessage("assistant", state.Content+marker))
			notify(cb.OnNotice, marker)
			return err
		}

		assistant := session.NewMessage("assistant", state.Content)
		assistant.ToolCalls = state.ToolCalls
		a.journal.SetAssistantMessageID(assistant.ID)
		a.Session.AddMessage(assistant)

		batch, malformed := splitMalformed(state.ToolCalls)
		for _, call := range malformed {
			// Arguments failed to parse; surface a structured correction so
			// the model can retry with fixed arguments.
			_ = call.Advance(session.StatusError)
			a.addToolResult(call, &tools.Result{
				Success: false,
				Output:  fmt.Sprintf("Invalid arguments for %s: %s. Raw arguments were: %s", call.Name, call.Error, call.RawArgs),
				Error:   call.Error,
			}, cb)
		}

		if len(batch) == 0 && len(malformed) == 0 {
			if a.Mode == ModePlan && !planReminded {
				planReminded = true
				a.Session.AddMessage(session.NewMessage("user",
					"Before finishing, report the plan status with an explicit status update tool call."))
				continue
			}
			success = true
			break
		}

		if check := a.detector.Check(batch); check.IsLoop {
			notice := fmt.Sprintf("Stopping: %s %s", check.Reason, check.Suggestion)
			notify(cb.OnNotice, notice)
			a.log.Warn("loop detected", zap.String("reason", check.Reason))
			// The assistant message above already carries the batch; every
			// call needs a tool result or the providers reject the history
			// on the next turn.
			for i := range batch {
				call := batch[i]
				call.Error = check.Reason
				_ = call.Advance(session.StatusRejected)
				a.addToolResult(call, &tools.Result{
					Success: false,
					Output:  "Skipped: " + check.Reason,
				}, cb)
			}
			a.Session.AddMessage(session.NewMessage("assistant", "[stopped: "+check.Reason+"]"))
			success = true
			break
		}

		if len(batch) > 0 {
			a.journal.AddPendingToolCalls(batch)
			if err := a.executeBatch(turnCtx, batch, cb); err != nil {
				a.journal.RecordError(err)
				return err
			}
		}

		if err := a.Session.Save(); err != nil {
			a.log.Warn("failed to save session", zap.Error(err))
		}

		if iteration == a.Config.MaxIterations {
			notify(cb.OnNotice, fmt.Sprintf("Stopping: the %d iteration limit for one request was reached.", a.Config.MaxIterations))
			success = true
		}
	}

	if err := a.Session.Save(); err != nil {
		a.log.Warn("failed to save session", zap.Error(err))
	}
	return nil
}

// streamOnce performs one provider call and parses its stream to completion.
// The returned state is valid (possibly partial) even when err is non-nil.
func (a *Agent) streamOnce(ctx context.Context, cb TurnCallbacks) (*StreamState, error) {
	pctx, cancel := context.WithTimeout(ctx, a.Config.ProviderTimeout())
	defer cancel()

	events := make(chan llm.StreamEvent, 32)
	type outcome struct {
		result *llm.TurnResult
		err    error
	}
	outCh := make(chan outcome, 1)
	go func() {
		result, err := a.Client.ChatStream(pctx, a.Session.Messages, a.AvailableTools, events)
		outCh <- outcome{result: result, err: err}
	}()

	state := a.parser.NewState()
	var streamErr error
	for ev := range events {
		if err := a.parser.Feed(state, ev); err != nil && streamErr == nil {
			streamErr = err
		}
		switch ev.Type {
		case llm.EventText:
			a.journal.AppendContent(ev.Text)
			notify(cb.OnAssistantText, ev.Text)
		case llm.EventReasoning:
			notify(cb.OnReasoning, ev.Text)
		}
	}

	out := <-outCh
	if out.err != nil {
		return state, out.err
	}
	if streamErr != nil {
		return state, streamErr
	}
	for _, call := range state.ToolCalls {
		notify2(cb.OnToolCall, call)
	}
	return state, nil
}

// executeBatch schedules and runs one batch: parallel groups fully in
// parallel, then the serial remainder in original request order.
func (a *Agent) executeBatch(ctx context.Context, batch []session.ToolCall, cb TurnCallbacks) error {
	analysis := a.scheduler.AnalyzeBatch(batch)

	// The gate supports one outstanding approval; anything that would prompt
	// is pulled out of the parallel groups and serialized.
	var groups [][]session.ToolCall
	var serial []session.ToolCall
	for _, group := range analysis.ParallelGroups {
		var safe []session.ToolCall
		for _, call := range group {
			if a.gate.RequiresApproval(call.Name) {
				serial = append(serial, call)
				continue
			}
			safe = append(safe, call)
		}
		if len(safe) > 0 {
			groups = append(groups, safe)
		}
	}
	serial = append(serial, analysis.SerialTools...)

	for _, group := range groups {
		records := make([]*ExecutionRecord, len(group))
		g, gctx := errgroup.WithContext(ctx)
		for i := range group {
			i := i
			call := group[i]
			g.Go(func() error {
				records[i] = a.runOne(gctx, &call, cb)
				return nil
			})
		}
		_ = g.Wait()
		for _, record := range records {
			if record != nil {
				a.addToolResult(*record.Call, record.Result, cb)
			}
		}
	}

	halted := false
	for i := range serial {
		call := serial[i]
		if halted || ctx.Err() != nil {
			call.Error = "skipped"
			_ = call.Advance(session.StatusRejected)
			a.addToolResult(call, &tools.Result{
				Success: false,
				Output:  "Skipped: a previous tool call in this batch was rejected or the turn was cancelled.",
			}, cb)
			continue
		}
		// Yield between serial steps to keep the host responsive.
		runtime.Gosched()
		record := a.runOne(ctx, &call, cb)
		a.addToolResult(*record.Call, record.Result, cb)
		if record.Call.Status == session.StatusRejected && a.Config.HaltOnReject {
			halted = true
		}
	}

	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "turn cancelled during tool execution")
	}
	return nil
}

// runOne executes a single call, resolving the tool by name first. An unknown
// name is a validation failure reported to the model, never executed.
func (a *Agent) runOne(ctx context.Context, call *session.ToolCall, cb TurnCallbacks) *ExecutionRecord {
	tool, ok := a.toolIndex[call.Name]
	if !ok {
		call.Error = fmt.Sprintf("unknown tool %q", call.Name)
		_ = call.Advance(session.StatusError)
		return &ExecutionRecord{Call: call, Result: &tools.Result{
			Success: false,
			Output:  fmt.Sprintf("Unknown tool %q. Available tools: %v", call.Name, a.registry.Names()),
			Error:   call.Error,
		}}
	}
	return a.runner.Run(ctx, call, tool, func(c *session.ToolCall) {
		notify2(cb.OnApprovalRequest, *c)
	})
}

// addToolResult appends the result to the history as a tool-role message
// carrying the call, truncated to the configured output cap, and journals the
// completion.
func (a *Agent) addToolResult(call session.ToolCall, result *tools.Result, cb TurnCallbacks) {
	output := ""
	if result != nil {
		output = truncateOutput(result.Output, a.Config.MaxToolOutputChars)
	}
	msg := session.NewMessage("tool", output)
	msg.ToolCalls = []session.ToolCall{call}
	a.Session.AddMessage(msg)
	a.journal.AddCompletedToolCall(call)
	if cb.OnToolResult != nil {
		cb.OnToolResult(call, result)
	}
}

// splitMalformed separates calls whose arguments failed to parse from the
// executable batch.
func splitMalformed(calls []session.ToolCall) (batch, malformed []session.ToolCall) {
	for _, call := range calls {
		if call.Error != "" && call.Status == session.StatusPending {
			malformed = append(malformed, call)
			continue
		}
		batch = append(batch, call)
	}
	return batch, malformed
}

// truncateOutput caps tool output before it is fed back to the model.
func truncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n[output truncated to %d of %d characters]", max, len(s))
}

func notify(fn func(string), text string) {
	if fn != nil {
		fn(text)
	}
}

func notify2(fn func(session.ToolCall), call session.ToolCall) {
	if fn != nil {
		fn(call)
	}
}
