package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cruxlabs/crux/llm"
	"github.com/cruxlabs/crux/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReasoningSegment is one contiguous block of model reasoning text. Empty
// segments are discarded rather than recorded.
type ReasoningSegment struct {
	ID   string
	Text string
}

// partialCall accumulates a streamed tool call between its start and end
// events. Argument text arrives as fragments and is only parsed on end.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// StreamState is the per-turn mutable accumulator the parser writes into.
// It is created fresh for each provider call and discarded (or archived into
// the recovery journal) when the call completes or errors.
type StreamState struct {
	Content   string
	Reasoning []ReasoningSegment
	ToolCalls []session.ToolCall
	Usage     llm.Usage

	current          *partialCall
	reasoningOpen    bool
	currentReasoning ReasoningSegment

	// buffer is the turn-local raw text buffer the inline tag scan runs over.
	buffer strings.Builder
	// activeTags holds synthesized ids whose open marker was seen but whose
	// close marker has not arrived yet; completedTags holds ids already
	// promoted to tool calls, making re-scans idempotent.
	activeTags    map[string]bool
	completedTags map[string]bool
}

var (
	toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.:-]{0,63}$`)
	tagOpenPattern  = regexp.MustCompile(`<tool_call\s+name="([^"]+)"\s*>`)
	tagParamPattern = regexp.MustCompile(`(?s)<param\s+name="([^"]+)"\s*>(.*?)</param>`)
)

const (
	tagOpenMarker  = "<tool_call"
	tagCloseMarker = "</tool_call>"
)

// Parser decodes the provider event stream into a StreamState. It owns name
// validation: calls whose name fails the identifier pattern or is not in the
// allowed set for the active mode are dropped at this boundary so hallucinated
// function names never reach the scheduler.
type Parser struct {
	allowed map[string]bool
	log     *zap.Logger
}

// NewParser builds a parser restricted to the given tool names. A nil logger
// falls back to a no-op logger.
func NewParser(allowedNames []string, log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedNames))
	for _, n := range allowedNames {
		allowed[n] = true
	}
	return &Parser{allowed: allowed, log: log}
}

// NewState returns a fresh per-turn accumulator.
func (p *Parser) NewState() *StreamState {
	return &StreamState{
		activeTags:    make(map[string]bool),
		completedTags: make(map[string]bool),
	}
}

// Feed applies one provider event to the state. It returns the event's error
// for EventError and nil otherwise; malformed tool calls are recorded on the
// state rather than returned.
func (p *Parser) Feed(st *StreamState, ev llm.StreamEvent) error {
	switch ev.Type {
	case llm.EventText:
		p.closeReasoning(st)
		st.Content += ev.Text
		st.buffer.WriteString(ev.Text)
		p.scanInlineTags(st)

	case llm.EventReasoning:
		if !st.reasoningOpen {
			st.reasoningOpen = true
			st.currentReasoning = ReasoningSegment{ID: uuid.NewString()}
		}
		st.currentReasoning.Text += ev.Text

	case llm.EventToolCall:
		p.closeReasoning(st)
		if ev.ToolCall == nil {
			return nil
		}
		p.acceptCall(st, *ev.ToolCall)

	case llm.EventToolCallStart:
		p.closeReasoning(st)
		id := ""
		name := ""
		if ev.Partial != nil {
			id = ev.Partial.ID
			name = ev.Partial.Name
		}
		if id == "" {
			id = uuid.NewString()
		}
		st.current = &partialCall{id: id, name: name}

	case llm.EventToolCallDelta:
		if st.current != nil && ev.Partial != nil {
			st.current.args.WriteString(ev.Partial.ArgsDelta)
		}

	case llm.EventToolCallEnd:
		if st.current == nil {
			return nil
		}
		call := p.finishCurrent(st.current)
		st.current = nil
		p.acceptCall(st, call)

	case llm.EventError:
		p.closeReasoning(st)
		return ev.Err

	case llm.EventDone:
		p.closeReasoning(st)
		if st.current != nil {
			// Provider ended without a tool_call_end; finish what we have.
			call := p.finishCurrent(st.current)
			st.current = nil
			p.acceptCall(st, call)
		}
		p.scanInlineTags(st)
		if ev.Done != nil {
			st.Usage = ev.Done.Usage
			p.mergeDone(st, ev.Done)
		}
	}
	return nil
}

// finishCurrent parses the accumulated argument text. A JSON parse failure
// produces a call carrying the raw text and a parse-error payload instead of
// being dropped.
func (p *Parser) finishCurrent(cur *partialCall) session.ToolCall {
	raw := cur.args.String()
	call := session.ToolCall{
		ToolCallID: cur.id,
		Name:       cur.name,
		RawArgs:    raw,
		Status:     session.StatusPending,
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		call.Args = map[string]any{}
		return call
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		call.Error = fmt.Sprintf("invalid JSON arguments: %v", err)
		return call
	}
	call.Args = args
	return call
}

// acceptCall validates the name and records the call. Duplicate ids (e.g. a
// done payload replaying a call already streamed) are ignored.
func (p *Parser) acceptCall(st *StreamState, call session.ToolCall) {
	if !toolNamePattern.MatchString(call.Name) {
		p.log.Debug("dropping tool call with malformed name", zap.String("name", call.Name))
		return
	}
	if len(p.allowed) > 0 && !p.allowed[call.Name] {
		p.log.Debug("dropping tool call for unavailable tool", zap.String("name", call.Name))
		return
	}
	for _, existing := range st.ToolCalls {
		if existing.ToolCallID == call.ToolCallID {
			return
		}
	}
	if call.Status == "" {
		call.Status = session.StatusPending
	}
	st.ToolCalls = append(st.ToolCalls, call)
}

// mergeDone folds the final turn result's tool calls into the state. Calls
// already captured during streaming keep their streamed form.
func (p *Parser) mergeDone(st *StreamState, done *llm.TurnResult) {
	for _, call := range done.ToolCalls {
		p.acceptCall(st, call)
	}
	if st.Content == "" && done.Content != "" {
		st.Content = done.Content
		st.buffer.WriteString(done.Content)
		p.scanInlineTags(st)
	}
}

func (p *Parser) closeReasoning(st *StreamState) {
	if !st.reasoningOpen {
		return
	}
	st.reasoningOpen = false
	if strings.TrimSpace(st.currentReasoning.Text) == "" {
		return
	}
	st.Reasoning = append(st.Reasoning, st.currentReasoning)
}

// scanInlineTags re-scans the full turn-local buffer for the last occurrence
// of the inline tag dialect's open marker and, once a matching close marker
// has arrived, synthesizes a tool call exactly once per synthesized id. The
// id derives from the tag name and buffer offset, so re-scanning an unchanged
// buffer is idempotent.
func (p *Parser) scanInlineTags(st *StreamState) {
	buf := st.buffer.String()
	idx := strings.LastIndex(buf, tagOpenMarker)
	if idx < 0 {
		return
	}

	open := tagOpenPattern.FindStringSubmatchIndex(buf[idx:])
	if open == nil {
		// Open marker still arriving; nothing to do until more text lands.
		return
	}
	name := buf[idx+open[2] : idx+open[3]]
	id := fmt.Sprintf("tag_%s_%d", name, idx)

	rest := buf[idx+open[1]:]
	closeAt := strings.Index(rest, tagCloseMarker)
	if closeAt < 0 {
		st.activeTags[id] = true
		return
	}
	if st.completedTags[id] {
		return
	}
	st.completedTags[id] = true
	delete(st.activeTags, id)

	body := rest[:closeAt]
	args := map[string]any{}
	for _, m := range tagParamPattern.FindAllStringSubmatch(body, -1) {
		args[m[1]] = strings.TrimSpace(m[2])
	}

	p.acceptCall(st, session.ToolCall{
		ToolCallID: id,
		Name:       name,
		Args:       args,
		RawArgs:    strings.TrimSpace(body),
		Status:     session.StatusPending,
	})
}
