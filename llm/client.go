package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

// EventType discriminates the decoded provider stream events. Every adapter
// maps its SDK's chunk shapes onto this closed set; consumers switch
// exhaustively on it and never inspect provider-specific fields.
type EventType string

const (
	EventText          EventType = "text"
	EventReasoning     EventType = "reasoning"
	EventToolCall      EventType = "tool_call"
	EventToolCallStart EventType = "tool_call_start"
	EventToolCallDelta EventType = "tool_call_delta"
	EventToolCallEnd   EventType = "tool_call_end"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// PartialToolCall carries an in-flight tool call fragment. ID and Name are
// set on the start event; ArgsDelta accumulates across delta events.
type PartialToolCall struct {
	ID        string
	Name      string
	ArgsDelta string
}

// Usage reports token accounting for a completed turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TurnResult is the payload of the single done event terminating a stream.
type TurnResult struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     Usage
}

// StreamEvent is one decoded event from the provider stream. Exactly one of
// the payload fields matching Type is populated.
type StreamEvent struct {
	Type     EventType
	Text     string              // EventText, EventReasoning
	ToolCall *session.ToolCall   // EventToolCall (complete call)
	Partial  *PartialToolCall    // EventToolCallStart/Delta/End
	Err      error               // EventError
	Done     *TurnResult         // EventDone
}

// StreamClient is the interface for interacting with a Large Language Model.
// ChatStream decodes the provider's response into StreamEvents, sends them on
// events, closes the channel, and returns the final turn result. A stream is
// terminated by exactly one done event or exactly one error event.
type StreamClient interface {
	ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error)
}

// MockLLMClient is a placeholder used when no provider is configured and in
// tests. It parrots the user's last message back as plain text.
type MockLLMClient struct{}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error) {
	defer close(events)
	lastUserMessage := ""
	if len(messages) > 0 {
		lastUserMessage = messages[len(messages)-1].Content
	}
	content := fmt.Sprintf("I am a mock LLM. You said: '%s'.", lastUserMessage)
	events <- StreamEvent{Type: EventText, Text: content}
	done := &TurnResult{Content: content}
	events <- StreamEvent{Type: EventDone, Done: done}
	return done, nil
}

// SummaryClient adapts a StreamClient into the reduced-scope summarization
// call the context compactor consumes.
type SummaryClient struct {
	client StreamClient
}

func NewSummaryClient(client StreamClient) *SummaryClient {
	return &SummaryClient{client: client}
}

// Summarize runs a single no-tools completion over the prompt and returns the
// text. An empty return with nil error means the provider produced nothing;
// callers treat both that and an error as "compaction skipped this cycle".
func (s *SummaryClient) Summarize(ctx context.Context, prompt string) (string, error) {
	events := make(chan StreamEvent, 16)
	go func() {
		// Drain so the adapter never blocks on an unread channel.
		for range events {
		}
	}()
	msgs := []session.Message{
		{Role: "system", Content: "You summarize agent conversations. Reply with a concise summary only."},
		{Role: "user", Content: prompt},
	}
	result, err := s.client.ChatStream(ctx, msgs, nil, events)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}
