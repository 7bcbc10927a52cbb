package agent

import (
	"fmt"
	"testing"

	"github.com/cruxlabs/crux/llm"
	"github.com/cruxlabs/crux/session"
)

func feedAll(t *testing.T, p *Parser, st *StreamState, events ...llm.StreamEvent) {
	t.Helper()
	for _, ev := range events {
		if err := p.Feed(st, ev); err != nil {
			t.Fatalf("Feed returned unexpected error: %v", err)
		}
	}
}

func TestStreamedToolCallRoundTrip(t *testing.T) {
	p := NewParser([]string{"read_file"}, nil)
	st := p.NewState()

	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventToolCallStart, Partial: &llm.PartialToolCall{ID: "call_1", Name: "read_file"}},
		llm.StreamEvent{Type: llm.EventToolCallDelta, Partial: &llm.PartialToolCall{ArgsDelta: `{"pa`}},
		llm.StreamEvent{Type: llm.EventToolCallDelta, Partial: &llm.PartialToolCall{ArgsDelta: `th": "main.go"}`}},
		llm.StreamEvent{Type: llm.EventToolCallEnd},
	)

	if len(st.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(st.ToolCalls))
	}
	call := st.ToolCalls[0]
	if call.ToolCallID != "call_1" {
		t.Errorf("id not preserved: %q", call.ToolCallID)
	}
	if call.Args["path"] != "main.go" {
		t.Errorf("arguments not assembled from deltas: %+v", call.Args)
	}
	if call.Error != "" {
		t.Errorf("unexpected parse error: %s", call.Error)
	}
}

func TestStreamedToolCallInvalidJSON(t *testing.T) {
	p := NewParser([]string{"read_file"}, nil)
	st := p.NewState()

	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventToolCallStart, Partial: &llm.PartialToolCall{ID: "call_1", Name: "read_file"}},
		llm.StreamEvent{Type: llm.EventToolCallDelta, Partial: &llm.PartialToolCall{ArgsDelta: `{"path": `}},
		llm.StreamEvent{Type: llm.EventToolCallEnd},
	)

	if len(st.ToolCalls) != 1 {
		t.Fatalf("a call with unparseable arguments must be kept, got %d calls", len(st.ToolCalls))
	}
	call := st.ToolCalls[0]
	if call.Error == "" {
		t.Error("expected a parse-error payload")
	}
	if call.RawArgs != `{"path": ` {
		t.Errorf("raw argument text must survive the parse failure, got %q", call.RawArgs)
	}
}

func TestInlineTagDialect(t *testing.T) {
	p := NewParser([]string{"read_file"}, nil)
	st := p.NewState()

	// The tag arrives split across chunks; nothing should be emitted until
	// the close marker lands.
	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventText, Text: `Let me check. <tool_call name="read_file">`},
		llm.StreamEvent{Type: llm.EventText, Text: `<param name="path">main.go</param>`},
	)
	if len(st.ToolCalls) != 0 {
		t.Fatalf("tag not closed yet, expected 0 calls, got %d", len(st.ToolCalls))
	}

	feedAll(t, p, st, llm.StreamEvent{Type: llm.EventText, Text: `</tool_call> done.`})
	if len(st.ToolCalls) != 1 {
		t.Fatalf("expected 1 synthesized call, got %d", len(st.ToolCalls))
	}
	call := st.ToolCalls[0]
	if call.Name != "read_file" || call.Args["path"] != "main.go" {
		t.Errorf("unexpected synthesized call: %+v", call)
	}
	wantID := fmt.Sprintf("tag_read_file_%d", len("Let me check. "))
	if call.ToolCallID != wantID {
		t.Errorf("tag id must be deterministic from name and offset: got %q want %q", call.ToolCallID, wantID)
	}
}

func TestInlineTagScanIdempotence(t *testing.T) {
	p := NewParser([]string{"read_file"}, nil)
	st := p.NewState()

	feedAll(t, p, st, llm.StreamEvent{Type: llm.EventText,
		Text: `<tool_call name="read_file"><param name="path">a.txt</param></tool_call>`})
	if len(st.ToolCalls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(st.ToolCalls))
	}

	// Further text chunks re-scan the unchanged tag region; the completed-id
	// set must prevent re-emission.
	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventText, Text: " trailing text"},
		llm.StreamEvent{Type: llm.EventText, Text: " more"},
		llm.StreamEvent{Type: llm.EventDone, Done: &llm.TurnResult{}},
	)
	if len(st.ToolCalls) != 1 {
		t.Errorf("re-scan re-emitted a completed call: %d calls", len(st.ToolCalls))
	}
}

func TestNameValidationDropsHallucinatedTools(t *testing.T) {
	p := NewParser([]string{"read_file"}, nil)
	st := p.NewState()

	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &session.ToolCall{ToolCallID: "c1", Name: "made_up_tool", Args: map[string]any{}}},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &session.ToolCall{ToolCallID: "c2", Name: "not a valid name!", Args: map[string]any{}}},
		llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &session.ToolCall{ToolCallID: "c3", Name: "read_file", Args: map[string]any{"path": "x"}}},
	)

	if len(st.ToolCalls) != 1 || st.ToolCalls[0].ToolCallID != "c3" {
		t.Errorf("expected only the allowed tool to survive, got %+v", st.ToolCalls)
	}
}

func TestReasoningSegments(t *testing.T) {
	p := NewParser(nil, nil)
	st := p.NewState()

	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventReasoning, Text: "thinking "},
		llm.StreamEvent{Type: llm.EventReasoning, Text: "hard"},
		llm.StreamEvent{Type: llm.EventText, Text: "answer"},
		llm.StreamEvent{Type: llm.EventReasoning, Text: "   "},
		llm.StreamEvent{Type: llm.EventDone},
	)

	if len(st.Reasoning) != 1 {
		t.Fatalf("expected 1 reasoning segment (empty one discarded), got %d", len(st.Reasoning))
	}
	if st.Reasoning[0].Text != "thinking hard" {
		t.Errorf("unexpected segment text: %q", st.Reasoning[0].Text)
	}
	if st.Reasoning[0].ID == "" {
		t.Error("segment must carry an id")
	}
}

func TestDoneMergesUnstreamedCalls(t *testing.T) {
	p := NewParser([]string{"read_file", "write_file"}, nil)
	st := p.NewState()

	feedAll(t, p, st,
		llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &session.ToolCall{ToolCallID: "c1", Name: "read_file", Args: map[string]any{"path": "a"}}},
		llm.StreamEvent{Type: llm.EventDone, Done: &llm.TurnResult{
			ToolCalls: []session.ToolCall{
				{ToolCallID: "c1", Name: "read_file", Args: map[string]any{"path": "a"}},
				{ToolCallID: "c2", Name: "write_file", Args: map[string]any{"path": "b", "content": "x"}},
			},
		}},
	)

	if len(st.ToolCalls) != 2 {
		t.Fatalf("expected done payload to merge the missing call only, got %d calls", len(st.ToolCalls))
	}
	if st.ToolCalls[1].ToolCallID != "c2" {
		t.Errorf("unexpected merged call: %+v", st.ToolCalls[1])
	}
}
