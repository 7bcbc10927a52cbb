package terminal

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cruxlabs/crux/agent"
	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/llm"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

func createTestConfig() *config.Config {
	return &config.Config{
		Toolsets: []config.Toolset{
			{Name: "default", Tools: []string{"read_file", "write_file", "list_directory"}},
		},
		MaxIterations:          5,
		ToolTimeoutSeconds:     5,
		ProviderTimeoutSeconds: 5,
		MaxToolOutputChars:     4000,
		Retry:                  config.Retry{MaxRetries: 1, DelayMS: 1},
		Loop:                   config.Loop{WindowSize: 10, Threshold: 3},
		Compaction:             config.Compaction{MaxMessages: 60, MaxChars: 120000, KeepRecent: 10, MaxSummaryChars: 4000},
		Recovery:               config.Recovery{SaveIntervalSeconds: 60, TTLMinutes: 30, MaxPoints: 3, ResumeBudget: 3, HistoryLimit: 20},
	}
}

// scriptedClient plays back one prepared turn result per provider call.
type scriptedClient struct {
	turns []*llm.TurnResult
	calls int
}

func (c *scriptedClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- llm.StreamEvent) (*llm.TurnResult, error) {
	defer close(events)
	turn := c.turns[c.calls]
	c.calls++
	if turn.Content != "" {
		events <- llm.StreamEvent{Type: llm.EventText, Text: turn.Content}
	}
	for i := range turn.ToolCalls {
		call := turn.ToolCalls[i]
		events <- llm.StreamEvent{Type: llm.EventToolCall, ToolCall: &call}
	}
	events <- llm.StreamEvent{Type: llm.EventDone, Done: turn}
	return turn, nil
}

func newTestTerminal(t *testing.T, mode agent.Mode, verbosity string, client llm.StreamClient, input string) (*Terminal, *bytes.Buffer) {
	t.Helper()
	t.Chdir(t.TempDir())

	sess, err := session.New("test-terminal")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	sess.ToolVerbosity = verbosity

	a, err := agent.New(createTestConfig(), sess, "default", mode, client, nil)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	t.Cleanup(a.Close)

	var out bytes.Buffer
	term := &Terminal{
		agent: a,
		in:    bufio.NewReader(strings.NewReader(input)),
		out:   &out,
	}
	return term, &out
}

func TestNew(t *testing.T) {
	t.Chdir(t.TempDir())
	sess, err := session.New("test-new")
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	a, err := agent.New(createTestConfig(), sess, "default", agent.ModeAuto, &llm.MockLLMClient{}, nil)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	defer a.Close()

	term := New(a)
	if term == nil {
		t.Fatal("expected terminal instance, got nil")
	}
	if term.agent != a {
		t.Fatal("terminal agent does not match the provided agent")
	}
}

func TestProcessTurnStreamsAssistantText(t *testing.T) {
	term, out := newTestTerminal(t, agent.ModeAuto, VerbosityNone, &llm.MockLLMClient{}, "")

	if err := term.processTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("processTurn failed: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Crux: ") {
		t.Errorf("output missing assistant prefix: %q", got)
	}
	if !strings.Contains(got, "You said: 'hello'") {
		t.Errorf("output missing mock response: %q", got)
	}
}

func TestRunExitsOnQuitCommand(t *testing.T) {
	term, out := newTestTerminal(t, agent.ModeAuto, VerbosityNone, &llm.MockLLMClient{}, "/quit\n")

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "You: ") {
		t.Errorf("expected input prompt in output, got %q", out.String())
	}
}

func TestRunExitsOnEOF(t *testing.T) {
	term, _ := newTestTerminal(t, agent.ModeAuto, VerbosityNone, &llm.MockLLMClient{}, "")

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run should treat EOF as a clean exit, got: %v", err)
	}
}

func TestRunProcessesInitialPrompt(t *testing.T) {
	term, out := newTestTerminal(t, agent.ModeAuto, VerbosityNone, &llm.MockLLMClient{}, "")

	if err := term.Run(context.Background(), "initial prompt"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(out.String(), "You said: 'initial prompt'") {
		t.Errorf("initial prompt was not processed, output: %q", out.String())
	}
}

func TestVerbosityControlsToolOutput(t *testing.T) {
	cases := []struct {
		name          string
		verbosity     string
		wantCallLine  bool
		wantArgs      bool
		wantToolReply bool
	}{
		{"none", VerbosityNone, false, false, false},
		{"info", VerbosityInfo, true, false, false},
		{"all", VerbosityAll, true, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &scriptedClient{turns: []*llm.TurnResult{
				{ToolCalls: []session.ToolCall{{
					ToolCallID: "call_1",
					Name:       "write_file",
					Args:       map[string]any{"path": "note.txt", "content": "hi"},
					Status:     session.StatusPending,
				}}},
				{Content: "Done."},
			}}
			term, out := newTestTerminal(t, agent.ModeAuto, tc.verbosity, client, "")

			if err := term.processTurn(context.Background(), "write a note"); err != nil {
				t.Fatalf("processTurn failed: %v", err)
			}

			got := out.String()
			if has := strings.Contains(got, "call tool `write_file`"); has != tc.wantCallLine {
				t.Errorf("tool call line present=%v, want %v; output: %q", has, tc.wantCallLine, got)
			}
			if has := strings.Contains(got, "note.txt"); has != tc.wantArgs {
				t.Errorf("tool args present=%v, want %v; output: %q", has, tc.wantArgs, got)
			}
			if has := strings.Contains(got, "Tool `write_file` output:"); has != tc.wantToolReply {
				t.Errorf("tool result present=%v, want %v; output: %q", has, tc.wantToolReply, got)
			}
		})
	}
}

func TestApprovalPromptApprove(t *testing.T) {
	client := &scriptedClient{turns: []*llm.TurnResult{
		{ToolCalls: []session.ToolCall{{
			ToolCallID: "call_1",
			Name:       "write_file",
			Args:       map[string]any{"path": "approved.txt", "content": "ok"},
			Status:     session.StatusPending,
		}}},
		{Content: "Written."},
	}}
	term, out := newTestTerminal(t, agent.ModePrompt, VerbosityNone, client, "y\n")

	if err := term.processTurn(context.Background(), "write it"); err != nil {
		t.Fatalf("processTurn failed: %v", err)
	}

	if !strings.Contains(out.String(), "Do you want to allow this? (y/n):") {
		t.Fatalf("approval prompt missing from output: %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(".", "approved.txt")); err != nil {
		t.Errorf("approved tool call should have written the file: %v", err)
	}
}

func TestApprovalPromptReject(t *testing.T) {
	client := &scriptedClient{turns: []*llm.TurnResult{
		{ToolCalls: []session.ToolCall{{
			ToolCallID: "call_1",
			Name:       "write_file",
			Args:       map[string]any{"path": "rejected.txt", "content": "no"},
			Status:     session.StatusPending,
		}}},
		{Content: "Understood."},
	}}
	term, _ := newTestTerminal(t, agent.ModePrompt, VerbosityNone, client, "n\n")

	if err := term.processTurn(context.Background(), "write it"); err != nil {
		t.Fatalf("processTurn failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(".", "rejected.txt")); !os.IsNotExist(err) {
		t.Errorf("rejected tool call must not write the file, stat err: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("rejection should feed a result back to the model, got %d provider calls", client.calls)
	}
}
