package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cruxlabs/crux/agent"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

// Tool verbosity levels, stored on the session as plain strings.
const (
	VerbosityNone = "none"
	VerbosityInfo = "info"
	VerbosityAll  = "all"
)

// Terminal handles the interactive CLI mode for the agent.
type Terminal struct {
	agent *agent.Agent
	in    *bufio.Reader
	out   io.Writer
}

// New creates a Terminal bound to stdin/stdout.
func New(a *agent.Agent) *Terminal {
	return &Terminal{
		agent: a,
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
	}
}

// Run starts the interactive session. An initial prompt from the command line
// is processed first; the loop then reads user input until EOF or an exit
// command.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt == "" {
		if err := t.maybeOfferRecovery(ctx); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}

	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		line, err := t.in.ReadString('\n')
		if err != nil {
			// EOF or read error ends the session
			if err == io.EOF {
				return nil
			}
			return err
		}

		userInput := strings.TrimSpace(line)
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			return nil
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}
}

// maybeOfferRecovery checks for an interrupted session left by a crash and
// offers to resume the newest one.
func (t *Terminal) maybeOfferRecovery(ctx context.Context) error {
	points, err := t.agent.GetRecoverableSessions()
	if err != nil || len(points) == 0 {
		return err
	}
	point := points[0]
	fmt.Fprintf(t.out, "Found an interrupted session %q from %s. Resume it? (y/n): ",
		point.SessionName, point.Timestamp.Format("15:04:05"))
	if !t.readYes() {
		return nil
	}
	return t.agent.RecoverFromPoint(ctx, point, t.callbacks())
}

// processTurn handles a single user input turn.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	err := t.agent.SendTurn(ctx, userInput, t.callbacks())
	fmt.Fprintln(t.out)
	return err
}

// callbacks builds the terminal-specific turn callbacks. Approval prompts
// block the turn on stdin; the agent resolves the pending call through
// Approve/Reject.
func (t *Terminal) callbacks() agent.TurnCallbacks {
	printedPrefix := false
	return agent.TurnCallbacks{
		OnAssistantText: func(text string) {
			if !printedPrefix {
				fmt.Fprint(t.out, "Crux: ")
				printedPrefix = true
			}
			fmt.Fprint(t.out, text)
		},
		OnToolCall: func(call session.ToolCall) {
			switch t.verbosity() {
			case VerbosityAll:
				t.breakLine(&printedPrefix)
				fmt.Fprintf(t.out, "Crux wants to call tool `%s` with args: %v\n", call.Name, call.Args)
			case VerbosityInfo:
				t.breakLine(&printedPrefix)
				fmt.Fprintf(t.out, "Crux wants to call tool `%s`\n", call.Name)
			}
		},
		OnToolResult: func(call session.ToolCall, result *tools.Result) {
			if t.verbosity() != VerbosityAll || result == nil {
				return
			}
			t.breakLine(&printedPrefix)
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", call.Name, result.Output)
		},
		OnApprovalRequest: func(call session.ToolCall) {
			t.breakLine(&printedPrefix)
			fmt.Fprintf(t.out, "Crux wants to call tool `%s` with args: %v\n", call.Name, call.Args)
			fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
			if t.readYes() {
				t.agent.Approve()
			} else {
				t.agent.Reject()
			}
		},
		OnNotice: func(text string) {
			t.breakLine(&printedPrefix)
			fmt.Fprintf(t.out, "%s\n", strings.TrimSpace(text))
		},
	}
}

// breakLine terminates an in-progress streamed assistant line so tool output
// starts on its own line.
func (t *Terminal) breakLine(printedPrefix *bool) {
	if *printedPrefix {
		fmt.Fprintln(t.out)
		*printedPrefix = false
	}
}

func (t *Terminal) verbosity() string {
	if v := t.agent.Session.ToolVerbosity; v != "" {
		return v
	}
	return VerbosityInfo
}

// readYes reads one line from the terminal and reports whether it is an
// affirmative answer. A read error counts as no.
func (t *Terminal) readYes() bool {
	answer, err := t.in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	return strings.TrimSpace(strings.ToLower(answer)) == "y"
}
