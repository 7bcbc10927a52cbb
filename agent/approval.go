package agent

import (
	"context"
	"sync"

	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"go.uber.org/zap"
)

// ApprovalClass categorizes a tool for confirmation purposes.
type ApprovalClass string

const (
	ClassEdits     ApprovalClass = "edits"
	ClassTerminal  ApprovalClass = "terminal"
	ClassDangerous ApprovalClass = "dangerous"
	ClassNone      ApprovalClass = "none"
)

// defaultApprovalClasses is the static class table for the built-in tools.
// Tools absent from the table (MCP tools included) are treated as dangerous.
var defaultApprovalClasses = map[string]ApprovalClass{
	"read_file":       ClassNone,
	"list_directory":  ClassNone,
	"write_file":      ClassEdits,
	"execute_command": ClassTerminal,
}

// pendingApproval is the one-shot wait for a decision. The channel is
// buffered so Approve/Reject never block.
type pendingApproval struct {
	call     *session.ToolCall
	decision chan bool
}

// ApprovalGate decides which tool calls need human confirmation and suspends
// them until a decision arrives. At most one approval is outstanding at a
// time: serial tools run one-at-a-time and parallel groups exclude calls that
// require approval, so the oldest-outstanding rule is trivially unambiguous.
type ApprovalGate struct {
	mu          sync.Mutex
	pending     *pendingApproval
	classes     map[string]ApprovalClass
	autoApprove map[string]bool
	log         *zap.Logger
}

// NewApprovalGate builds a gate from the static class table plus per-session
// overrides and the auto-approve map (class name -> skip confirmation).
func NewApprovalGate(overrides map[string]string, autoApprove map[string]bool, log *zap.Logger) *ApprovalGate {
	if log == nil {
		log = zap.NewNop()
	}
	classes := make(map[string]ApprovalClass, len(defaultApprovalClasses)+len(overrides))
	for name, class := range defaultApprovalClasses {
		classes[name] = class
	}
	for name, class := range overrides {
		classes[name] = ApprovalClass(class)
	}
	return &ApprovalGate{
		classes:     classes,
		autoApprove: autoApprove,
		log:         log,
	}
}

// ClassOf returns the approval class for a tool name.
func (g *ApprovalGate) ClassOf(name string) ApprovalClass {
	if class, ok := g.classes[name]; ok {
		return class
	}
	return ClassDangerous
}

// RequiresApproval is a pure function of the class table intersected with the
// auto-approve configuration. Class none never requires approval.
func (g *ApprovalGate) RequiresApproval(name string) bool {
	class := g.ClassOf(name)
	if class == ClassNone {
		return false
	}
	return !g.autoApprove[string(class)]
}

// Wait suspends the call until Approve or Reject resolves it, or the context
// is cancelled. It returns whether the call was approved. A second Wait while
// one is outstanding is a programming error and fails immediately.
func (g *ApprovalGate) Wait(ctx context.Context, call *session.ToolCall) (bool, error) {
	p, err := g.register(call)
	if err != nil {
		return false, err
	}
	return g.await(ctx, p)
}

// register installs the one-shot wait. It is split from await so the runner
// can announce the pending approval after the decision channel exists; a
// front-end may then resolve it synchronously from its prompt callback.
func (g *ApprovalGate) register(call *session.ToolCall) (*pendingApproval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, errors.New("approval already outstanding for %s", g.pending.call.ToolCallID)
	}
	p := &pendingApproval{call: call, decision: make(chan bool, 1)}
	g.pending = p
	return p, nil
}

func (g *ApprovalGate) await(ctx context.Context, p *pendingApproval) (bool, error) {
	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		g.clear(p)
		return false, ctx.Err()
	}
}

// Approve resolves the outstanding wait positively. It is a no-op when no
// call is awaiting approval.
func (g *ApprovalGate) Approve() {
	g.resolve(true)
}

// Reject resolves the outstanding wait negatively. It is a no-op when no
// call is awaiting approval.
func (g *ApprovalGate) Reject() {
	g.resolve(false)
}

// Outstanding returns the call currently awaiting a decision, or nil.
func (g *ApprovalGate) Outstanding() *session.ToolCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	return g.pending.call
}

func (g *ApprovalGate) resolve(approved bool) {
	g.mu.Lock()
	p := g.pending
	g.pending = nil
	g.mu.Unlock()
	if p == nil {
		return
	}
	p.decision <- approved
	g.log.Debug("approval resolved",
		zap.String("tool_call_id", p.call.ToolCallID),
		zap.Bool("approved", approved))
}

func (g *ApprovalGate) clear(p *pendingApproval) {
	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()
}
