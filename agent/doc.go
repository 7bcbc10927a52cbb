// Package agent is the orchestration core of Crux: it drives the multi-turn
// loop in which the model emits incremental output, requested tools are
// executed against the workspace, and the results are fed back until the
// model stops requesting actions.
//
// # Architecture
//
// The package composes seven collaborators, leaves first:
//
//   - Parser: decodes the provider event stream (text, reasoning, streamed
//     tool-call fragments) into a per-turn StreamState, including an inline
//     tag dialect embedded in plain text.
//   - Scheduler: partitions a batch of tool calls into parallel groups and a
//     serial remainder using read/write target-path analysis.
//   - ApprovalGate: suspends calls that need human confirmation on a one-shot
//     decision channel without blocking sibling calls.
//   - Runner: executes one call through the pending -> awaiting_approval ->
//     running -> terminal state machine with a timeout race and bounded retry.
//   - LoopDetector: flags pathological repetition across the turn.
//   - Compactor: summarizes accumulated history when thresholds are crossed.
//   - Journal: checkpoints turn state so an interrupted request can resume.
//
// The Agent type ties these together and owns lifecycle: SendTurn, Approve,
// Reject, Abort, GetRecoverableSessions, RecoverFromPoint.
//
// # Front-ends
//
// Interaction modes live in subpackages and observe a turn through
// TurnCallbacks:
//
//   - agent/terminal: interactive CLI with y/N approval prompts and
//     configurable tool verbosity.
//   - agent/acp: Agent Client Protocol server (JSON-RPC over stdio) for
//     editor integration; tools are auto-approved in this mode.
package agent
