// Package terminal implements the interactive CLI mode for the Crux agent.
//
// It reads user prompts from stdin, streams assistant text as it arrives,
// prompts for tool approval in prompt mode, and prints tool activity at the
// verbosity level stored on the session ("none", "info" or "all"). On
// startup, if a previous session was interrupted, it offers to resume from
// the newest recovery point.
//
// Terminal mode is one of the two front-ends for Crux; the other is the ACP
// JSON-RPC server in the acp package, used for editor integration.
//
// Exit with /quit or /exit, or by closing stdin.
package terminal
