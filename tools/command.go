package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a shell command. No commands are currently allowed. Args: command (string)."
	}

	allowedList := "Allowed command wildcard patterns:\n"
	for _, cmd := range t.allowedCommands {
		allowedList += fmt.Sprintf("- %s\n", cmd)
	}

	return fmt.Sprintf("Executes a shell command. Args: command (string).\n%s", allowedList)
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	command, ok := args["command"].(string)
	if !ok {
		return Fail("missing or invalid 'command' argument"), nil
	}

	allowed, err := isCommandAllowed(command, t.allowedCommands)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return Fail("command '%s' is not in the list of allowed commands", command), nil
	}

	// Basic shell-like execution
	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return Fail("command execution failed: %v\nOutput:\n%s", err, string(output)), nil
	}

	return Ok(fmt.Sprintf("Command executed successfully. Output:\n%s", string(output))), nil
}
