package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/tools/mcp"
)

// Meta keys conventionally set by mutating tools so the change-tracking /
// undo collaborator can snapshot what changed.
const (
	MetaOldContent   = "old_content"
	MetaNewContent   = "new_content"
	MetaLinesAdded   = "lines_added"
	MetaLinesRemoved = "lines_removed"
)

// Result is the structured outcome of one tool execution. Success=false with
// a populated Error means the tool ran and failed; that is reported to the
// model as a tool result, not raised as a Go error.
type Result struct {
	Success bool
	Output  string
	Error   string
	Meta    map[string]any
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a failed result carrying the error detail.
func Fail(format string, a ...any) *Result {
	msg := fmt.Sprintf(format, a...)
	return &Result{Success: false, Output: msg, Error: msg}
}

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools      map[string]Tool
	mcpClients map[string]*mcp.MCPClient
	readOnly   map[string]bool
}

func NewToolRegistry(cfg *config.Config) *ToolRegistry {
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
		readOnly:   make(map[string]bool),
	}

	// Register default tools
	r.RegisterReadOnly(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.RegisterReadOnly(&ListDirectoryTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})

	for _, server := range cfg.AdditionalMCPServers {
		client, err := mcp.NewMCPClient(server.Name, server.Command, server.Args)
		if err != nil {
			fmt.Printf("Warning: could not start MCP server '%s': %v\n", server.Name, err)
			continue
		}
		r.mcpClients[server.Name] = client
		for _, tool := range client.Tools() {
			r.Register(&mcpToolAdapter{tool: tool})
		}
	}

	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// RegisterReadOnly registers a tool and marks it safe to run concurrently
// with other reads. The scheduler consults this set.
func (r *ToolRegistry) RegisterReadOnly(t Tool) {
	r.Register(t)
	r.readOnly[t.Name()] = true
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// IsReadOnly reports whether a tool is on the read-only allow-list. Unknown
// tools are treated as mutating; over-serializing is the safe direction.
func (r *ToolRegistry) IsReadOnly(name string) bool {
	return r.readOnly[name]
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Stop terminates any MCP server subprocesses owned by the registry.
func (r *ToolRegistry) Stop() {
	for _, client := range r.mcpClients {
		_ = client.Stop()
	}
}

// GetActiveTools returns the tool instances for a given toolset. MCP tools
// are referenced as "<server>:<tool>"; "<server>:*" selects every tool the
// server advertises.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	for _, toolName := range ts.Tools {
		if server, tool, ok := strings.Cut(toolName, ":"); ok {
			client, found := r.mcpClients[server]
			if !found {
				return nil, errors.New("MCP server '%s' for tool '%s' is not configured", server, toolName)
			}
			if tool == "*" {
				for _, t := range client.Tools() {
					activeTools = append(activeTools, &mcpToolAdapter{tool: t})
				}
				continue
			}
			t, found := client.GetTool(tool)
			if !found {
				return nil, errors.New("MCP server '%s' does not provide tool '%s'", server, tool)
			}
			activeTools = append(activeTools, &mcpToolAdapter{tool: t})
			continue
		}

		if t, ok := r.GetTool(toolName); ok {
			activeTools = append(activeTools, t)
		} else {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
	}
	return activeTools, nil
}

// mcpToolAdapter lifts an MCP tool into the Result-shaped Tool interface.
type mcpToolAdapter struct {
	tool *mcp.MCPTool
}

func (a *mcpToolAdapter) Name() string        { return a.tool.Name() }
func (a *mcpToolAdapter) Description() string { return a.tool.Description() }

func (a *mcpToolAdapter) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	out, err := a.tool.Execute(ctx, args)
	if err != nil {
		return Fail("%v", err), nil
	}
	return Ok(out), nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) (bool, error) {
	cmdParts := strings.Fields(command)
	if len(cmdParts) == 0 {
		return false, nil
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
