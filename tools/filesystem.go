package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cruxlabs/crux/config"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, ok := args["path"].(string)
	if !ok {
		return Fail("missing or invalid 'path' argument"), nil
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return nil, err
	}
	if hidden {
		return Fail("access denied: path '%s' is hidden", path), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Fail("failed to read file '%s': %v", path, err), nil
	}
	return Ok(string(content)), nil
}

// ListDirectoryTool lists the entries of a directory.
type ListDirectoryTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }
func (t *ListDirectoryTool) Description() string {
	return "Lists the entries of a directory. Args: directory (string)."
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	dir, ok := args["directory"].(string)
	if !ok {
		// Accept "path" as well; models use both.
		dir, ok = args["path"].(string)
	}
	if !ok {
		return Fail("missing or invalid 'directory' argument"), nil
	}

	hidden, err := isPathRestricted(dir, t.fsAccess.Hidden)
	if err != nil {
		return nil, err
	}
	if hidden {
		return Fail("access denied: path '%s' is hidden", dir), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return Fail("failed to list directory '%s': %v", dir, err), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Ok(strings.Join(names, "\n")), nil
}

// WriteFileTool implements the tool for writing to a file. The result meta
// carries the before/after content and line deltas for the undo collaborator.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return Fail("missing or invalid 'path' or 'content' arguments"), nil
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return nil, err
	}
	if hidden {
		return Fail("access denied: path '%s' is hidden", path), nil
	}

	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return nil, err
	}
	if readOnly {
		return Fail("access denied: path '%s' is read-only", path), nil
	}

	var oldContent string
	if prev, err := os.ReadFile(path); err == nil {
		oldContent = string(prev)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return Fail("failed to write to file '%s': %v", path, err), nil
	}

	added, removed := lineDelta(oldContent, content)
	res := Ok(fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path))
	res.Meta = map[string]any{
		MetaOldContent:   oldContent,
		MetaNewContent:   content,
		MetaLinesAdded:   added,
		MetaLinesRemoved: removed,
	}
	return res, nil
}

// lineDelta reports lines added and removed between two contents. This is a
// coarse count, not a diff; the undo collaborator keeps the full snapshots.
func lineDelta(oldContent, newContent string) (added, removed int) {
	oldLines := countLines(oldContent)
	newLines := countLines(newContent)
	if newLines > oldLines {
		added = newLines - oldLines
	} else {
		removed = oldLines - newLines
	}
	return added, removed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
