package agent

import (
	"strings"

	"github.com/cruxlabs/crux/session"
	"go.uber.org/zap"
)

// DependencyAnalysis is the scheduler's verdict for one batch: groups safe to
// run concurrently plus a serial remainder that preserves request order. It
// is derived per batch and never persisted.
type DependencyAnalysis struct {
	ParallelGroups [][]session.ToolCall
	SerialTools    []session.ToolCall
}

// ReadOnlyChecker reports whether a tool is on the read-only allow-list.
// Unknown tools must report false; over-serializing is the safe direction.
type ReadOnlyChecker interface {
	IsReadOnly(name string) bool
}

// Scheduler partitions a batch of tool calls by read/write target-path
// analysis. The heuristic is single-pass and conservative: false
// serialization is acceptable, two calls racing on the same path is not.
type Scheduler struct {
	readOnly ReadOnlyChecker
	log      *zap.Logger
}

func NewScheduler(readOnly ReadOnlyChecker, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{readOnly: readOnly, log: log}
}

// targetPathKeys are the conventional argument keys a tool's target path is
// read from. Tools with several target paths (move/rename) are not modeled;
// they are mutating and therefore always serial.
var targetPathKeys = []string{"path", "file_path", "directory"}

// AnalyzeBatch computes the dependency analysis for one model turn's batch.
// A batch of exactly one call bypasses analysis and runs serially, which is
// observably identical to analyzing it.
func (s *Scheduler) AnalyzeBatch(batch []session.ToolCall) DependencyAnalysis {
	if len(batch) <= 1 {
		return DependencyAnalysis{SerialTools: batch}
	}

	// First pass: collect every mutating call's target path.
	writeTargets := make(map[string]bool)
	for _, call := range batch {
		if s.readOnly.IsReadOnly(call.Name) {
			continue
		}
		if target := extractTargetPath(call); target != "" {
			writeTargets[target] = true
		}
	}

	var independent []session.ToolCall
	var serial []session.ToolCall
	for _, call := range batch {
		if !s.readOnly.IsReadOnly(call.Name) {
			serial = append(serial, call)
			continue
		}
		target := extractTargetPath(call)
		if target != "" && writeTargets[target] {
			// A write in this batch touches the same path; the read must wait.
			serial = append(serial, call)
			continue
		}
		independent = append(independent, call)
	}

	analysis := DependencyAnalysis{SerialTools: serial}
	if len(independent) > 0 {
		analysis.ParallelGroups = [][]session.ToolCall{independent}
	}
	s.log.Debug("analyzed tool call batch",
		zap.Int("batch", len(batch)),
		zap.Int("parallel", len(independent)),
		zap.Int("serial", len(serial)))
	return analysis
}

// extractTargetPath pulls the call's target path from the first conventional
// key present, normalized for comparison.
func extractTargetPath(call session.ToolCall) string {
	for _, key := range targetPathKeys {
		if v, ok := call.Args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return normalizePath(s)
			}
		}
	}
	return ""
}

// normalizePath makes path comparison case- and slash-insensitive.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimSuffix(p, "/")
	return strings.ToLower(p)
}
