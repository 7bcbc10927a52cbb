package agent

import (
	"testing"

	"github.com/cruxlabs/crux/session"
)

func sig(name, path string) session.ToolCall {
	return session.ToolCall{Name: name, Args: map[string]any{"path": path}}
}

func TestThresholdBoundary(t *testing.T) {
	const threshold = 3

	// Exactly threshold occurrences: no loop.
	d := NewLoopDetector(10, threshold)
	var check LoopCheck
	for i := 0; i < threshold; i++ {
		check = d.Check([]session.ToolCall{sig("read_file", "a.txt")})
	}
	if check.IsLoop {
		t.Errorf("%d occurrences must not trip a threshold of %d", threshold, threshold)
	}

	// One more occurrence trips it.
	check = d.Check([]session.ToolCall{sig("read_file", "a.txt")})
	if !check.IsLoop {
		t.Fatalf("%d occurrences must trip a threshold of %d", threshold+1, threshold)
	}
	if check.Reason == "" || check.Suggestion == "" {
		t.Error("a detected loop must carry a reason and a suggestion")
	}
}

func TestDifferentArgumentsAreDifferentSignatures(t *testing.T) {
	d := NewLoopDetector(10, 2)
	for i, path := range []string{"a", "b", "c", "d", "e"} {
		if check := d.Check([]session.ToolCall{sig("read_file", path)}); check.IsLoop {
			t.Fatalf("distinct arguments tripped the detector at call %d", i)
		}
	}
}

func TestArgumentOrderDoesNotChangeSignature(t *testing.T) {
	d := NewLoopDetector(10, 2)
	a := session.ToolCall{Name: "write_file", Args: map[string]any{"path": "x", "content": "y"}}
	b := session.ToolCall{Name: "write_file", Args: map[string]any{"content": "y", "path": "x"}}

	d.Check([]session.ToolCall{a})
	d.Check([]session.ToolCall{b})
	if check := d.Check([]session.ToolCall{a}); !check.IsLoop {
		t.Error("maps with the same entries must hash to the same signature")
	}
}

func TestContiguousCycleDetection(t *testing.T) {
	// read-A, write-A, read-A, write-A: each signature appears only twice,
	// below a threshold of 3, but the pair repeats as a cycle.
	d := NewLoopDetector(10, 3)
	d.Check([]session.ToolCall{sig("read_file", "a")})
	d.Check([]session.ToolCall{sig("write_file", "a")})
	d.Check([]session.ToolCall{sig("read_file", "a")})
	if check := d.Check([]session.ToolCall{sig("write_file", "a")}); !check.IsLoop {
		t.Error("a repeating two-call cycle must be detected")
	}
}

func TestWindowEviction(t *testing.T) {
	d := NewLoopDetector(3, 2)
	d.Check([]session.ToolCall{sig("read_file", "a")})
	d.Check([]session.ToolCall{sig("read_file", "a")})
	// Push two unrelated calls; the window keeps only the last 3.
	d.Check([]session.ToolCall{sig("read_file", "b")})
	d.Check([]session.ToolCall{sig("read_file", "c")})
	if check := d.Check([]session.ToolCall{sig("read_file", "a")}); check.IsLoop {
		t.Error("signatures evicted from the window must not count")
	}
}

func TestReset(t *testing.T) {
	d := NewLoopDetector(10, 1)
	d.Check([]session.ToolCall{sig("read_file", "a")})
	d.Reset()
	if check := d.Check([]session.ToolCall{sig("read_file", "a")}); check.IsLoop {
		t.Error("Reset must clear the trailing window")
	}
}
