package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/session"
)

func testRecoveryConfig() config.Recovery {
	return config.Recovery{
		SaveIntervalSeconds: 1,
		TTLMinutes:          30,
		MaxPoints:           3,
		ResumeBudget:        2,
		HistoryLimit:        5,
	}
}

func TestCrashRecovery(t *testing.T) {
	j := NewJournal(testRecoveryConfig(), t.TempDir(), nil)

	history := []session.Message{
		session.NewMessage("system", "prompt"),
		session.NewMessage("user", "do the thing"),
	}
	j.StartSession("work", history)
	j.AppendContent("I will start by ")
	j.AppendContent("reading the file.")
	j.AddPendingToolCalls([]session.ToolCall{
		{ToolCallID: "c1", Name: "read_file", Status: session.StatusPending},
		{ToolCallID: "c2", Name: "write_file", Status: session.StatusPending},
	})
	j.AddCompletedToolCall(session.ToolCall{ToolCallID: "c1", Name: "read_file", Status: session.StatusSuccess})

	// Simulated crash: no EndSession.
	if !j.CanRecover() {
		t.Fatal("an open session within TTL and budget must be recoverable")
	}

	points, err := j.GetRecoverablePoints()
	if err != nil || len(points) != 1 {
		t.Fatalf("expected 1 persisted point, got %d (err=%v)", len(points), err)
	}
	point := points[0]

	if len(point.PendingToolCalls) != 1 || point.PendingToolCalls[0].ToolCallID != "c2" {
		t.Errorf("pending calls must exclude completed ones: %+v", point.PendingToolCalls)
	}
	if len(point.CompletedToolCalls) != 1 || point.CompletedToolCalls[0].ToolCallID != "c1" {
		t.Errorf("completed calls wrong: %+v", point.CompletedToolCalls)
	}

	messages := j.PrepareRecoveryMessages(point)
	if len(messages) < 2 {
		t.Fatalf("expected history plus replay plus instruction, got %d messages", len(messages))
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Continue exactly where you left off") {
		t.Errorf("last message must be the synthetic continuation instruction, got %+v", last)
	}
	replay := messages[len(messages)-2]
	if replay.Role != "assistant" || replay.Content != "I will start by reading the file." {
		t.Errorf("partial content must be replayed as the final assistant message, got %+v", replay)
	}
	if len(replay.ToolCalls) != 1 || replay.ToolCalls[0].ToolCallID != "c1" {
		t.Errorf("completed calls must be replayed on the assistant message, got %+v", replay.ToolCalls)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	j := NewJournal(testRecoveryConfig(), t.TempDir(), nil)

	var history []session.Message
	for i := 0; i < 20; i++ {
		history = append(history, session.NewMessage("user", "m"))
	}
	j.StartSession("work", history)

	points, _ := j.GetRecoverablePoints()
	if len(points) != 1 {
		t.Fatal("expected a persisted point")
	}
	if len(points[0].ProviderMessages) != 5 {
		t.Errorf("history must be bounded to the limit, got %d", len(points[0].ProviderMessages))
	}
}

func TestTTLExpiry(t *testing.T) {
	j := NewJournal(testRecoveryConfig(), t.TempDir(), nil)
	now := time.Now()
	j.now = func() time.Time { return now }

	j.StartSession("work", nil)
	j.AppendContent("partial")
	if !j.CanRecover() {
		t.Fatal("fresh session must be recoverable")
	}

	j.now = func() time.Time { return now.Add(31 * time.Minute) }
	if j.CanRecover() {
		t.Error("session past the TTL must not be recoverable")
	}
}

func TestResumeBudgetExhaustion(t *testing.T) {
	j := NewJournal(testRecoveryConfig(), t.TempDir(), nil)
	j.StartSession("work", nil)
	j.AppendContent("partial")

	points, _ := j.GetRecoverablePoints()
	if len(points) != 1 {
		t.Fatal("expected a persisted point")
	}
	point := points[0]

	j.PrepareRecoveryMessages(point)
	j.PrepareRecoveryMessages(point)

	if j.recoverable(point) {
		t.Error("resume budget of 2 must be exhausted after two resumes")
	}
}

func TestSuccessfulEndRemovesSnapshot(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(testRecoveryConfig(), dir, nil)
	j.StartSession("work", nil)
	j.AppendContent("partial")
	j.EndSession(true)

	if j.CanRecover() {
		t.Error("a successfully ended session must not be recoverable")
	}
	points, _ := j.GetRecoverablePoints()
	if len(points) != 0 {
		t.Errorf("snapshot must be removed on success, found %d", len(points))
	}
}

func TestPointCapEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(testRecoveryConfig(), dir, nil)

	for i := 0; i < 5; i++ {
		j.StartSession("work", nil)
		j.AppendContent("partial")
		j.EndSession(false)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	jsonFiles := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			jsonFiles++
		}
	}
	if jsonFiles > 3 {
		t.Errorf("at most MaxPoints snapshots may be retained, found %d", jsonFiles)
	}
}

func TestEventJournalAppends(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(testRecoveryConfig(), dir, nil)
	j.StartSession("work", nil)
	j.AddCompletedToolCall(session.ToolCall{ToolCallID: "c1", Name: "read_file"})
	j.EndSession(true)

	data, err := os.ReadFile(filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		t.Fatalf("event journal missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Errorf("expected start, tool and end events, got %d lines", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "{") {
			t.Errorf("journal line is not JSON: %q", line)
		}
	}
}
