package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/session"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	calls   int32
	prompts []string
	reply   string
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.reply, f.err
}

func testCompactionConfig() config.Compaction {
	return config.Compaction{
		MaxMessages:     10,
		MaxChars:        1000,
		KeepRecent:      3,
		MaxSummaryChars: 200,
	}
}

func history(n int) []session.Message {
	msgs := []session.Message{session.NewMessage("system", "You are an assistant.")}
	for i := 0; i < n; i++ {
		msgs = append(msgs, session.NewMessage("user", fmt.Sprintf("message %d", i)))
	}
	return msgs
}

func TestShouldCompactThresholds(t *testing.T) {
	c := NewCompactor(testCompactionConfig(), &fakeSummarizer{}, nil)

	if c.ShouldCompact(history(5)) {
		t.Error("below both thresholds must not compact")
	}
	if !c.ShouldCompact(history(15)) {
		t.Error("message count over threshold must compact")
	}

	big := []session.Message{session.NewMessage("user", strings.Repeat("x", 2000))}
	if !c.ShouldCompact(big) {
		t.Error("character count over threshold must compact")
	}
}

func TestCompactReplacesOlderMessages(t *testing.T) {
	s := &fakeSummarizer{reply: "SUMMARY"}
	c := NewCompactor(testCompactionConfig(), s, nil)
	msgs := history(12)

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// system prompt + summary + KeepRecent tail
	if len(out) != 1+1+3 {
		t.Fatalf("expected 5 messages, got %d", len(out))
	}
	if out[0].Role != "system" || !strings.Contains(out[0].Content, "assistant") {
		t.Error("leading system prompt must be preserved")
	}
	if !strings.Contains(out[1].Content, "SUMMARY") {
		t.Errorf("expected summary message, got %q", out[1].Content)
	}
	if out[4].Content != "message 11" {
		t.Errorf("recent tail must be kept verbatim, got %q", out[4].Content)
	}
}

func TestCompactIsIncremental(t *testing.T) {
	s := &fakeSummarizer{reply: "FIRST"}
	c := NewCompactor(testCompactionConfig(), s, nil)
	msgs := history(12)

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("first Compact failed: %v", err)
	}

	// No new messages: the second pass has an empty delta and must not issue
	// another summarization call.
	out2, err := c.Compact(context.Background(), out)
	if err != nil {
		t.Fatalf("second Compact failed: %v", err)
	}
	if atomic.LoadInt32(&s.calls) != 1 {
		t.Fatalf("empty delta must not re-summarize, got %d calls", s.calls)
	}
	if len(out2) == 0 {
		t.Fatal("second Compact returned empty history")
	}

	// New messages arrive: only the delta is summarized and the prompt
	// carries the existing summary for merging.
	s.reply = "SECOND"
	for i := 0; i < 6; i++ {
		out = append(out, session.NewMessage("user", fmt.Sprintf("new %d", i)))
	}
	out3, err := c.Compact(context.Background(), out)
	if err != nil {
		t.Fatalf("third Compact failed: %v", err)
	}
	if atomic.LoadInt32(&s.calls) != 2 {
		t.Fatalf("expected exactly one more summarization, got %d total", s.calls)
	}
	lastPrompt := s.prompts[len(s.prompts)-1]
	if !strings.Contains(lastPrompt, "FIRST") {
		t.Error("delta prompt must include the existing summary")
	}
	if strings.Contains(lastPrompt, "message 0") {
		t.Error("already-summarized messages must not be re-sent")
	}
	found := false
	for _, m := range out3 {
		if strings.Contains(m.Content, "FIRST") && strings.Contains(m.Content, "SECOND") {
			found = true
		}
	}
	if !found {
		t.Error("merged summary must contain both passes")
	}
}

func TestSummaryHardTruncation(t *testing.T) {
	cfg := testCompactionConfig()
	cfg.MaxSummaryChars = 10
	s := &fakeSummarizer{reply: strings.Repeat("long summary ", 10)}
	c := NewCompactor(cfg, s, nil)

	out, err := c.Compact(context.Background(), history(12))
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	summary := out[1].Content
	if !strings.HasSuffix(summary, "…") {
		t.Errorf("over-length summary must end with the ellipsis marker: %q", summary)
	}
}

func TestSummarizerFailureSkipsCycle(t *testing.T) {
	s := &fakeSummarizer{err: context.DeadlineExceeded}
	c := NewCompactor(testCompactionConfig(), s, nil)
	msgs := history(12)

	out, err := c.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("a summarizer failure must not be an error: %v", err)
	}
	if len(out) != len(msgs) {
		t.Error("a skipped cycle must leave the history unchanged")
	}
}

func TestNoConcurrentCompaction(t *testing.T) {
	s := &fakeSummarizer{
		reply:   "SUMMARY",
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	c := NewCompactor(testCompactionConfig(), s, nil)
	msgs := history(12)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Compact(context.Background(), msgs); err != nil {
				t.Errorf("Compact failed: %v", err)
			}
		}()
	}

	<-s.started
	close(s.release)
	wg.Wait()

	if got := atomic.LoadInt32(&s.calls); got != 1 {
		t.Errorf("concurrent compaction requests issued %d summarizations, want 1", got)
	}
}

func TestTruncateFallback(t *testing.T) {
	c := NewCompactor(testCompactionConfig(), &fakeSummarizer{}, nil)
	msgs := history(12)

	out := c.Truncate(msgs)
	if len(out) != 1+3 {
		t.Fatalf("expected system prompt plus recent tail, got %d messages", len(out))
	}
	if out[0].Role != "system" {
		t.Error("truncation must keep the system prompt")
	}
	if out[len(out)-1].Content != "message 11" {
		t.Error("truncation must keep the most recent messages")
	}
}
