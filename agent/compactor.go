package agent

import (
	"context"
	"strings"
	"sync"

	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Summarizer is the reduced-scope provider call the compactor delegates to.
// An empty string with nil error means "compaction skipped this cycle".
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Compactor decides when accumulated history must be summarized and produces
// the replacement message. Compaction is incremental: previously-summarized
// message ids are tracked so a later pass only summarizes the delta and
// merges it with the prior summary text.
type Compactor struct {
	cfg        config.Compaction
	summarizer Summarizer
	log        *zap.Logger

	// sf collapses concurrent compaction requests onto one in-flight call.
	sf singleflight.Group

	mu         sync.Mutex
	summarized map[string]bool
	summary    string
}

func NewCompactor(cfg config.Compaction, summarizer Summarizer, log *zap.Logger) *Compactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{
		cfg:        cfg,
		summarizer: summarizer,
		log:        log,
		summarized: make(map[string]bool),
	}
}

// ShouldCompact compares the accumulated message and character counts against
// the configured thresholds.
func (c *Compactor) ShouldCompact(messages []session.Message) bool {
	if len(messages) > c.cfg.MaxMessages {
		return true
	}
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars > c.cfg.MaxChars
}

// Compact summarizes the un-summarized older messages and returns the
// replacement history. A second call while one is pending joins the in-flight
// call instead of issuing a duplicate summarization request. A summarizer
// failure or empty summary skips this cycle and returns the input unchanged.
func (c *Compactor) Compact(ctx context.Context, messages []session.Message) ([]session.Message, error) {
	v, err, _ := c.sf.Do("compact", func() (interface{}, error) {
		return c.compactOnce(ctx, messages)
	})
	if err != nil {
		return messages, err
	}
	return v.([]session.Message), nil
}

func (c *Compactor) compactOnce(ctx context.Context, messages []session.Message) ([]session.Message, error) {
	system, older, recent := c.split(messages)

	c.mu.Lock()
	var delta []session.Message
	for _, m := range older {
		if m.ID == "" || !c.summarized[m.ID] {
			delta = append(delta, m)
		}
	}
	prior := c.summary
	c.mu.Unlock()

	if len(delta) == 0 {
		return c.rebuild(system, prior, recent), nil
	}

	var b strings.Builder
	if prior != "" {
		b.WriteString("Existing summary of the conversation so far:\n")
		b.WriteString(prior)
		b.WriteString("\n\nAdditional messages to fold into the summary:\n")
	}
	for _, m := range delta {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	text, err := c.summarizer.Summarize(ctx, b.String())
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			c.log.Warn("summarization failed, skipping compaction", zap.Error(err))
		}
		return messages, nil
	}

	merged := text
	if prior != "" {
		merged = prior + "\n" + text
	}
	if len(merged) > c.cfg.MaxSummaryChars {
		merged = merged[:c.cfg.MaxSummaryChars] + "…"
	}

	c.mu.Lock()
	c.summary = merged
	for _, m := range delta {
		if m.ID != "" {
			c.summarized[m.ID] = true
		}
	}
	c.mu.Unlock()

	c.log.Info("compacted conversation history",
		zap.Int("summarized", len(delta)),
		zap.Int("kept", len(recent)))
	return c.rebuild(system, merged, recent), nil
}

// Truncate is the cheap fallback used for the in-flight turn while a
// background summarization runs: keep the system prompt and the recent tail.
func (c *Compactor) Truncate(messages []session.Message) []session.Message {
	system, _, recent := c.split(messages)
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return c.rebuild(system, summary, recent)
}

// split partitions history into the leading system prompt, the older middle
// eligible for summarization, and the recent tail that is always kept.
func (c *Compactor) split(messages []session.Message) (system *session.Message, older, recent []session.Message) {
	rest := messages
	if len(rest) > 0 && rest[0].Role == "system" {
		system = &rest[0]
		rest = rest[1:]
	}
	keep := c.cfg.KeepRecent
	if keep > len(rest) {
		keep = len(rest)
	}
	older = rest[:len(rest)-keep]
	recent = rest[len(rest)-keep:]
	return system, older, recent
}

func (c *Compactor) rebuild(system *session.Message, summary string, recent []session.Message) []session.Message {
	out := make([]session.Message, 0, len(recent)+2)
	if system != nil {
		out = append(out, *system)
	}
	if summary != "" {
		msg := session.NewMessage("system", "Summary of the earlier conversation:\n"+summary)
		c.mu.Lock()
		c.summarized[msg.ID] = true
		c.mu.Unlock()
		out = append(out, msg)
	}
	return append(out, recent...)
}
