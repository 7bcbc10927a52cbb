package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecoveryPoint is the persisted snapshot of an in-progress turn. Pending and
// completed tool calls partition the batch with no overlap.
type RecoveryPoint struct {
	ID                 string             `json:"id"`
	SessionName        string             `json:"session_name"`
	Timestamp          time.Time          `json:"timestamp"`
	AssistantMessageID string             `json:"assistant_message_id,omitempty"`
	PartialContent     string             `json:"partial_content,omitempty"`
	CompletedToolCalls []session.ToolCall `json:"completed_tool_calls,omitempty"`
	PendingToolCalls   []session.ToolCall `json:"pending_tool_calls,omitempty"`
	ProviderMessages   []session.Message  `json:"provider_messages,omitempty"`
	LoopCount          int                `json:"loop_count,omitempty"`
	Error              string             `json:"error,omitempty"`
	ResumeAttempts     int                `json:"resume_attempts,omitempty"`
}

// journalEvent is one line of the append-only event journal kept next to the
// snapshots.
type journalEvent struct {
	Timestamp time.Time `json:"ts"`
	Type      string    `json:"type"`
	Session   string    `json:"session"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal records enough turn state that an aborted turn can be resumed.
// While a session is open an auto-save timer persists a bounded projection,
// so a hard crash loses at most one save interval.
type Journal struct {
	cfg config.Recovery
	dir string
	log *zap.Logger

	mu      sync.Mutex
	current *RecoveryPoint
	stop    chan struct{}

	now func() time.Time
}

// NewJournal builds a journal persisting under dir. An empty dir defaults to
// .crux/recovery in the working directory.
func NewJournal(cfg config.Recovery, dir string, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	if dir == "" {
		dir = filepath.Join(".crux", "recovery")
	}
	return &Journal{cfg: cfg, dir: dir, log: log, now: time.Now}
}

// StartSession opens a recovery session for one turn. The provider history is
// bounded to the configured limit, not stored in full.
func (j *Journal) StartSession(sessionName string, history []session.Message) {
	bounded := history
	if len(bounded) > j.cfg.HistoryLimit {
		bounded = bounded[len(bounded)-j.cfg.HistoryLimit:]
	}
	snapshot := make([]session.Message, len(bounded))
	copy(snapshot, bounded)

	j.mu.Lock()
	j.current = &RecoveryPoint{
		ID:               uuid.NewString(),
		SessionName:      sessionName,
		Timestamp:        j.now(),
		ProviderMessages: snapshot,
	}
	if j.stop == nil {
		j.stop = make(chan struct{})
		go j.autosave(j.stop)
	}
	j.mu.Unlock()

	j.appendEvent("session_start", sessionName)
	_ = j.save()
}

// AppendContent accumulates streamed assistant text into the current point.
func (j *Journal) AppendContent(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current == nil {
		return
	}
	j.current.PartialContent += text
	j.current.Timestamp = j.now()
}

// SetAssistantMessageID records the id of the assistant message under
// construction.
func (j *Journal) SetAssistantMessageID(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current != nil {
		j.current.AssistantMessageID = id
	}
}

// AddPendingToolCalls registers the batch about to execute.
func (j *Journal) AddPendingToolCalls(calls []session.ToolCall) {
	j.mu.Lock()
	if j.current != nil {
		j.current.PendingToolCalls = append(j.current.PendingToolCalls, calls...)
		j.current.Timestamp = j.now()
	}
	j.mu.Unlock()
	_ = j.save()
}

// AddCompletedToolCall moves a call from pending to completed, preserving the
// no-overlap partition.
func (j *Journal) AddCompletedToolCall(call session.ToolCall) {
	j.mu.Lock()
	if j.current != nil {
		pending := j.current.PendingToolCalls[:0]
		for _, p := range j.current.PendingToolCalls {
			if p.ToolCallID != call.ToolCallID {
				pending = append(pending, p)
			}
		}
		j.current.PendingToolCalls = pending
		j.current.CompletedToolCalls = append(j.current.CompletedToolCalls, call)
		j.current.Timestamp = j.now()
	}
	j.mu.Unlock()
	_ = j.save()
	j.appendEvent("tool_completed", call.Name)
}

// IncrementLoopCount bumps the per-turn iteration counter.
func (j *Journal) IncrementLoopCount() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.current != nil {
		j.current.LoopCount++
	}
}

// RecordError stores the turn's terminal error on the current point.
func (j *Journal) RecordError(err error) {
	j.mu.Lock()
	if j.current != nil {
		j.current.Error = err.Error()
		j.current.Timestamp = j.now()
	}
	j.mu.Unlock()
	j.appendEvent("turn_error", err.Error())
	_ = j.save()
}

// EndSession closes the recovery session. On success the snapshot is removed;
// on failure it is kept for recovery.
func (j *Journal) EndSession(success bool) {
	j.mu.Lock()
	point := j.current
	j.current = nil
	if j.stop != nil {
		close(j.stop)
		j.stop = nil
	}
	j.mu.Unlock()

	if point == nil {
		return
	}
	if success {
		_ = os.Remove(j.pointPath(point.ID))
		j.appendEvent("session_end", point.SessionName)
		return
	}
	j.appendEvent("session_failed", point.SessionName)
}

// CanRecover reports whether a resumable point exists: a current session (or
// a persisted one), within the TTL window, with resume budget left. The
// resume budget is distinct from the tool retry budget.
func (j *Journal) CanRecover() bool {
	j.mu.Lock()
	point := j.current
	j.mu.Unlock()
	if point == nil {
		points, err := j.GetRecoverablePoints()
		if err != nil || len(points) == 0 {
			return false
		}
		point = points[0]
	}
	return j.recoverable(point)
}

func (j *Journal) recoverable(point *RecoveryPoint) bool {
	ttl := time.Duration(j.cfg.TTLMinutes) * time.Minute
	if j.now().Sub(point.Timestamp) > ttl {
		return false
	}
	return point.ResumeAttempts < j.cfg.ResumeBudget
}

// GetRecoverablePoints loads the persisted points still within TTL and
// budget, newest first.
func (j *Journal) GetRecoverablePoints() ([]*RecoveryPoint, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read recovery directory")
	}

	var points []*RecoveryPoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, entry.Name()))
		if err != nil {
			continue
		}
		var point RecoveryPoint
		// Unknown fields are ignored; no schema versioning beyond that.
		if err := json.Unmarshal(data, &point); err != nil {
			continue
		}
		if j.recoverable(&point) {
			points = append(points, &point)
		}
	}
	sort.Slice(points, func(a, b int) bool {
		return points[a].Timestamp.After(points[b].Timestamp)
	})
	return points, nil
}

// PrepareRecoveryMessages reconstructs the provider history for resumption:
// the bounded history, the partial content and already-completed calls
// replayed as an assistant turn, then a synthetic continuation instruction.
// It charges one unit of the resume budget.
func (j *Journal) PrepareRecoveryMessages(point *RecoveryPoint) []session.Message {
	messages := make([]session.Message, 0, len(point.ProviderMessages)+2)
	messages = append(messages, point.ProviderMessages...)

	if point.PartialContent != "" || len(point.CompletedToolCalls) > 0 {
		assistant := session.Message{
			ID:        point.AssistantMessageID,
			Role:      "assistant",
			Content:   point.PartialContent,
			ToolCalls: point.CompletedToolCalls,
		}
		if assistant.ID == "" {
			assistant.ID = uuid.NewString()
		}
		messages = append(messages, assistant)
	}

	messages = append(messages, session.NewMessage("user",
		"The previous response was interrupted. Continue exactly where you left off; do not repeat content or tool calls already produced."))

	point.ResumeAttempts++
	j.mu.Lock()
	if j.current != nil && j.current.ID == point.ID {
		j.current.ResumeAttempts = point.ResumeAttempts
	}
	j.mu.Unlock()
	_ = j.persist(point)
	j.appendEvent("session_resume", point.SessionName)
	return messages
}

// autosave periodically persists the current point until the session ends.
func (j *Journal) autosave(stop chan struct{}) {
	interval := time.Duration(j.cfg.SaveIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := j.save(); err != nil {
				j.log.Warn("recovery autosave failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}

func (j *Journal) save() error {
	j.mu.Lock()
	point := j.current
	j.mu.Unlock()
	if point == nil {
		return nil
	}
	if err := j.persist(point); err != nil {
		return err
	}
	return j.prune()
}

func (j *Journal) persist(point *RecoveryPoint) error {
	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return errors.Wrapf(err, "could not create recovery directory")
	}
	j.mu.Lock()
	data, err := json.MarshalIndent(point, "", "  ")
	j.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "could not serialize recovery point")
	}
	return os.WriteFile(j.pointPath(point.ID), data, 0644)
}

// prune enforces the point cap, evicting least-recently-touched files first.
func (j *Journal) prune() error {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var files []aged
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: entry.Name(), mod: info.ModTime()})
	}
	if len(files) <= j.cfg.MaxPoints {
		return nil
	}
	sort.Slice(files, func(a, b int) bool { return files[a].mod.Before(files[b].mod) })
	for _, f := range files[:len(files)-j.cfg.MaxPoints] {
		_ = os.Remove(filepath.Join(j.dir, f.name))
	}
	return nil
}

func (j *Journal) pointPath(id string) string {
	return filepath.Join(j.dir, id+".json")
}

// appendEvent adds one line to the append-only event journal. Failures are
// logged, never propagated; telemetry must not break the turn.
func (j *Journal) appendEvent(kind, detail string) {
	j.mu.Lock()
	sessionName := ""
	if j.current != nil {
		sessionName = j.current.SessionName
	}
	j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(j.dir, "journal.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.log.Debug("could not open event journal", zap.Error(err))
		return
	}
	defer f.Close()
	line, err := json.Marshal(journalEvent{
		Timestamp: j.now(),
		Type:      kind,
		Session:   sessionName,
		Detail:    detail,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = f.Write(line)
}
