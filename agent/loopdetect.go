package agent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/cruxlabs/crux/session"
)

// loopSignature is a normalized fingerprint of one tool call, hashed from the
// name and the canonical JSON serialization of its arguments.
type loopSignature uint64

// LoopCheck is the detector's verdict. A detected loop is a safety valve, not
// a fault: the controller stops issuing model calls and surfaces the reason
// plus the suggestion.
type LoopCheck struct {
	IsLoop     bool
	Reason     string
	Suggestion string
}

// LoopDetector keeps a trailing window of call signatures across the whole
// turn and flags pathological repetition.
type LoopDetector struct {
	window     []loopSignature
	names      []string
	windowSize int
	threshold  int
}

// NewLoopDetector builds a detector. The threshold is the number of identical
// signatures tolerated in the window; one more trips it.
func NewLoopDetector(windowSize, threshold int) *LoopDetector {
	if windowSize < 2 {
		windowSize = 2
	}
	if threshold < 1 {
		threshold = 1
	}
	return &LoopDetector{windowSize: windowSize, threshold: threshold}
}

// Check records the batch's calls into the trailing window and reports
// whether the turn has degenerated into a loop.
func (d *LoopDetector) Check(calls []session.ToolCall) LoopCheck {
	for _, call := range calls {
		d.window = append(d.window, signatureOf(call))
		d.names = append(d.names, call.Name)
		if len(d.window) > d.windowSize {
			d.window = d.window[1:]
			d.names = d.names[1:]
		}
	}

	counts := make(map[loopSignature]int, len(d.window))
	for i, sig := range d.window {
		counts[sig]++
		if counts[sig] > d.threshold {
			return LoopCheck{
				IsLoop: true,
				Reason: fmt.Sprintf("the call %s with identical arguments repeated %d times in the last %d calls",
					d.names[i], counts[sig], len(d.window)),
				Suggestion: "Change the arguments or the approach; repeating the same call will keep producing the same result.",
			}
		}
	}

	if period, ok := d.detectCycle(); ok {
		return LoopCheck{
			IsLoop: true,
			Reason: fmt.Sprintf("the last %d calls repeat as a cycle of %d", 2*period, period),
			Suggestion: "The same sequence of calls is being replayed without progress. Re-examine the previous results before continuing.",
		}
	}
	return LoopCheck{}
}

// Reset clears the trailing window; the controller calls it at turn start.
func (d *LoopDetector) Reset() {
	d.window = d.window[:0]
	d.names = d.names[:0]
}

// detectCycle looks for a contiguous cycle of period 2 to 4 at the tail of
// the window (e.g. read-A, write-A, read-A, write-A).
func (d *LoopDetector) detectCycle() (int, bool) {
	for period := 2; period <= 4; period++ {
		if len(d.window) < 2*period {
			continue
		}
		tail := d.window[len(d.window)-2*period:]
		match := true
		for i := 0; i < period; i++ {
			if tail[i] != tail[i+period] {
				match = false
				break
			}
		}
		// A cycle of identical signatures is already covered by the
		// repetition count; require at least two distinct members.
		if match && !allEqual(tail[:period]) {
			return period, true
		}
	}
	return 0, false
}

func allEqual(sigs []loopSignature) bool {
	for _, s := range sigs[1:] {
		if s != sigs[0] {
			return false
		}
	}
	return true
}

// signatureOf hashes the name plus canonical JSON arguments. json.Marshal
// sorts map keys, so argument order does not affect the signature.
func signatureOf(call session.ToolCall) loopSignature {
	h := fnv.New64a()
	h.Write([]byte(call.Name))
	h.Write([]byte{0})
	if call.Args != nil {
		if data, err := json.Marshal(call.Args); err == nil {
			h.Write(data)
		}
	} else {
		h.Write([]byte(call.RawArgs))
	}
	return loopSignature(h.Sum64())
}
