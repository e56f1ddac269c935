package llm

import (
	"sort"
	"strings"
	"time"
)

// SnapshotPolicy controls how often an Accumulator offers a partial
// snapshot of the content buffer. Both thresholds are "since the last
// snapshot"; a snapshot is due when either one is crossed. The point is
// to bound write amplification on the durable task record while keeping
// displayed progress responsive.
type SnapshotPolicy struct {
	// Interval is the minimum elapsed time between snapshots.
	// Zero means the 500ms default.
	Interval time.Duration

	// Growth is the buffer-size increase that forces a snapshot
	// regardless of elapsed time. Zero means the 100-byte default.
	Growth int
}

func (p SnapshotPolicy) withDefaults() SnapshotPolicy {
	if p.Interval <= 0 {
		p.Interval = 500 * time.Millisecond
	}
	if p.Growth <= 0 {
		p.Growth = 100
	}
	return p
}

// Accumulator materializes one streaming model response from a sequence
// of deltas. Content fragments are concatenated into a single buffer.
// Tool-call fragments are grouped by the provider's slot index, with
// argument text concatenated in arrival order. Providers stream JSON
// arguments a few characters at a time, so fragments are appended,
// never replaced.
type Accumulator struct {
	policy SnapshotPolicy
	now    func() time.Time

	content strings.Builder
	slots   map[int]*slotState

	lastSnapAt  time.Time
	lastSnapLen int
}

type slotState struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator creates an accumulator with the given snapshot policy.
func NewAccumulator(policy SnapshotPolicy) *Accumulator {
	a := &Accumulator{
		policy: policy.withDefaults(),
		now:    time.Now,
		slots:  make(map[int]*slotState),
	}
	a.lastSnapAt = a.now()
	return a
}

// Feed consumes one delta.
func (a *Accumulator) Feed(d Delta) {
	if d.Tool != nil {
		s := a.slots[d.Tool.Index]
		if s == nil {
			s = &slotState{}
			a.slots[d.Tool.Index] = s
		}
		if d.Tool.ID != "" {
			s.id = d.Tool.ID
		}
		if d.Tool.Name != "" {
			s.name = d.Tool.Name
		}
		s.args.WriteString(d.Tool.Arguments)
		return
	}
	a.content.WriteString(d.Content)
}

// Content returns the text accumulated so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// Snapshot reports whether a partial snapshot is due, and if so returns
// the content buffer and resets the thresholds. A snapshot is due when
// the policy interval has elapsed or the buffer has grown by at least
// the policy growth since the last snapshot.
func (a *Accumulator) Snapshot() (string, bool) {
	now := a.now()
	grown := a.content.Len() - a.lastSnapLen
	if grown <= 0 {
		return "", false
	}
	if now.Sub(a.lastSnapAt) < a.policy.Interval && grown < a.policy.Growth {
		return "", false
	}
	a.lastSnapAt = now
	a.lastSnapLen = a.content.Len()
	return a.content.String(), true
}

// Message returns the final materialized assistant message: the full
// content plus completed tool calls ordered by ascending slot index.
// Slot order is fixed by sorting because the arrival order of
// first-appearance across slots is not guaranteed to be stable across
// providers.
func (a *Accumulator) Message() Message {
	indices := make([]int, 0, len(a.slots))
	for idx := range a.slots {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var calls []ToolCall
	for _, idx := range indices {
		s := a.slots[idx]
		calls = append(calls, ToolCall{
			ID:        s.id,
			Name:      s.name,
			Arguments: s.args.String(),
		})
	}

	return Message{
		Role:      "assistant",
		Content:   a.content.String(),
		ToolCalls: calls,
	}
}
