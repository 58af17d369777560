// Package toolcall reconciles the transient, per-chunk tool-call fragments a
// provider stream emits into stable, ordered entries, and decodes one
// streaming text argument out of still-incomplete JSON.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/funkpopo/writebot-sub002/pkg/types"
)

// Entry accumulates one in-flight tool call. It is keyed in the Tracker by
// a provider-supplied numeric slot that is not guaranteed stable across
// chunks; Order is the stable identity assigned on first sighting.
type Entry struct {
	ID           string
	Name         string
	RawArguments string
	Order        int // -1 until assigned
}

// Complete reports whether the accumulated arguments parse as a JSON
// object. Incomplete JSON is a normal transient state, not an error.
func (e *Entry) Complete() bool {
	return IsCompleteArguments(e.RawArguments)
}

// Request converts the entry into the canonical finalized form. Entries
// the provider never named get the id "{name-or-tool}_{order}"; arguments
// that never became parseable degrade to {"_raw": raw}.
func (e *Entry) Request() types.ToolCallRequest {
	id := e.ID
	if id == "" {
		name := e.Name
		if name == "" {
			name = "tool"
		}
		id = fmt.Sprintf("%s_%d", name, e.Order)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(e.RawArguments), &args); err != nil || args == nil {
		args = map[string]any{types.RawArgumentsKey: e.RawArguments}
	}
	return types.ToolCallRequest{ID: id, Name: e.Name, Arguments: args}
}

// IsCompleteArguments is the completeness test: true exactly when raw
// parses as a JSON object.
func IsCompleteArguments(raw string) bool {
	var obj map[string]any
	return json.Unmarshal([]byte(raw), &obj) == nil && obj != nil
}

// Tracker holds the in-flight tool calls of one streaming exchange. It is
// mutated only from the exchange's sequential read loop, so it needs no
// locking.
type Tracker struct {
	entries   map[int]*Entry
	nextOrder int
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[int]*Entry)}
}

// Apply merges one incoming fragment. Resolution prefers an existing entry
// with the same id; failing that, the slot if it is unoccupied or occupied
// by the same (or no) id; a conflicting id forces allocation of a fresh
// slot; an observed id is never overwritten. Name arrives once; argument
// fragments only ever append.
func (t *Tracker) Apply(slot int, id, name, argsDelta string) *Entry {
	var e *Entry
	if id != "" {
		for _, cand := range t.entries {
			if cand.ID == id {
				e = cand
				break
			}
		}
	}
	if e == nil {
		if cur, ok := t.entries[slot]; ok {
			if id == "" || cur.ID == "" {
				e = cur
				if cur.ID == "" {
					cur.ID = id
				}
			} else {
				slot = t.nextFreeSlot()
			}
		}
	}
	if e == nil {
		e = &Entry{ID: id, Order: -1}
		t.entries[slot] = e
		t.assignOrder(e)
	}
	if name != "" && e.Name == "" {
		e.Name = name
	}
	if argsDelta != "" {
		e.RawArguments += argsDelta
	}
	return e
}

// assignOrder gives an entry its stable ordinal. Strictly increasing,
// assigned at most once, never reassigned.
func (t *Tracker) assignOrder(e *Entry) {
	if e.Order >= 0 {
		return
	}
	e.Order = t.nextOrder
	t.nextOrder++
}

// AssignOrders assigns ordinals to any entries that still lack one, in
// slot order. Idempotent: already-set orders never change.
func (t *Tracker) AssignOrders() {
	for _, slot := range t.slots() {
		t.assignOrder(t.entries[slot])
	}
}

func (t *Tracker) nextFreeSlot() int {
	slot := 0
	for k := range t.entries {
		if k >= slot {
			slot = k + 1
		}
	}
	return slot
}

func (t *Tracker) slots() []int {
	slots := make([]int, 0, len(t.entries))
	for k := range t.entries {
		slots = append(slots, k)
	}
	sort.Ints(slots)
	return slots
}

// byOrder returns all entries sorted by assigned order, independent of
// slot numbering.
func (t *Tracker) byOrder() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Len reports how many entries are tracked.
func (t *Tracker) Len() int { return len(t.entries) }

// Complete returns the finalized form of every entry whose arguments
// parse, sorted by order.
func (t *Tracker) Complete() []types.ToolCallRequest {
	var out []types.ToolCallRequest
	for _, e := range t.byOrder() {
		if e.Complete() {
			out = append(out, e.Request())
		}
	}
	return out
}

// Incomplete returns the entries whose arguments do not yet parse, sorted
// by order.
func (t *Tracker) Incomplete() []*Entry {
	var out []*Entry
	for _, e := range t.byOrder() {
		if !e.Complete() {
			out = append(out, e)
		}
	}
	return out
}

// Flush returns every entry best-effort, complete or not, sorted by order.
// Used when an exchange terminates with entries still unfinished.
func (t *Tracker) Flush() []types.ToolCallRequest {
	entries := t.byOrder()
	out := make([]types.ToolCallRequest, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Request())
	}
	return out
}

// CarryIncomplete builds the seed tracker for the next continuation round:
// the incomplete entries keep their ids, names, argument buffers and
// orders, renumbered onto slots 0..n-1 so the next round's fresh provider
// indices land on them, and the order counter continues past everything
// already assigned.
func (t *Tracker) CarryIncomplete() *Tracker {
	next := NewTracker()
	next.nextOrder = t.nextOrder
	for i, e := range t.Incomplete() {
		copied := *e
		next.entries[i] = &copied
	}
	return next
}
