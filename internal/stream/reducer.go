package stream

import (
	"fmt"
	"slices"
	"time"
)

// Result is the outcome of applying one event.
type Result struct {
	Tail        []Item
	Head        []Item
	TailChanged bool
	HeadChanged bool
}

// Reduce applies ev to the (tail, head) pair and returns the new pair.
// The event's own timestamp wins over ts when set.
//
// A user message that arrives while a turn is streaming lands in head so the
// in-flight assistant item keeps its position in tail. Head is folded into
// tail when the turn settles.
func Reduce(tail, head []Item, ev Event, ts time.Time) Result {
	if !ev.Timestamp.IsZero() {
		ts = ev.Timestamp
	}
	r := Result{Tail: tail, Head: head}

	switch ev.Type {
	case EventUserMessage:
		return reduceUserMessage(r, ev, ts)
	case EventAssistantDelta:
		return reduceAssistantDelta(r, ev, ts)
	case EventToolCall:
		return reduceToolCall(r, ev, ts)
	case EventToolResult, EventToolError:
		return reduceToolOutcome(r, ev, ts)
	case EventActivity:
		return reduceActivity(r, ev, ts)
	case EventTurnCompleted, EventTurnFailed, EventTurnCanceled:
		return settleTurn(r, ev)
	default:
		// Unknown event kinds from newer hosts are ignored.
		return r
	}
}

// Hydrate rebuilds a tail by replaying events from empty state.
func Hydrate(events []Event) []Item {
	tail, _ := HydrateState(events)
	return tail
}

// HydrateState is Hydrate that also returns the head left by the replay.
func HydrateState(events []Event) (tail, head []Item) {
	for _, ev := range events {
		r := Reduce(tail, head, ev, ev.Timestamp)
		tail, head = r.Tail, r.Head
	}
	return tail, head
}

// Fold moves head items to the end of tail, skipping ids already present.
func Fold(tail, head []Item) []Item {
	if len(head) == 0 {
		return tail
	}
	out := slices.Clone(tail)
	for _, it := range head {
		if indexOf(out, it.ID) < 0 {
			out = append(out, it)
		}
	}
	return out
}

// MergeSnapshot combines a hydrated tail with local state the snapshot may not
// know about yet: head items and optimistic user messages are appended when
// their id is absent from the snapshot.
func MergeSnapshot(hydrated, localTail, localHead []Item) []Item {
	out := hydrated
	for _, it := range localTail {
		if it.Optimistic && indexOf(out, it.ID) < 0 {
			out = appendItem(out, it)
		}
	}
	return Fold(out, localHead)
}

// TurnOpen reports whether tail holds an assistant message still streaming.
func TurnOpen(tail []Item) bool {
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].Kind == KindAssistantMessage && tail[i].Streaming {
			return true
		}
	}
	return false
}

// Remove returns s without the item with the given id.
func Remove(s []Item, id string) ([]Item, bool) {
	i := indexOf(s, id)
	if i < 0 {
		return s, false
	}
	out := make([]Item, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out, true
}

func reduceUserMessage(r Result, ev Event, ts time.Time) Result {
	id := ev.itemID()
	if i := indexOf(r.Tail, id); i >= 0 {
		if tail, ok := confirm(r.Tail, i, ev); ok {
			r.Tail, r.TailChanged = tail, true
		}
		return r
	}
	if i := indexOf(r.Head, id); i >= 0 {
		if head, ok := confirm(r.Head, i, ev); ok {
			r.Head, r.HeadChanged = head, true
		}
		return r
	}
	// Echoes that carry a host-assigned id confirm the oldest local message
	// with the same text.
	if !ev.Optimistic && ev.Text != "" {
		if i := pendingEcho(r.Tail, ev.Text); i >= 0 {
			r.Tail, _ = confirm(r.Tail, i, ev)
			r.TailChanged = true
			return r
		}
		if i := pendingEcho(r.Head, ev.Text); i >= 0 {
			r.Head, _ = confirm(r.Head, i, ev)
			r.HeadChanged = true
			return r
		}
	}

	item := Item{
		ID:         id,
		Kind:       KindUserMessage,
		TurnID:     ev.TurnID,
		Text:       ev.Text,
		Images:     slices.Clone(ev.Images),
		Optimistic: ev.Optimistic,
		Timestamp:  ts,
	}
	if TurnOpen(r.Tail) {
		r.Head, r.HeadChanged = appendItem(r.Head, item), true
		return r
	}
	r.Tail, r.TailChanged = appendItem(r.Tail, item), true
	return r
}

func pendingEcho(s []Item, text string) int {
	return slices.IndexFunc(s, func(it Item) bool {
		return it.Kind == KindUserMessage && it.Optimistic && it.Text == text
	})
}

// confirm clears the optimistic flag when the host echoes a local message.
func confirm(s []Item, i int, ev Event) ([]Item, bool) {
	if !s[i].Optimistic || ev.Optimistic {
		return s, false
	}
	out := slices.Clone(s)
	out[i].Optimistic = false
	return out, true
}

func reduceAssistantDelta(r Result, ev Event, ts time.Time) Result {
	// Deltas re-delivered after their item moved on, or after their turn
	// settled, are dropped.
	if alreadyApplied(r.Tail, ev) || turnSettled(r.Tail, ev.TurnID) {
		return r
	}

	idx := -1
	if ev.ItemID != "" {
		idx = indexOf(r.Tail, ev.ItemID)
	} else if last := len(r.Tail) - 1; last >= 0 {
		it := r.Tail[last]
		if it.Kind == KindAssistantMessage && it.Streaming && it.TurnID == ev.TurnID {
			idx = last
		}
	}

	if idx >= 0 {
		cur := r.Tail[idx]
		if cur.Kind != KindAssistantMessage || !cur.Streaming {
			return r
		}
		tail := slices.Clone(r.Tail)
		tail[idx].Text += ev.Text
		markApplied(&tail[idx], ev)
		r.Tail, r.TailChanged = tail, true
		if ev.Final {
			return settleTurn(r, ev)
		}
		return r
	}

	id := ev.itemID()
	if id == "" {
		id = fmt.Sprintf("%s:assistant:%d", ev.TurnID, len(r.Tail))
	}
	if indexOf(r.Tail, id) >= 0 {
		return r
	}

	tail := closeAssistant(r.Tail, ev.TurnID, true)
	item := Item{
		ID:        id,
		Kind:      KindAssistantMessage,
		TurnID:    ev.TurnID,
		Text:      ev.Text,
		Streaming: true,
		Timestamp: ts,
	}
	markApplied(&item, ev)
	r.Tail, r.TailChanged = append(tail, item), true
	if ev.Final {
		return settleTurn(r, ev)
	}
	return r
}

// alreadyApplied reports whether any assistant item in tail has folded ev
// in. Seq is per agent, so a seq at or below any item's LastSeq is old.
func alreadyApplied(tail []Item, ev Event) bool {
	for i := len(tail) - 1; i >= 0; i-- {
		it := tail[i]
		if it.Kind != KindAssistantMessage {
			continue
		}
		if ev.Seq != 0 && ev.Seq <= it.LastSeq {
			return true
		}
		if ev.ID != "" && slices.Contains(it.AppliedDeltas, ev.ID) {
			return true
		}
	}
	return false
}

func turnSettled(tail []Item, turnID string) bool {
	if turnID == "" {
		return false
	}
	for i := len(tail) - 1; i >= 0; i-- {
		if it := tail[i]; it.Kind == KindAssistantMessage && it.TurnID == turnID && it.Settled {
			return true
		}
	}
	return false
}

func markApplied(it *Item, ev Event) {
	if ev.Seq > it.LastSeq {
		it.LastSeq = ev.Seq
	}
	if ev.ID != "" {
		it.AppliedDeltas = append(slices.Clip(it.AppliedDeltas), ev.ID)
	}
}

func reduceToolCall(r Result, ev Event, ts time.Time) Result {
	id := ev.ItemID
	if id == "" {
		id = ev.CallID
	}
	if id == "" {
		id = ev.ID
	}
	if indexOf(r.Tail, id) >= 0 || (ev.CallID != "" && indexOfCall(r.Tail, ev.CallID) >= 0) {
		return r
	}
	item := Item{
		ID:     id,
		Kind:   KindToolCall,
		TurnID: ev.TurnID,
		Tool: &ToolCall{
			CallID: ev.CallID,
			Name:   ev.ToolName,
			Input:  slices.Clone(ev.Input),
			Status: ToolExecuting,
		},
		Timestamp: ts,
	}
	r.Tail, r.TailChanged = appendItem(r.Tail, item), true
	return r
}

func reduceToolOutcome(r Result, ev Event, ts time.Time) Result {
	status := ToolCompleted
	if ev.Type == EventToolError {
		status = ToolFailed
	}

	i := indexOfCall(r.Tail, ev.CallID)
	if i < 0 {
		// Outcome for a call we never saw (e.g. truncated history): keep it.
		id := ev.CallID
		if id == "" {
			id = ev.itemID()
		}
		if indexOf(r.Tail, id) >= 0 {
			return r
		}
		item := Item{
			ID:     id,
			Kind:   KindToolCall,
			TurnID: ev.TurnID,
			Tool: &ToolCall{
				CallID: ev.CallID,
				Name:   ev.ToolName,
				Status: status,
				Result: slices.Clone(ev.Result),
				Error:  ev.Error,
			},
			Timestamp: ts,
		}
		r.Tail, r.TailChanged = appendItem(r.Tail, item), true
		return r
	}

	cur := r.Tail[i]
	if cur.Tool.Status != ToolExecuting {
		return r
	}
	tool := *cur.Tool
	tool.Status = status
	tool.Result = slices.Clone(ev.Result)
	tool.Error = ev.Error
	tail := slices.Clone(r.Tail)
	tail[i].Tool = &tool
	r.Tail, r.TailChanged = tail, true
	return r
}

func reduceActivity(r Result, ev Event, ts time.Time) Result {
	id := ev.itemID()
	if indexOf(r.Tail, id) >= 0 {
		return r
	}
	level := ev.Level
	if level == "" {
		level = LevelInfo
	}
	item := Item{
		ID:        id,
		Kind:      KindActivity,
		TurnID:    ev.TurnID,
		Text:      ev.Text,
		Level:     level,
		Timestamp: ts,
	}
	r.Tail, r.TailChanged = appendItem(r.Tail, item), true
	return r
}

// settleTurn closes open assistant items, interrupts executing tool calls on
// failure or cancel, and folds head into tail.
func settleTurn(r Result, ev Event) Result {
	tail := settleAssistant(r.Tail, ev.TurnID)
	changed := !sameBacking(tail, r.Tail)

	if ev.Type == EventTurnFailed || ev.Type == EventTurnCanceled {
		reason := ev.Error
		if reason == "" {
			reason = string(ev.Type)
		}
		for i := range tail {
			it := tail[i]
			if it.Kind != KindToolCall || it.Tool.Status != ToolExecuting {
				continue
			}
			if ev.TurnID != "" && it.TurnID != ev.TurnID {
				continue
			}
			if !changed {
				tail = slices.Clone(tail)
				changed = true
			}
			tool := *it.Tool
			tool.Status = ToolFailed
			tool.Error = reason
			tail[i].Tool = &tool
		}
	}

	if len(r.Head) > 0 {
		tail = Fold(tail, r.Head)
		r.Head, r.HeadChanged = nil, true
		changed = true
	}
	if changed {
		r.Tail, r.TailChanged = tail, true
	}
	return r
}

// settleAssistant marks every assistant item of turnID settled and closed.
// With an empty turnID only the items still streaming are settled.
func settleAssistant(tail []Item, turnID string) []Item {
	var out []Item
	for i, it := range tail {
		if it.Kind != KindAssistantMessage || it.Settled {
			continue
		}
		if (turnID == "" && !it.Streaming) || (turnID != "" && it.TurnID != turnID) {
			continue
		}
		if out == nil {
			out = slices.Clone(tail)
		}
		out[i].Streaming = false
		out[i].Settled = true
	}
	if out == nil {
		return tail
	}
	return out
}

// closeAssistant returns tail with streaming assistant items of turnID
// closed (all turns when turnID is empty). The input is returned unchanged
// when nothing is open. When forAppend is set the result always has room to
// append without aliasing the input.
func closeAssistant(tail []Item, turnID string, forAppend bool) []Item {
	var out []Item
	for i, it := range tail {
		if it.Kind != KindAssistantMessage || !it.Streaming {
			continue
		}
		if turnID != "" && it.TurnID != turnID {
			continue
		}
		if out == nil {
			out = slices.Clone(tail)
		}
		out[i].Streaming = false
	}
	if out != nil {
		return out
	}
	if forAppend {
		return slices.Clip(tail)
	}
	return tail
}

func appendItem(s []Item, it Item) []Item {
	out := make([]Item, len(s), len(s)+1)
	copy(out, s)
	return append(out, it)
}

func sameBacking(a, b []Item) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return &a[0] == &b[0]
}

func indexOf(s []Item, id string) int {
	if id == "" {
		return -1
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].ID == id {
			return i
		}
	}
	return -1
}

func indexOfCall(s []Item, callID string) int {
	if callID == "" {
		return -1
	}
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Kind == KindToolCall && s[i].Tool != nil && s[i].Tool.CallID == callID {
			return i
		}
	}
	return -1
}
