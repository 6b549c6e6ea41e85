// Package queue holds outbound messages deferred while an agent is busy.
//
// Queue is an immutable per-agent FIFO: every operation returns a new value.
// The session store decides when to flush; this package only answers what
// to send and what remains.
package queue

import (
	"errors"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/stream"
)

// MaxPerAgent bounds one agent's lane.
const MaxPerAgent = 100

var ErrFull = errors.New("queue full")

type Message struct {
	ID     string         `json:"id"`
	Text   string         `json:"text"`
	Images []stream.Image `json:"images,omitempty"`
}

type Queue struct {
	lanes map[string][]Message
}

// Enqueue appends a message with a fresh id to agentID's lane.
func (q Queue) Enqueue(agentID, text string, images []stream.Image) (Queue, Message, error) {
	lane := q.lanes[agentID]
	if len(lane) >= MaxPerAgent {
		return q, Message{}, ErrFull
	}
	msg := Message{ID: uuid.NewString(), Text: text, Images: slices.Clone(images)}
	next := make([]Message, len(lane), len(lane)+1)
	copy(next, lane)
	return q.with(agentID, append(next, msg)), msg, nil
}

// PushFront puts msg back at the head of agentID's lane. Used to undo a
// dequeue whose send failed. The size bound is not applied.
func (q Queue) PushFront(agentID string, msg Message) Queue {
	lane := q.lanes[agentID]
	if slices.ContainsFunc(lane, func(m Message) bool { return m.ID == msg.ID }) {
		return q
	}
	next := make([]Message, 0, len(lane)+1)
	next = append(next, msg)
	next = append(next, lane...)
	return q.with(agentID, next)
}

// PopFront removes and returns the oldest message of agentID's lane.
func (q Queue) PopFront(agentID string) (Queue, Message, bool) {
	lane := q.lanes[agentID]
	if len(lane) == 0 {
		return q, Message{}, false
	}
	return q.with(agentID, slices.Clone(lane[1:])), lane[0], true
}

// DequeueAll empties agentID's lane and returns its messages in order.
func (q Queue) DequeueAll(agentID string) (Queue, []Message) {
	lane := q.lanes[agentID]
	if len(lane) == 0 {
		return q, nil
	}
	return q.with(agentID, nil), slices.Clone(lane)
}

// RemoveByID removes a single message.
func (q Queue) RemoveByID(agentID, id string) (Queue, Message, bool) {
	lane := q.lanes[agentID]
	i := slices.IndexFunc(lane, func(m Message) bool { return m.ID == id })
	if i < 0 {
		return q, Message{}, false
	}
	msg := lane[i]
	return q.with(agentID, slices.Delete(slices.Clone(lane), i, i+1)), msg, true
}

// Messages returns a copy of agentID's lane.
func (q Queue) Messages(agentID string) []Message {
	return slices.Clone(q.lanes[agentID])
}

func (q Queue) Len(agentID string) int { return len(q.lanes[agentID]) }

// DropAgent removes agentID's lane entirely.
func (q Queue) DropAgent(agentID string) Queue {
	if _, ok := q.lanes[agentID]; !ok {
		return q
	}
	return q.with(agentID, nil)
}

func (q Queue) with(agentID string, lane []Message) Queue {
	next := maps.Clone(q.lanes)
	if next == nil {
		next = make(map[string][]Message, 1)
	}
	if len(lane) == 0 {
		delete(next, agentID)
	} else {
		next[agentID] = lane
	}
	return Queue{lanes: next}
}

// ShouldFlush reports whether a status change releases one queued message:
// only a transition out of running does.
func ShouldFlush(prev, next agents.Status) bool {
	return prev == agents.StatusRunning && next != agents.StatusRunning
}
