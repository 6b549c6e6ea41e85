// Package audio reassembles chunked audio output from the host.
//
// Chunks are buffered per playback group until the group's last chunk
// arrives. The group is then sorted by index, decoded, concatenated and
// played. Every chunk id of the group is acknowledged afterwards whether or
// not playback succeeded, so the host can always release its buffer.
package audio

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Chunk is one audio_output frame.
type Chunk struct {
	GroupID string
	Index   int
	Payload string // base64
	Format  string
	ChunkID string
	IsLast  bool
}

// Player plays one reassembled segment.
type Player interface {
	Play(ctx context.Context, format string, data []byte) error
}

// Acknowledger releases one chunk on the host.
type Acknowledger interface {
	AckChunk(ctx context.Context, chunkID string) error
}

// FailureReporter receives playback failures. *errorreport.Reporter
// satisfies it.
type FailureReporter interface {
	ReportError(err error, source, connectionID string, ctx map[string]interface{})
}

type Options struct {
	ConnectionID string
	Player       Player
	Acker        Acknowledger
	Reporter     FailureReporter
	// OnPlaying is called with the new value whenever the playing flag
	// flips. It must not call back into the Reassembler's OnChunk.
	OnPlaying func(playing bool)
}

type Reassembler struct {
	opts Options

	mu     sync.Mutex
	groups map[string][]Chunk
	active int
	wg     sync.WaitGroup

	notifyMu sync.Mutex
	notified bool
}

func NewReassembler(opts Options) *Reassembler {
	return &Reassembler{
		opts:   opts,
		groups: make(map[string][]Chunk),
	}
}

// OnChunk buffers c. When c closes its group, playback and acknowledgment
// run in a background goroutine bound to ctx.
func (r *Reassembler) OnChunk(ctx context.Context, c Chunk) {
	r.mu.Lock()
	r.groups[c.GroupID] = append(r.groups[c.GroupID], c)
	if !c.IsLast {
		r.mu.Unlock()
		return
	}
	group := r.groups[c.GroupID]
	delete(r.groups, c.GroupID)
	r.active++
	r.wg.Add(1)
	r.mu.Unlock()

	r.notify()
	go r.finish(ctx, c.GroupID, group)
}

func (r *Reassembler) finish(ctx context.Context, groupID string, group []Chunk) {
	defer r.wg.Done()
	defer r.release()
	defer r.ackAll(ctx, groupID, group)

	format, data, err := Assemble(group)
	if err != nil {
		r.fail(groupID, "decode", err)
		return
	}
	if r.opts.Player == nil {
		return
	}
	if err := r.opts.Player.Play(ctx, format, data); err != nil {
		r.fail(groupID, "play", err)
	}
}

func (r *Reassembler) fail(groupID, stage string, err error) {
	// Playback failures stay local; the host only ever sees acks.
	slog.Warn("Audio: playback failed", "connectionID", r.opts.ConnectionID, "groupID", groupID, "stage", stage, "error", err)
	if r.opts.Reporter != nil {
		r.opts.Reporter.ReportError(err, "audio-"+stage, r.opts.ConnectionID, map[string]interface{}{"groupId": groupID})
	}
}

func (r *Reassembler) ackAll(ctx context.Context, groupID string, group []Chunk) {
	if r.opts.Acker == nil {
		return
	}
	seen := make(map[string]struct{}, len(group))
	for _, c := range group {
		if c.ChunkID == "" {
			continue
		}
		if _, dup := seen[c.ChunkID]; dup {
			continue
		}
		seen[c.ChunkID] = struct{}{}
		if err := r.opts.Acker.AckChunk(ctx, c.ChunkID); err != nil {
			slog.Warn("Audio: chunk ack failed", "connectionID", r.opts.ConnectionID, "groupID", groupID, "chunkID", c.ChunkID, "error", err)
		}
	}
}

func (r *Reassembler) release() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	r.notify()
}

// notify reports the current playing flag if it differs from the last
// reported value. Reports are serialized so the final one always matches
// the final state.
func (r *Reassembler) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	playing := r.Playing()
	if playing == r.notified {
		return
	}
	r.notified = playing
	if r.opts.OnPlaying != nil {
		r.opts.OnPlaying(playing)
	}
}

// Playing reports whether at least one group is being played.
func (r *Reassembler) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active > 0
}

// Pending returns the number of groups still waiting for their last chunk.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Reset drops partially received groups. Groups already playing finish.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	dropped := len(r.groups)
	r.groups = make(map[string][]Chunk)
	r.mu.Unlock()
	if dropped > 0 {
		slog.Info("Audio: dropped partial groups", "connectionID", r.opts.ConnectionID, "count", dropped)
	}
}

// Wait blocks until every started playback has finished.
func (r *Reassembler) Wait() {
	r.wg.Wait()
}

// Assemble sorts group by chunk index and concatenates the decoded payloads.
// Duplicate indexes keep the first copy.
func Assemble(group []Chunk) (format string, data []byte, err error) {
	sorted := make([]Chunk, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var buf bytes.Buffer
	last := -1
	for i, c := range sorted {
		if i > 0 && c.Index == last {
			continue
		}
		last = c.Index
		if format == "" {
			format = c.Format
		}
		b, err := base64.StdEncoding.DecodeString(c.Payload)
		if err != nil {
			return format, nil, fmt.Errorf("chunk %d of group %s: %w", c.Index, c.GroupID, err)
		}
		buf.Write(b)
	}
	return format, buf.Bytes(), nil
}
