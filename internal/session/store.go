// Package session owns the synchronized state of one host connection and
// the operations the rest of the client performs against it.
//
// A Store is mutated only under its lock and every mutation publishes a
// fresh immutable State. Network sends, cache I/O and audio playback run
// outside the lock.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/audio"
	"github.com/workspace/agent-client/internal/cache"
	"github.com/workspace/agent-client/internal/connection"
	"github.com/workspace/agent-client/internal/correlator"
	"github.com/workspace/agent-client/internal/permission"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/retry"
)

const (
	DefaultAgentListRetries    = 3
	DefaultAgentListRetryDelay = 2 * time.Second
)

var errStaleBootstrap = errors.New("online period ended")

// Cache persists the agent list between runs. *cache.Store satisfies it.
type Cache interface {
	Load(ctx context.Context, connectionID string) (cache.Snapshot, bool, error)
	Save(ctx context.Context, connectionID string, snap cache.Snapshot) error
}

type Options struct {
	ConnectionID string
	// Send writes one outbound frame to the host.
	Send  correlator.SendFunc
	Cache Cache
	Sink  connection.Sink

	Player   audio.Player
	Reporter audio.FailureReporter

	RequestTimeout time.Duration
	// AgentListRetries is the number of retries after the first agent list
	// fetch fails. Zero means DefaultAgentListRetries; negative disables
	// retries.
	AgentListRetries    int
	AgentListRetryDelay time.Duration

	Now func() time.Time
}

type Store struct {
	opts  Options
	hub   *correlator.Hub
	audio *audio.Reassembler
	log   *slog.Logger

	fetchAgents  *correlator.Request[struct{}, protocol.AgentListResult]
	refreshAgent *correlator.Request[string, protocol.RefreshAgentResult]
	gitDiff      *correlator.Request[string, protocol.GitDiffResult]
	listDir      *correlator.Request[pathQuery, protocol.DirectoryListing]
	preview      *correlator.Request[pathQuery, protocol.FilePreview]
	create       *correlator.Request[createParams, protocol.CreateAgentResult]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu    sync.Mutex
	state atomic.Pointer[State]
	// epoch increments whenever an online period starts or ends; a
	// bootstrap fetch only applies its result while its epoch is current.
	epoch         uint64
	listRequested bool
	closed        bool

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// New creates the store for one connection and hydrates it from the cache
// when one is configured.
func New(ctx context.Context, opts Options) *Store {
	switch {
	case opts.AgentListRetries == 0:
		opts.AgentListRetries = DefaultAgentListRetries
	case opts.AgentListRetries < 0:
		opts.AgentListRetries = 0
	}
	if opts.AgentListRetryDelay <= 0 {
		opts.AgentListRetryDelay = DefaultAgentListRetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		opts: opts,
		log:  slog.With("connectionID", opts.ConnectionID),
		subs: make(map[int]chan State),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	initial := newState(opts.ConnectionID)
	s.state.Store(&initial)

	s.hub = correlator.NewHub(s.send)
	s.audio = audio.NewReassembler(audio.Options{
		ConnectionID: opts.ConnectionID,
		Player:       opts.Player,
		Acker:        acker{s},
		Reporter:     opts.Reporter,
		OnPlaying: func(playing bool) {
			s.apply(s.ctx, func(st *State, _ *effects) { st.AudioPlaying = playing })
		},
	})
	s.initRequests()

	if _, err := s.LoadCache(ctx); err != nil {
		s.log.Warn("Session: cache hydration failed", "error", err)
	}
	return s
}

// ConnectionID returns the connection this store belongs to.
func (s *Store) ConnectionID() string { return s.opts.ConnectionID }

// Snapshot returns the current state.
func (s *Store) Snapshot() State { return *s.state.Load() }

// Subscribe returns a channel that always holds the newest state. Slow
// readers skip intermediate states. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- *s.state.Load()
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	cur := *s.state.Load()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cur
	}
}

// effects collects work that must run after the store lock is released.
type effects struct {
	fns []func(ctx context.Context)
}

func (e *effects) add(fn func(ctx context.Context)) { e.fns = append(e.fns, fn) }

// apply runs fn on a copy of the current state under the lock, stores the
// result, reports any connection transition, then publishes and runs the
// collected effects.
func (s *Store) apply(ctx context.Context, fn func(st *State, fx *effects)) State {
	var fx effects
	s.mu.Lock()
	cur := *s.state.Load()
	prevConn := cur.Connection
	fn(&cur, &fx)
	s.state.Store(&cur)
	connection.Report(s.opts.Sink, s.opts.ConnectionID, prevConn, cur.Connection, s.opts.Now())
	s.mu.Unlock()

	s.publish()
	for _, f := range fx.fns {
		f(ctx)
	}
	return cur
}

func (s *Store) send(ctx context.Context, msg any) error {
	if s.opts.Send == nil {
		return ErrNoTransport
	}
	return s.opts.Send(ctx, msg)
}

type acker struct{ s *Store }

func (a acker) AckChunk(ctx context.Context, chunkID string) error {
	return a.s.send(ctx, protocol.AudioAck{Type: protocol.MsgAudioAck, ChunkID: chunkID})
}

// LoadCache hydrates agents and commands from the cache. It does nothing
// when the store already holds agents or transcripts, so live data is never
// replaced by an older cached copy.
func (s *Store) LoadCache(ctx context.Context) (bool, error) {
	if s.opts.Cache == nil || !s.Snapshot().empty() {
		return false, nil
	}
	snap, ok, err := s.opts.Cache.Load(ctx, s.opts.ConnectionID)
	if err != nil || !ok {
		return false, err
	}

	applied := false
	s.apply(ctx, func(st *State, _ *effects) {
		if !st.empty() {
			return
		}
		list := s.stamp(snap.Agents)
		st.Agents = agents.NewMap(list)
		st.Permissions = permission.FromAgents(list)
		st.Commands = slices.Clone(snap.Commands)
		savedAt := snap.SavedAt
		st.CachedAt = &savedAt
		applied = true
	})
	if applied {
		s.log.Info("Session: hydrated from cache", "agents", len(snap.Agents), "savedAt", snap.SavedAt)
	}
	return applied, nil
}

func (s *Store) saveCache(ctx context.Context, snap cache.Snapshot) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Save(ctx, s.opts.ConnectionID, snap); err != nil {
		s.log.Warn("Session: failed to save cache", "error", err)
	}
}

// stamp fills in the owning connection id where the host left it empty.
func (s *Store) stamp(list []agents.Agent) []agents.Agent {
	out := slices.Clone(list)
	for i := range out {
		if out[i].ConnectionID == "" {
			out[i].ConnectionID = s.opts.ConnectionID
		}
	}
	return out
}

// Connecting records that the transport started dialing.
func (s *Store) Connecting() {
	s.apply(s.ctx, func(st *State, _ *effects) {
		st.Connection = st.Connection.Connecting()
	})
}

// Online records that the connection is up since at. Entering the online
// state from any other state starts a new online period, and the first
// entry into a period fetches the agent list in the background.
func (s *Store) Online(at time.Time, carryReady bool) error {
	var (
		err   error
		epoch uint64
		issue bool
	)
	s.apply(s.ctx, func(st *State, _ *effects) {
		if s.closed {
			err = ErrClosed
			return
		}
		wasOnline := st.Connection.IsOnline()
		if wasOnline && st.Connection.AgentListReady {
			// Same period; the list already fetched stays valid.
			carryReady = true
		}
		next, terr := st.Connection.Online(at, carryReady)
		if terr != nil {
			err = terr
			return
		}
		st.Connection = next
		if !wasOnline {
			s.epoch++
		}
		if !s.listRequested {
			s.listRequested = true
			issue = true
			epoch = s.epoch
			s.bg.Add(1)
		}
	})
	if err != nil {
		return err
	}
	if issue {
		go s.bootstrap(epoch)
	}
	return nil
}

// Disconnected records that the connection dropped. A nil cause is a clean
// offline transition; otherwise the connection enters the error state.
func (s *Store) Disconnected(cause error) {
	s.apply(s.ctx, func(st *State, _ *effects) {
		if cause == nil {
			st.Connection = st.Connection.Offline()
		} else {
			msg := cause.Error()
			if msg == "" {
				msg = "connection error"
			}
			st.Connection, _ = st.Connection.Failed(msg)
		}
		s.endOnlinePeriod(st)
	})
	s.afterDisconnect()
}

// Reset returns the connection to idle, keeping only the sticky
// agent-list flag.
func (s *Store) Reset() {
	s.apply(s.ctx, func(st *State, _ *effects) {
		st.Connection = st.Connection.Reset()
		s.endOnlinePeriod(st)
	})
	s.afterDisconnect()
}

// endOnlinePeriod clears every flag that could otherwise stay stuck across
// a disconnect. Called with the lock held.
func (s *Store) endOnlinePeriod(st *State) {
	s.epoch++
	s.listRequested = false
	st.Initializing = nil
}

func (s *Store) afterDisconnect() {
	if n := s.hub.FailAll(correlator.ErrDisconnected); n > 0 {
		s.log.Info("Session: failed in-flight requests on disconnect", "count", n)
	}
	s.audio.Reset()
}

func (s *Store) currentEpoch(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// bootstrap fetches the agent list for the online period identified by
// epoch. After the last retry fails the list is marked ready anyway: an
// empty list is preferable to a client that waits forever.
func (s *Store) bootstrap(epoch uint64) {
	defer s.bg.Done()

	var list protocol.AgentListResult
	cfg := retry.Fixed(s.opts.AgentListRetryDelay, s.opts.AgentListRetries)
	err := retry.Do(s.ctx, cfg, "fetch agent list", func(ctx context.Context) error {
		if !s.currentEpoch(epoch) {
			return retry.Permanent(errStaleBootstrap)
		}
		res, err := s.fetchAgents.Execute(ctx, struct{}{})
		if err != nil {
			return err
		}
		list = res
		return nil
	})
	if errors.Is(err, errStaleBootstrap) || s.ctx.Err() != nil {
		return
	}

	s.apply(s.ctx, func(st *State, fx *effects) {
		if s.epoch != epoch {
			s.log.Debug("Session: discarding agent list from a previous online period")
			return
		}
		if err != nil {
			s.log.Warn("Session: agent list unavailable, continuing with current list", "error", err)
		} else {
			s.replaceAgents(st, fx, list.Agents, list.Commands)
		}
		st.Connection = st.Connection.AgentListReceived()
	})
}

// Close stops background work and fails every in-flight request. The store
// must not be used afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.epoch++
	s.mu.Unlock()

	s.cancel()
	s.hub.FailAll(ErrClosed)
	s.bg.Wait()
	s.audio.Wait()
}
