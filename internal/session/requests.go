package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/correlator"
	"github.com/workspace/agent-client/internal/protocol"
	"github.com/workspace/agent-client/internal/stream"
)

type pathQuery struct {
	AgentID string
	Path    string
}

type createParams struct {
	key    string
	config protocol.AgentConfig
	prompt string
	images []stream.Image
}

// matchAgent pairs a response with a request by request id, falling back
// to the agent id for hosts that do not echo request ids.
func matchAgent(agentID, requestID string, resp correlator.Response) bool {
	if resp.RequestID != "" {
		return resp.RequestID == requestID
	}
	var probe struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(resp.Payload, &probe); err != nil {
		return false
	}
	return probe.AgentID == agentID
}

func (s *Store) initRequests() {
	timeout := s.opts.RequestTimeout

	s.fetchAgents = correlator.NewRequest(s.hub, correlator.Config[struct{}, protocol.AgentListResult]{
		Name:         "fetch agents",
		ResponseType: string(protocol.MsgAgentListResponse),
		Timeout:      timeout,
		Dedupe:       true,
		Build: func(_ struct{}, requestID string) any {
			return protocol.Query{Type: protocol.MsgFetchAgents, RequestID: requestID}
		},
	})

	s.refreshAgent = correlator.NewRequest(s.hub, correlator.Config[string, protocol.RefreshAgentResult]{
		Name:         "refresh agent",
		ResponseType: string(protocol.MsgRefreshAgentResponse),
		Timeout:      timeout,
		Dedupe:       true,
		Key:          func(agentID string) string { return agentID },
		Build: func(agentID, requestID string) any {
			return protocol.Query{Type: protocol.MsgRefreshAgent, RequestID: requestID, AgentID: agentID}
		},
		Match: matchAgent,
	})

	s.gitDiff = correlator.NewRequest(s.hub, correlator.Config[string, protocol.GitDiffResult]{
		Name:         "git diff",
		ResponseType: string(protocol.MsgGitDiffResponse),
		Timeout:      timeout,
		Dedupe:       true,
		Key:          func(agentID string) string { return agentID },
		Build: func(agentID, requestID string) any {
			return protocol.Query{Type: protocol.MsgGitDiff, RequestID: requestID, AgentID: agentID}
		},
		Match: matchAgent,
	})

	// Directory navigation and previews supersede: only the latest path an
	// agent's explorer asked for matters.
	s.listDir = correlator.NewRequest(s.hub, correlator.Config[pathQuery, protocol.DirectoryListing]{
		Name:         "list directory",
		ResponseType: string(protocol.MsgDirectoryResponse),
		Timeout:      timeout,
		Key:          func(q pathQuery) string { return q.AgentID },
		Build: func(q pathQuery, requestID string) any {
			return protocol.Query{Type: protocol.MsgListDirectory, RequestID: requestID, AgentID: q.AgentID, Path: q.Path}
		},
	})

	s.preview = correlator.NewRequest(s.hub, correlator.Config[pathQuery, protocol.FilePreview]{
		Name:         "file preview",
		ResponseType: string(protocol.MsgFilePreviewResponse),
		Timeout:      timeout,
		Key:          func(q pathQuery) string { return q.AgentID },
		Build: func(q pathQuery, requestID string) any {
			return protocol.Query{Type: protocol.MsgFilePreview, RequestID: requestID, AgentID: q.AgentID, Path: q.Path}
		},
	})

	s.create = correlator.NewRequest(s.hub, correlator.Config[createParams, protocol.CreateAgentResult]{
		Name:         "create agent",
		ResponseType: string(protocol.MsgCreateAgentResponse),
		Timeout:      timeout,
		Key:          func(p createParams) string { return p.key },
		Build: func(p createParams, requestID string) any {
			return protocol.CreateAgent{
				Type:          protocol.MsgCreateAgent,
				RequestID:     requestID,
				Config:        p.config,
				InitialPrompt: p.prompt,
				Images:        p.images,
			}
		},
	})
}

// FetchAgentList requests the full agent list and replaces the local one
// with it.
func (s *Store) FetchAgentList(ctx context.Context) ([]agents.Agent, error) {
	res, err := s.fetchAgents.Execute(ctx, struct{}{})
	if err != nil {
		return nil, err
	}
	st := s.apply(ctx, func(st *State, fx *effects) {
		s.replaceAgents(st, fx, res.Agents, res.Commands)
		st.Connection = st.Connection.AgentListReceived()
	})
	return st.Agents.List(), nil
}

// RefreshAgent re-reads one agent from the host. Concurrent calls for the
// same agent share one request.
func (s *Store) RefreshAgent(ctx context.Context, agentID string) (agents.Agent, error) {
	res, err := s.refreshAgent.Execute(ctx, agentID)
	if err != nil {
		return agents.Agent{}, err
	}
	st := s.apply(ctx, func(st *State, fx *effects) {
		s.upsertAgent(st, fx, res.Agent)
	})
	a, _ := st.Agents.Get(res.Agent.ID)
	return a, nil
}

// FetchGitDiff returns the agent's working-tree diff and caches it. On
// failure the previously cached diff stays in State.GitDiffs.
func (s *Store) FetchGitDiff(ctx context.Context, agentID string) (string, error) {
	res, err := s.gitDiff.Execute(ctx, agentID)
	if err != nil {
		return "", err
	}
	s.apply(ctx, func(st *State, _ *effects) {
		if _, ok := st.Agents.Get(agentID); ok {
			st.GitDiffs = with(st.GitDiffs, agentID, res.Diff)
		}
	})
	return res.Diff, nil
}

// ListDirectory lists path in the agent's working tree. A newer call for
// the same agent supersedes an older one still in flight.
func (s *Store) ListDirectory(ctx context.Context, agentID, path string) (protocol.DirectoryListing, error) {
	res, err := s.listDir.Execute(ctx, pathQuery{AgentID: agentID, Path: path})
	if err != nil {
		return protocol.DirectoryListing{}, err
	}
	s.apply(ctx, func(st *State, _ *effects) {
		if _, ok := st.Agents.Get(agentID); !ok {
			return
		}
		ex := st.Explorer[agentID]
		ex.Path = res.Path
		if ex.Path == "" {
			ex.Path = path
		}
		ex.Entries = res.Entries
		st.Explorer = with(st.Explorer, agentID, ex)
	})
	return res, nil
}

// PreviewFile fetches a file's content for the agent's explorer.
func (s *Store) PreviewFile(ctx context.Context, agentID, path string) (protocol.FilePreview, error) {
	res, err := s.preview.Execute(ctx, pathQuery{AgentID: agentID, Path: path})
	if err != nil {
		return protocol.FilePreview{}, err
	}
	s.apply(ctx, func(st *State, _ *effects) {
		if _, ok := st.Agents.Get(agentID); !ok {
			return
		}
		ex := st.Explorer[agentID]
		preview := res
		ex.Preview = &preview
		st.Explorer = with(st.Explorer, agentID, ex)
	})
	return res, nil
}

// CreateAgent asks the host to start a new agent and adds it once the host
// acknowledges.
func (s *Store) CreateAgent(ctx context.Context, cfg protocol.AgentConfig, initialPrompt string, images []stream.Image) (agents.Agent, error) {
	op := s.beginOp(ctx, OpCreateAgent, "")
	res, err := s.create.Execute(ctx, createParams{
		key:    uuid.NewString(),
		config: cfg,
		prompt: initialPrompt,
		images: images,
	})
	if err == nil && res.Agent.ID == "" {
		err = fmt.Errorf("create agent: host returned no agent id")
	}

	var created agents.Agent
	s.apply(ctx, func(st *State, fx *effects) {
		if err != nil {
			s.settleOp(st, op, err)
			return
		}
		a := res.Agent
		s.upsertAgent(st, fx, a)
		if a.Status == agents.StatusInitializing {
			st.Initializing = with(st.Initializing, a.ID, true)
		}
		created, _ = st.Agents.Get(a.ID)
		o := st.Operations[op]
		o.AgentID = a.ID
		st.Operations = with(st.Operations, op, o)
		s.settleOp(st, op, nil)
	})
	if err != nil {
		s.log.Warn("Session: create agent failed", "provider", cfg.Provider, "error", err)
		return agents.Agent{}, err
	}
	s.log.Info("Session: agent created", "agentID", created.ID, "provider", created.Provider)
	return created, nil
}
