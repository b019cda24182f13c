package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember/internal/assembler"
	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/embedding"
	"github.com/emberhq/ember/internal/llm"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/session"
	"github.com/emberhq/ember/internal/stream"
	"github.com/emberhq/ember/internal/tools"
)

// memRepo is an in-memory session.Repository.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	turns    map[string][]session.Turn
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]*session.Session),
		turns:    make(map[string][]session.Turn),
	}
}

func (r *memRepo) EnsureSession(_ context.Context, id, userID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActiveAt = time.Now()
		return s, nil
	}
	s := &session.Session{ID: id, UserID: userID, CreatedAt: time.Now(), LastActiveAt: time.Now()}
	r.sessions[id] = s
	return s, nil
}

func (r *memRepo) GetSession(_ context.Context, id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (r *memRepo) AppendTurn(_ context.Context, turn *session.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	turn.Seq = len(r.turns[turn.SessionID]) + 1
	turn.CreatedAt = time.Now()
	r.turns[turn.SessionID] = append(r.turns[turn.SessionID], *turn)
	return nil
}

func (r *memRepo) RecentTurns(_ context.Context, sessionID string, limit int) ([]session.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := r.turns[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]session.Turn(nil), turns...), nil
}

func (r *memRepo) GetIdentity(_ context.Context, _ string) (*session.Identity, error) {
	def := session.DefaultIdentity()
	return &def, nil
}

func (r *memRepo) UpdateIdentity(_ context.Context, _ string, _ *session.Identity) error {
	return nil
}

func (r *memRepo) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.turns, id)
	return nil
}

// memEngine is a minimal in-memory memory.Engine.
type memEngine struct {
	mu      sync.Mutex
	records map[uuid.UUID]*memory.Record
}

func newMemEngine() *memEngine {
	return &memEngine{records: make(map[uuid.UUID]*memory.Record)}
}

func (e *memEngine) Insert(_ context.Context, rec *memory.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *rec
	e.records[rec.ID] = &cp
	return nil
}

func (e *memEngine) Search(_ context.Context, q memory.SearchQuery) ([]memory.Match, error) {
	return nil, nil
}

func (e *memEngine) Get(_ context.Context, id uuid.UUID) (*memory.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (e *memEngine) FindByExternalKey(_ context.Context, _ string) (*memory.Record, error) {
	return nil, memory.ErrNotFound
}

func (e *memEngine) PurgeSession(_ context.Context, _ string) error { return nil }
func (e *memEngine) Ping(_ context.Context) error                   { return nil }
func (e *memEngine) Close() error                                   { return nil }

// stubBackend scripts completions: tool calls while tools are offered,
// or canned text.
type stubBackend struct {
	mu          sync.Mutex
	completions []*llm.Completion
	err         error
	errOnFinal  error
	alwaysTool  *llm.ToolCall
	finalText   string
	calls       int
	onRequest   func(ctx context.Context)
}

func (b *stubBackend) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	return b.Stream(ctx, req, func(string) {})
}

func (b *stubBackend) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.onRequest != nil {
		b.onRequest(ctx)
	}

	if b.err != nil {
		return nil, b.err
	}
	if b.alwaysTool != nil {
		if len(req.Tools) > 0 {
			return &llm.Completion{ToolCalls: []llm.ToolCall{*b.alwaysTool}}, nil
		}
		if b.errOnFinal != nil {
			return nil, b.errOnFinal
		}
		onDelta(b.finalText)
		return &llm.Completion{Text: b.finalText}, nil
	}

	next := b.completions[0]
	b.completions = b.completions[1:]
	if next.Text != "" && len(next.ToolCalls) == 0 {
		onDelta(next.Text)
	}
	return next, nil
}

func agentTestConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxToolRounds:         5,
		HistoryTurns:          20,
		ContextBudget:         2000,
		MemoryTopK:            5,
		ArtifactsTopN:         10,
		ModelTimeout:          time.Minute,
		ToolTimeout:           time.Second,
		ToolOutputBytes:       16000,
		SummarizedOutputBytes: 2000,
	}
}

type loopFixture struct {
	loop  *Loop
	repo  *memRepo
	state *session.StateStore
}

func newLoopFixture(t *testing.T, backend llm.Backend, registerTools func(*tools.Registry, *session.StateStore)) *loopFixture {
	t.Helper()
	cfg := agentTestConfig()

	mr := miniredis.RunT(t)
	state := session.NewStateStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	repo := newMemRepo()

	store := memory.NewStore(newMemEngine(), embedding.NewLocal(32), config.StoreConfig{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})

	registry := tools.NewRegistry()
	if registerTools != nil {
		registerTools(registry, state)
	}
	executor := tools.NewExecutor(registry, cfg)

	asm := assembler.New(session.NewIdentityCache(repo), state, store, cfg)

	return &loopFixture{
		loop:  NewLoop(backend, asm, executor, registry, repo, state, store, nil, cfg),
		repo:  repo,
		state: state,
	}
}

func collect(loop *Loop, req TurnRequest) []stream.Chunk {
	var chunks []stream.Chunk
	loop.RunTurn(context.Background(), req, func(c stream.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks
}

func terminalChunks(chunks []stream.Chunk) []stream.Chunk {
	var out []stream.Chunk
	for _, c := range chunks {
		if c.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func TestRunTurn_PlainAnswer(t *testing.T) {
	backend := &stubBackend{completions: []*llm.Completion{{Text: "Of course, happy to help."}}}
	f := newLoopFixture(t, backend, nil)
	sessionID := uuid.New().String()

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: sessionID,
		Message:   "can you help me plan my week?",
	})

	require.NotEmpty(t, chunks)
	assert.Equal(t, stream.ChunkTextDelta, chunks[0].Type)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)
	assert.Len(t, terminalChunks(chunks), 1)

	turns, err := f.repo.RecentTurns(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Of course, happy to help.", turns[0].AssistantMessage)

	wm, err := f.state.WorkingMemory(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.Contains(t, wm.Content, "plan my week")
}

func TestRunTurn_NewSessionChunkFirst(t *testing.T) {
	backend := &stubBackend{completions: []*llm.Completion{{Text: "hello!"}}}
	f := newLoopFixture(t, backend, nil)

	chunks := collect(f.loop, TurnRequest{
		UserID:     "user-1",
		SessionID:  uuid.New().String(),
		Message:    "hi",
		NewSession: true,
	})

	require.NotEmpty(t, chunks)
	assert.Equal(t, stream.ChunkSessionStarted, chunks[0].Type)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)
}

func TestRunTurn_ToolRound(t *testing.T) {
	backend := &stubBackend{completions: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{
			ID:           "call-1",
			Name:         "task_add",
			Arguments:    map[string]any{"title": "buy groceries"},
			RawArguments: `{"title":"buy groceries"}`,
		}}},
		{Text: "Added buy groceries to your list."},
	}}
	f := newLoopFixture(t, backend, func(reg *tools.Registry, state *session.StateStore) {
		require.NoError(t, reg.Register(tools.NewTaskAdd(state)))
	})
	sessionID := uuid.New().String()

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: sessionID,
		Message:   "add buy groceries to my tasks",
	})

	var sawTool bool
	for _, c := range chunks {
		if c.Type == stream.ChunkToolInvoked {
			sawTool = true
			assert.Equal(t, "task_add", c.Tool)
		}
	}
	assert.True(t, sawTool)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)

	artifacts, err := f.state.Artifacts(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, artifacts.Tasks, 1)
	assert.Equal(t, "buy groceries", artifacts.Tasks[0].Title)

	turns, err := f.repo.RecentTurns(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, []string{"task_add"}, turns[0].ToolsUsed)
}

func TestRunTurn_ToolRoundCap(t *testing.T) {
	backend := &stubBackend{
		alwaysTool: &llm.ToolCall{
			ID:           "call-n",
			Name:         "task_list",
			Arguments:    map[string]any{},
			RawArguments: `{}`,
		},
		finalText: "Here is what I could gather.",
	}
	f := newLoopFixture(t, backend, func(reg *tools.Registry, state *session.StateStore) {
		require.NoError(t, reg.Register(tools.NewTaskList(state)))
	})

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: uuid.New().String(),
		Message:   "loop forever please",
	})

	var toolRounds int
	for _, c := range chunks {
		if c.Type == stream.ChunkToolInvoked {
			toolRounds++
		}
	}
	assert.Equal(t, 5, toolRounds)
	// One invocation per tool round plus the final forced answer.
	assert.Equal(t, 6, backend.calls)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)

	var answer string
	for _, c := range chunks {
		if c.Type == stream.ChunkTextDelta {
			answer += c.Text
		}
	}
	assert.Equal(t, "Here is what I could gather.", answer)
}

func TestRunTurn_ModelCallCarriesDeadline(t *testing.T) {
	var hasDeadline bool
	var deadline time.Time
	backend := &stubBackend{
		completions: []*llm.Completion{{Text: "quick answer"}},
		onRequest: func(ctx context.Context) {
			deadline, hasDeadline = ctx.Deadline()
		},
	}
	f := newLoopFixture(t, backend, nil)

	collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: uuid.New().String(),
		Message:   "how long until my next meeting?",
	})

	require.True(t, hasDeadline, "model call must carry a deadline")
	assert.LessOrEqual(t, time.Until(deadline), time.Minute)
}

func TestRunTurn_ToolResultReplacesWorkingMemory(t *testing.T) {
	backend := &stubBackend{completions: []*llm.Completion{
		{ToolCalls: []llm.ToolCall{{
			ID:           "call-1",
			Name:         "task_add",
			Arguments:    map[string]any{"title": "book dentist appointment"},
			RawArguments: `{"title":"book dentist appointment"}`,
		}}},
		{Text: "Done, it is on your list."},
	}}
	f := newLoopFixture(t, backend, func(reg *tools.Registry, state *session.StateStore) {
		require.NoError(t, reg.Register(tools.NewTaskAdd(state)))
	})
	sessionID := uuid.New().String()

	collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: sessionID,
		Message:   "remind me to book the dentist",
	})

	wm, err := f.state.WorkingMemory(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, wm)
	// The pillar holds the tool's own output, not an exchange summary.
	assert.Contains(t, wm.Content, "book dentist appointment")
	assert.NotContains(t, wm.Content, "Last exchange")
	assert.Equal(t, "tool:task_add", wm.Source)
}

func TestRunTurn_CapOverflowAnswersLocally(t *testing.T) {
	backend := &stubBackend{
		alwaysTool: &llm.ToolCall{
			ID:           "call-n",
			Name:         "task_list",
			Arguments:    map[string]any{},
			RawArguments: `{}`,
		},
		errOnFinal: errors.New("model unavailable"),
	}
	f := newLoopFixture(t, backend, func(reg *tools.Registry, state *session.StateStore) {
		require.NoError(t, reg.Register(tools.NewTaskList(state)))
	})

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: uuid.New().String(),
		Message:   "loop forever please",
	})

	require.NotEmpty(t, chunks)
	assert.Equal(t, stream.ChunkDone, chunks[len(chunks)-1].Type)
	assert.Len(t, terminalChunks(chunks), 1)

	var answer string
	for _, c := range chunks {
		if c.Type == stream.ChunkTextDelta {
			answer += c.Text
		}
	}
	assert.Contains(t, answer, "5 tool calls")
	assert.NotContains(t, answer, "model unavailable")
}

func TestRunTurn_ModelFailure(t *testing.T) {
	backend := &stubBackend{err: errors.New("upstream timeout")}
	f := newLoopFixture(t, backend, nil)

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: uuid.New().String(),
		Message:   "hello there, what is on my agenda?",
	})

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, stream.ChunkError, last.Type)
	assert.Equal(t, userFacingError, last.Message)
	assert.NotContains(t, last.Message, "upstream timeout")
	assert.Len(t, terminalChunks(chunks), 1)
}

func TestClip_BacksUpToRuneBoundary(t *testing.T) {
	s := strings.Repeat("日", 100)

	clipped := clip(s, 100)

	assert.True(t, utf8.ValidString(clipped))
	assert.True(t, strings.HasSuffix(clipped, "…"))
}

func TestRunTurn_ExactlyOneTerminalChunk(t *testing.T) {
	backend := &stubBackend{completions: []*llm.Completion{{Text: "done thinking"}}}
	f := newLoopFixture(t, backend, nil)

	chunks := collect(f.loop, TurnRequest{
		UserID:    "user-1",
		SessionID: uuid.New().String(),
		Message:   "quick question about my schedule",
	})

	assert.Len(t, terminalChunks(chunks), 1)
	assert.True(t, chunks[len(chunks)-1].Terminal())
}
