package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/session"
)

type fakeSearcher struct {
	matches []memory.Match
	err     error
	calls   int
	tiers   []memory.Tier
}

func (f *fakeSearcher) Query(_ context.Context, tiers []memory.Tier, _, _ string, _ int) ([]memory.Match, error) {
	f.calls++
	f.tiers = tiers
	return f.matches, f.err
}

type fakeRepo struct {
	session.Repository
	identity *session.Identity
	err      error
}

func (f *fakeRepo) GetIdentity(_ context.Context, _ string) (*session.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.identity != nil {
		return f.identity, nil
	}
	def := session.DefaultIdentity()
	return &def, nil
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		ContextBudget: 2000,
		MemoryTopK:    5,
		ArtifactsTopN: 10,
	}
}

func newTestAssembler(t *testing.T, repo session.Repository, searcher MemorySearcher, cfg config.AgentConfig) (*Assembler, *session.StateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	state := session.NewStateStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	a := New(session.NewIdentityCache(repo), state, searcher, cfg)
	a.now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	}
	return a, state
}

func TestAssemble_AllPillars(t *testing.T) {
	searcher := &fakeSearcher{matches: []memory.Match{
		{Record: memory.Record{Text: "user prefers espresso"}, Similarity: 0.9},
	}}
	a, state := newTestAssembler(t, &fakeRepo{}, searcher, testConfig())
	ctx := context.Background()

	require.NoError(t, state.SetWorkingMemory(ctx, "sess-1", &session.WorkingMemory{Content: "planning a team offsite"}))
	require.NoError(t, state.SetArtifacts(ctx, "sess-1", &session.Artifacts{
		Tasks: []session.TaskItem{{ID: "t1", Title: "reserve venue"}},
	}))

	rendered, bundle := a.Assemble(ctx, "user-1", "sess-1", "where were we on the offsite?")

	assert.Contains(t, rendered, "## Identity")
	assert.Contains(t, rendered, "## Environment")
	assert.Contains(t, rendered, "Saturday, 14 March 2026")
	assert.Contains(t, rendered, "planning a team offsite")
	assert.Contains(t, rendered, "reserve venue")
	assert.Contains(t, rendered, "user prefers espresso")
	assert.Len(t, bundle.Memories, 1)
}

func TestAssemble_TrivialGreetingSkipsRetrieval(t *testing.T) {
	searcher := &fakeSearcher{}
	a, _ := newTestAssembler(t, &fakeRepo{}, searcher, testConfig())

	rendered, bundle := a.Assemble(context.Background(), "user-1", "sess-1", "hi!")

	assert.Equal(t, 0, searcher.calls)
	assert.Empty(t, bundle.Memories)
	assert.Contains(t, rendered, "## Identity")
}

func TestAssemble_QueriesDurableTiersOnly(t *testing.T) {
	searcher := &fakeSearcher{}
	a, _ := newTestAssembler(t, &fakeRepo{}, searcher, testConfig())

	a.Assemble(context.Background(), "user-1", "sess-1", "what deadlines are coming up?")

	require.Equal(t, 1, searcher.calls)
	assert.Equal(t, []memory.Tier{memory.TierPermanent, memory.TierProject}, searcher.tiers)
}

func TestAssemble_RendersConfiguredLocation(t *testing.T) {
	cfg := testConfig()
	cfg.Location = "Lisbon"
	a, _ := newTestAssembler(t, &fakeRepo{}, &fakeSearcher{}, cfg)

	rendered, _ := a.Assemble(context.Background(), "user-1", "sess-1", "what time is it where I am?")

	assert.Contains(t, rendered, "Location: Lisbon")
}

func TestAssemble_MemoryFailureDegradesGracefully(t *testing.T) {
	searcher := &fakeSearcher{err: memory.ErrStoreUnavailable}
	a, _ := newTestAssembler(t, &fakeRepo{}, searcher, testConfig())

	rendered, bundle := a.Assemble(context.Background(), "user-1", "sess-1", "what is my deadline?")

	assert.Empty(t, bundle.Memories)
	assert.Contains(t, rendered, "## Identity")
	assert.Contains(t, rendered, "## Environment")
}

func TestAssemble_IdentityFailureFallsBackToDefault(t *testing.T) {
	a, _ := newTestAssembler(t, &fakeRepo{err: errors.New("connection refused")}, &fakeSearcher{}, testConfig())

	_, bundle := a.Assemble(context.Background(), "user-1", "sess-1", "what is on my list?")

	assert.Equal(t, session.DefaultIdentity().Name, bundle.Identity.Name)
}

func TestFitToBudget_DropsMemoriesFirst(t *testing.T) {
	long := strings.Repeat("memory excerpt text ", 20)
	bundle := &Bundle{
		Identity:    session.DefaultIdentity(),
		Environment: Environment{Time: "09:30", Date: "Saturday, 14 March 2026", Timezone: "UTC"},
		WorkingMemory: &session.WorkingMemory{
			Content: "short scratchpad",
		},
		Memories: []memory.Match{
			{Record: memory.Record{Text: long}, Similarity: 0.9},
			{Record: memory.Record{Text: long}, Similarity: 0.8},
			{Record: memory.Record{Text: long}, Similarity: 0.7},
		},
	}

	out := bundle.FitToBudget(80, 10)

	assert.LessOrEqual(t, EstimateTokens(out), 80)
	assert.Contains(t, out, "## Identity")
	assert.Contains(t, out, "short scratchpad")
	assert.Empty(t, bundle.Memories)
}

func TestFitToBudget_KeepsIdentityUnderExtremePressure(t *testing.T) {
	bundle := &Bundle{
		Identity:    session.DefaultIdentity(),
		Environment: Environment{Time: "09:30", Date: "Saturday, 14 March 2026", Timezone: "UTC"},
		WorkingMemory: &session.WorkingMemory{
			Content: strings.Repeat("scratch ", 100),
		},
		Artifacts: session.Artifacts{
			Tasks: []session.TaskItem{{Title: strings.Repeat("task ", 50)}},
		},
	}

	out := bundle.FitToBudget(40, 10)

	assert.LessOrEqual(t, EstimateTokens(out), 40)
	assert.Contains(t, out, "## Identity")
}

func TestFitToBudget_HardCutKeepsValidUTF8(t *testing.T) {
	ident := session.DefaultIdentity()
	ident.Role = strings.Repeat("秘書", 100)
	bundle := &Bundle{
		Identity:    ident,
		Environment: Environment{Time: "09:30", Date: "Saturday, 14 March 2026", Timezone: "UTC"},
	}

	out := bundle.FitToBudget(20, 10)

	assert.LessOrEqual(t, len(out), 20*4)
	assert.True(t, utf8.ValidString(out))
}

func TestRender_Deterministic(t *testing.T) {
	bundle := &Bundle{
		Identity:    session.DefaultIdentity(),
		Environment: Environment{Time: "09:30", Date: "Saturday, 14 March 2026", Timezone: "UTC"},
		Memories: []memory.Match{
			{Record: memory.Record{Text: "likes hiking"}, Similarity: 0.8},
		},
	}

	assert.Equal(t, bundle.Render(), bundle.Render())
}

func TestIsTrivial(t *testing.T) {
	trivial := []string{"hi", "Hello!", "  hey  ", "thanks", "good morning", "OK."}
	for _, msg := range trivial {
		assert.True(t, IsTrivial(msg), msg)
	}

	substantive := []string{
		"hi, can you check my calendar for tomorrow?",
		"what did we decide about the budget?",
		"remember that my flight is at 6pm",
	}
	for _, msg := range substantive {
		assert.False(t, IsTrivial(msg), msg)
	}
}
