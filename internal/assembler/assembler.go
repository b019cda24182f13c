package assembler

import (
	"context"
	"log/slog"
	"time"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/metrics"
	"github.com/emberhq/ember/internal/session"
)

// MemorySearcher is the slice of the memory store the assembler needs.
type MemorySearcher interface {
	Query(ctx context.Context, tiers []memory.Tier, text, sessionID string, limit int) ([]memory.Match, error)
}

// Assembler builds the context bundle for each turn. It never fails: a
// pillar whose source is down is assembled as its zero value and logged,
// because a turn with partial context beats no turn at all.
type Assembler struct {
	identity *session.IdentityCache
	state    *session.StateStore
	memories MemorySearcher

	budget   int
	topK     int
	topN     int
	location string

	now func() time.Time
}

func New(identity *session.IdentityCache, state *session.StateStore, memories MemorySearcher, cfg config.AgentConfig) *Assembler {
	return &Assembler{
		identity: identity,
		state:    state,
		memories: memories,
		budget:   cfg.ContextBudget,
		topK:     cfg.MemoryTopK,
		topN:     cfg.ArtifactsTopN,
		location: cfg.Location,
		now:      time.Now,
	}
}

// Assemble gathers the four pillars and the memory excerpts for a turn
// and returns the rendered context plus the bundle it came from.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID, userMessage string) (string, *Bundle) {
	bundle := &Bundle{Environment: a.environment()}

	if ident, err := a.identity.Get(ctx, userID); err != nil {
		slog.Warn("assembling identity pillar", "user_id", userID, "error", err)
		bundle.Identity = session.DefaultIdentity()
	} else {
		bundle.Identity = *ident
	}

	if wm, err := a.state.WorkingMemory(ctx, sessionID); err != nil {
		slog.Warn("assembling working memory pillar", "session_id", sessionID, "error", err)
	} else {
		bundle.WorkingMemory = wm
	}

	if artifacts, err := a.state.Artifacts(ctx, sessionID); err != nil {
		slog.Warn("assembling artifacts pillar", "session_id", sessionID, "error", err)
	} else {
		bundle.Artifacts = *artifacts
	}

	// Trivial greetings skip retrieval: the index round-trip would only
	// add latency to a turn that has nothing to recall.
	if !IsTrivial(userMessage) {
		// Session-tier scratch lives in working memory already; retrieval
		// pulls from the durable tiers only.
		tiers := []memory.Tier{memory.TierPermanent, memory.TierProject}
		matches, err := a.memories.Query(ctx, tiers, userMessage, sessionID, a.topK)
		if err != nil {
			slog.Warn("retrieving memory excerpts", "session_id", sessionID, "error", err)
		} else {
			bundle.Memories = matches
		}
	}

	rendered := bundle.FitToBudget(a.budget, a.topN)
	metrics.ContextTokensAssembled.Observe(float64(EstimateTokens(rendered)))
	return rendered, bundle
}

func (a *Assembler) environment() Environment {
	now := a.now()
	return Environment{
		Time:     now.Format("15:04"),
		Date:     now.Format("Monday, 2 January 2006"),
		Timezone: now.Format("MST"),
		Location: a.location,
	}
}
