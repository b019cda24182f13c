package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emberhq/ember/internal/memory"
)

// rememberTool writes a fact to long-lived memory. The text hash doubles
// as an idempotency key, so the model repeating itself across retries
// does not duplicate records.
type rememberTool struct {
	store *memory.Store
}

func NewRemember(store *memory.Store) Tool {
	return &rememberTool{store: store}
}

func (t *rememberTool) Spec() Spec {
	return Spec{
		Name:        "remember",
		Description: "Store a fact about the user or their work so it survives this session.",
		Params: []Param{
			{Name: "text", Type: "string", Description: "The fact to remember, phrased to stand alone.", Required: true},
			{Name: "tier", Type: "string", Description: "Where to keep it: permanent (default) or project."},
		},
		OutputMode: ModeFull,
	}
}

func (t *rememberTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text := strings.TrimSpace(args["text"].(string))
	if text == "" {
		return "", fmt.Errorf("nothing to remember")
	}

	tier := memory.TierPermanent
	if raw, ok := args["tier"].(string); ok && raw != "" {
		tier = memory.Tier(raw)
		if tier == memory.TierSession {
			return "", fmt.Errorf("use working memory for session-scoped notes")
		}
	}

	sum := sha256.Sum256([]byte(text))
	id, err := t.store.Put(ctx, tier, SessionID(ctx), text, map[string]string{
		"source":               "tool:remember",
		memory.ExternalKeyMeta: "remember:" + hex.EncodeToString(sum[:8]),
	})
	if err != nil {
		if errors.Is(err, memory.ErrStoreUnavailable) {
			return "", fmt.Errorf("memory is temporarily unavailable; the fact was not stored")
		}
		return "", err
	}
	return fmt.Sprintf("remembered (id %s)", id), nil
}

// recallTool searches long-lived memory.
type recallTool struct {
	store *memory.Store
	topK  int
}

func NewRecall(store *memory.Store, topK int) Tool {
	return &recallTool{store: store, topK: topK}
}

func (t *recallTool) Spec() Spec {
	return Spec{
		Name:        "recall",
		Description: "Search stored memories for facts relevant to a query.",
		Params: []Param{
			{Name: "query", Type: "string", Description: "What to look for.", Required: true},
		},
		OutputMode: ModeFull,
	}
}

func (t *recallTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(args["query"].(string))
	if query == "" {
		return "", fmt.Errorf("empty query")
	}

	tiers := []memory.Tier{memory.TierPermanent, memory.TierProject}
	matches, err := t.store.Query(ctx, tiers, query, SessionID(ctx), t.topK)
	if err != nil {
		if errors.Is(err, memory.ErrStoreUnavailable) {
			return "", fmt.Errorf("memory is temporarily unavailable")
		}
		return "", err
	}
	if len(matches) == 0 {
		return "no stored memories match", nil
	}

	var sb strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&sb, "- %s\n", m.Record.Text)
	}
	return sb.String(), nil
}
