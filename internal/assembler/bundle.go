package assembler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/session"
)

// Environment is the temporal/spatial pillar, rebuilt fresh every turn.
type Environment struct {
	Time     string `json:"time"`
	Date     string `json:"date"`
	Timezone string `json:"timezone"`
	Location string `json:"location,omitempty"`
}

// Bundle is the assembled context for one turn: the four pillars plus the
// retrieved memory excerpts. Rendering is deterministic — same bundle,
// same output — so prompts are reproducible and cacheable.
type Bundle struct {
	Identity      session.Identity
	Environment   Environment
	WorkingMemory *session.WorkingMemory
	Artifacts     session.Artifacts
	Memories      []memory.Match
}

// EstimateTokens approximates the token count of text. Four characters
// per token tracks close enough to real tokenizers for budgeting.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Render produces the system context block. Sections appear in a fixed
// order; empty pillars are omitted entirely rather than rendered blank.
func (b *Bundle) Render() string {
	var sb strings.Builder

	sb.WriteString("## Identity\n")
	fmt.Fprintf(&sb, "Name: %s\nRole: %s\nStyle: %s\n", b.Identity.Name, b.Identity.Role, b.Identity.CommunicationStyle)

	sb.WriteString("\n## Environment\n")
	fmt.Fprintf(&sb, "Time: %s\nDate: %s\nTimezone: %s\n", b.Environment.Time, b.Environment.Date, b.Environment.Timezone)
	if b.Environment.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", b.Environment.Location)
	}

	if len(b.Artifacts.Tasks) > 0 || len(b.Artifacts.CalendarDrafts) > 0 {
		sb.WriteString("\n## Artifacts\n")
		if len(b.Artifacts.Tasks) > 0 {
			sb.WriteString("Tasks:\n")
			for _, t := range b.Artifacts.Tasks {
				mark := " "
				if t.Done {
					mark = "x"
				}
				fmt.Fprintf(&sb, "- [%s] %s\n", mark, t.Title)
			}
		}
		if len(b.Artifacts.CalendarDrafts) > 0 {
			sb.WriteString("Calendar drafts:\n")
			for _, e := range b.Artifacts.CalendarDrafts {
				fmt.Fprintf(&sb, "- %s at %s\n", e.Title, e.Start.Format("2006-01-02 15:04"))
			}
		}
	}

	if b.WorkingMemory != nil && b.WorkingMemory.Content != "" {
		sb.WriteString("\n## Working Memory\n")
		sb.WriteString(b.WorkingMemory.Content)
		sb.WriteString("\n")
	}

	if len(b.Memories) > 0 {
		sb.WriteString("\n## Relevant Memories\n")
		for _, m := range b.Memories {
			fmt.Fprintf(&sb, "- %s\n", m.Record.Text)
		}
	}

	return sb.String()
}

// FitToBudget renders the bundle, shedding low-priority content until the
// estimate fits. Identity and environment always survive; memory excerpts
// go first (least similar first), then working memory, then artifacts
// beyond topN, then all artifacts. As a last resort the rendered text is
// hard-truncated.
func (b *Bundle) FitToBudget(budget, topN int) string {
	out := b.Render()
	if EstimateTokens(out) <= budget {
		return out
	}

	for len(b.Memories) > 0 {
		b.Memories = b.Memories[:len(b.Memories)-1]
		if out = b.Render(); EstimateTokens(out) <= budget {
			return out
		}
	}

	if b.WorkingMemory != nil {
		b.WorkingMemory = nil
		if out = b.Render(); EstimateTokens(out) <= budget {
			return out
		}
	}

	if len(b.Artifacts.Tasks) > topN {
		b.Artifacts.Tasks = b.Artifacts.Tasks[:topN]
	}
	if len(b.Artifacts.CalendarDrafts) > topN {
		b.Artifacts.CalendarDrafts = b.Artifacts.CalendarDrafts[:topN]
	}
	if out = b.Render(); EstimateTokens(out) <= budget {
		return out
	}

	b.Artifacts = session.Artifacts{}
	if out = b.Render(); EstimateTokens(out) <= budget {
		return out
	}

	// Identity and environment alone exceed the budget: cut the text,
	// backing up to a rune boundary so the prompt stays valid UTF-8.
	limit := budget * 4
	if limit < len(out) {
		for limit > 0 && !utf8.RuneStart(out[limit]) {
			limit--
		}
		out = out[:limit]
	}
	return out
}
