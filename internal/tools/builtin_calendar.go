package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/session"
)

// calendarDraftTool drafts (never confirms) a calendar entry as a session
// artifact. Nothing leaves the session until the user acts on the draft.
type calendarDraftTool struct {
	state *session.StateStore
}

func NewCalendarDraft(state *session.StateStore) Tool {
	return &calendarDraftTool{state: state}
}

func (t *calendarDraftTool) Spec() Spec {
	return Spec{
		Name:        "calendar_draft",
		Description: "Draft a calendar event for the user to review. The event is not booked anywhere.",
		Params: []Param{
			{Name: "title", Type: "string", Description: "What the event is.", Required: true},
			{Name: "start", Type: "string", Description: "Start time, RFC 3339 (e.g. 2026-03-14T15:00:00Z).", Required: true},
			{Name: "end", Type: "string", Description: "End time, RFC 3339. Defaults to one hour after start."},
			{Name: "notes", Type: "string", Description: "Optional free-form notes."},
		},
		OutputMode: ModeFull,
	}
}

func (t *calendarDraftTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	sessionID := SessionID(ctx)
	if sessionID == "" {
		return "", fmt.Errorf("no session in context")
	}

	title := strings.TrimSpace(args["title"].(string))
	start, err := time.Parse(time.RFC3339, args["start"].(string))
	if err != nil {
		return "", fmt.Errorf("parsing start time: %w", err)
	}
	end := start.Add(time.Hour)
	if raw, ok := args["end"].(string); ok && raw != "" {
		end, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return "", fmt.Errorf("parsing end time: %w", err)
		}
		if !end.After(start) {
			return "", fmt.Errorf("end time must be after start time")
		}
	}
	notes, _ := args["notes"].(string)

	artifacts, err := t.state.Artifacts(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading artifacts: %w", err)
	}
	artifacts.CalendarDrafts = append(artifacts.CalendarDrafts, session.CalendarEvent{
		ID:    uuid.New().String(),
		Title: title,
		Start: start,
		End:   end,
		Notes: notes,
	})
	if err := t.state.SetArtifacts(ctx, sessionID, artifacts); err != nil {
		return "", fmt.Errorf("saving artifacts: %w", err)
	}

	return fmt.Sprintf("drafted %q for %s", title, start.Format("Mon, 2 Jan 2006 15:04 MST")), nil
}
