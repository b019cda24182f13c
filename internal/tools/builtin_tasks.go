package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/session"
)

// taskAddTool appends an item to the session task list artifact.
type taskAddTool struct {
	state *session.StateStore
}

func NewTaskAdd(state *session.StateStore) Tool {
	return &taskAddTool{state: state}
}

func (t *taskAddTool) Spec() Spec {
	return Spec{
		Name:        "task_add",
		Description: "Add an item to the user's task list for this session.",
		Params: []Param{
			{Name: "title", Type: "string", Description: "The task to add.", Required: true},
		},
		OutputMode: ModeFull,
	}
}

func (t *taskAddTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	sessionID := SessionID(ctx)
	if sessionID == "" {
		return "", fmt.Errorf("no session in context")
	}
	title := strings.TrimSpace(args["title"].(string))
	if title == "" {
		return "", fmt.Errorf("task title is empty")
	}

	artifacts, err := t.state.Artifacts(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading artifacts: %w", err)
	}
	artifacts.Tasks = append(artifacts.Tasks, session.TaskItem{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	})
	if err := t.state.SetArtifacts(ctx, sessionID, artifacts); err != nil {
		return "", fmt.Errorf("saving artifacts: %w", err)
	}

	return fmt.Sprintf("added %q; the list now has %d item(s)", title, len(artifacts.Tasks)), nil
}

// taskListTool renders the current task list.
type taskListTool struct {
	state *session.StateStore
}

func NewTaskList(state *session.StateStore) Tool {
	return &taskListTool{state: state}
}

func (t *taskListTool) Spec() Spec {
	return Spec{
		Name:        "task_list",
		Description: "List the tasks on the user's session task list.",
		OutputMode:  ModeFull,
	}
}

func (t *taskListTool) Execute(ctx context.Context, _ map[string]any) (string, error) {
	sessionID := SessionID(ctx)
	if sessionID == "" {
		return "", fmt.Errorf("no session in context")
	}

	artifacts, err := t.state.Artifacts(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading artifacts: %w", err)
	}
	if len(artifacts.Tasks) == 0 {
		return "the task list is empty", nil
	}

	var sb strings.Builder
	for _, item := range artifacts.Tasks {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&sb, "- [%s] %s (id: %s)\n", mark, item.Title, item.ID)
	}
	return sb.String(), nil
}

// taskCompleteTool marks a task done by id or by title match.
type taskCompleteTool struct {
	state *session.StateStore
}

func NewTaskComplete(state *session.StateStore) Tool {
	return &taskCompleteTool{state: state}
}

func (t *taskCompleteTool) Spec() Spec {
	return Spec{
		Name:        "task_complete",
		Description: "Mark a task on the session task list as done.",
		Params: []Param{
			{Name: "task", Type: "string", Description: "The task id, or enough of its title to identify it.", Required: true},
		},
		OutputMode: ModeFull,
	}
}

func (t *taskCompleteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	sessionID := SessionID(ctx)
	if sessionID == "" {
		return "", fmt.Errorf("no session in context")
	}
	needle := strings.ToLower(strings.TrimSpace(args["task"].(string)))

	artifacts, err := t.state.Artifacts(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading artifacts: %w", err)
	}

	for i := range artifacts.Tasks {
		item := &artifacts.Tasks[i]
		if item.ID == needle || strings.Contains(strings.ToLower(item.Title), needle) {
			item.Done = true
			if err := t.state.SetArtifacts(ctx, sessionID, artifacts); err != nil {
				return "", fmt.Errorf("saving artifacts: %w", err)
			}
			return fmt.Sprintf("marked %q as done", item.Title), nil
		}
	}
	return "", fmt.Errorf("no task matching %q", needle)
}
