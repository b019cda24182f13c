package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/metrics"
)

const truncationMarker = "\n…[output truncated]"

// Executor runs tools with argument validation, a per-call timeout, panic
// containment and output truncation. All failure shapes come back as
// typed Results so the model can react to them.
type Executor struct {
	registry *Registry

	timeout    time.Duration
	maxOutput  int
	maxCompact int
}

func NewExecutor(registry *Registry, cfg config.AgentConfig) *Executor {
	return &Executor{
		registry:   registry,
		timeout:    cfg.ToolTimeout,
		maxOutput:  cfg.ToolOutputBytes,
		maxCompact: cfg.SummarizedOutputBytes,
	}
}

// Execute runs one tool call to completion.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) Result {
	tool := e.registry.Get(name)
	if tool == nil {
		metrics.ToolCallsTotal.WithLabelValues(name, string(ResultInvalidArguments)).Inc()
		return Result{
			Kind: ResultInvalidArguments,
			Text: fmt.Sprintf("unknown tool %q", name),
		}
	}

	spec := tool.Spec()
	if msg := validateArgs(spec, args); msg != "" {
		metrics.ToolCallsTotal.WithLabelValues(name, string(ResultInvalidArguments)).Inc()
		return Result{Kind: ResultInvalidArguments, Text: msg}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := e.run(callCtx, tool, args)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		metrics.ToolCallsTotal.WithLabelValues(name, string(ResultExecutionError)).Inc()
		return Result{
			Kind: ResultExecutionError,
			Text: fmt.Sprintf("tool %s failed: %v", name, err),
		}
	}

	result := Result{Kind: ResultOK, Text: output}
	limit := e.maxOutput
	if spec.OutputMode == ModeCompact {
		limit = e.maxCompact
	}
	if len(result.Text) > limit {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		for limit > 0 && !utf8.RuneStart(result.Text[limit]) {
			limit--
		}
		result.Text = result.Text[:limit] + truncationMarker
		result.Truncated = true
	}

	metrics.ToolCallsTotal.WithLabelValues(name, string(ResultOK)).Inc()
	return result
}

// run invokes the tool with panics converted to errors, so one
// misbehaving tool cannot take down the turn worker.
func (e *Executor) run(ctx context.Context, tool Tool, args map[string]any) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}

func validateArgs(spec Spec, args map[string]any) string {
	known := make(map[string]Param, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = p
		if p.Required {
			if _, ok := args[p.Name]; !ok {
				return fmt.Sprintf("missing required argument %q", p.Name)
			}
		}
	}

	for name, value := range args {
		p, ok := known[name]
		if !ok {
			return fmt.Sprintf("unexpected argument %q", name)
		}
		if !typeMatches(p.Type, value) {
			return fmt.Sprintf("argument %q must be a %s", name, p.Type)
		}
	}
	return ""
}

func typeMatches(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	default:
		return true
	}
}
