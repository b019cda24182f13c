package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/emberhq/ember/internal/assembler"
	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/events"
	"github.com/emberhq/ember/internal/llm"
	"github.com/emberhq/ember/internal/memory"
	"github.com/emberhq/ember/internal/metrics"
	"github.com/emberhq/ember/internal/session"
	"github.com/emberhq/ember/internal/stream"
	"github.com/emberhq/ember/internal/tools"
)

// State labels where a turn is in its lifecycle, for logs and events.
type State string

const (
	StateAssembling State = "assembling"
	StateInvoking   State = "invoking"
	StateExecuting  State = "executing_tool"
	StateAnswering  State = "answering"
	StateFailed     State = "failed"
)

// userFacingError is what clients see when a turn fails. Internals go to
// the log, never over the wire.
const userFacingError = "something went wrong handling that message; please try again"

// TurnRequest is one user message to process.
type TurnRequest struct {
	UserID     string
	SessionID  string
	Message    string
	NewSession bool
}

// Publisher mirrors turn lifecycle events onto the message bus.
// Publishing is best-effort: a bus outage never fails a turn.
type Publisher interface {
	PublishTurnEvent(ctx context.Context, evt events.TurnEvent) error
}

// Loop drives one conversation turn through its states: assemble context,
// invoke the model, execute any tool rounds, answer, persist.
type Loop struct {
	backend   llm.Backend
	assembler *assembler.Assembler
	executor  *tools.Executor
	registry  *tools.Registry
	repo      session.Repository
	state     *session.StateStore
	memories  *memory.Store
	events    Publisher
	cfg       config.AgentConfig
}

func NewLoop(
	backend llm.Backend,
	asm *assembler.Assembler,
	executor *tools.Executor,
	registry *tools.Registry,
	repo session.Repository,
	state *session.StateStore,
	memories *memory.Store,
	publisher Publisher,
	cfg config.AgentConfig,
) *Loop {
	return &Loop{
		backend:   backend,
		assembler: asm,
		executor:  executor,
		registry:  registry,
		repo:      repo,
		state:     state,
		memories:  memories,
		events:    publisher,
		cfg:       cfg,
	}
}

// emitter guards the terminal-chunk invariant: every stream gets exactly
// one done or error chunk, whatever path the turn takes.
type emitter struct {
	send     func(stream.Chunk) error
	terminal bool
}

func (e *emitter) emit(c stream.Chunk) error {
	if e.terminal {
		return nil
	}
	if c.Terminal() {
		e.terminal = true
	}
	return e.send(c)
}

// RunTurn processes one user message, emitting chunks as the answer takes
// shape. It always emits exactly one terminal chunk.
func (l *Loop) RunTurn(ctx context.Context, req TurnRequest, send func(stream.Chunk) error) {
	started := time.Now()
	em := &emitter{send: send}
	defer func() {
		if !em.terminal {
			_ = em.emit(stream.Error(userFacingError))
		}
	}()

	log := slog.With("session_id", req.SessionID, "user_id", req.UserID)

	if req.NewSession {
		if err := em.emit(stream.SessionStarted(req.SessionID)); err != nil {
			log.Warn("client disconnected before session chunk", "error", err)
			return
		}
	}

	if _, err := l.repo.EnsureSession(ctx, req.SessionID, req.UserID); err != nil {
		l.fail(ctx, em, log, req, "ensuring session", err)
		return
	}

	log.Debug("turn state", "state", StateAssembling)
	rendered, _ := l.assembler.Assemble(ctx, req.UserID, req.SessionID, req.Message)

	messages := []llm.Message{{Role: llm.RoleSystem, Content: rendered}}
	history, err := l.repo.RecentTurns(ctx, req.SessionID, l.cfg.HistoryTurns)
	if err != nil {
		// History is recoverable context, not a hard dependency.
		log.Warn("loading history", "error", err)
	}
	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.UserMessage},
			llm.Message{Role: llm.RoleAssistant, Content: turn.AssistantMessage},
		)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Message})

	toolDefs := l.toolDefs()
	toolCtx := tools.WithSession(ctx, req.SessionID)
	var toolsUsed []string
	var answer string

	for round := 0; ; round++ {
		log.Debug("turn state", "state", StateInvoking, "round", round)

		defs := toolDefs
		if round >= l.cfg.MaxToolRounds {
			// Round cap hit: take the tools away so the model must answer
			// in text with whatever it has gathered.
			log.Warn("tool round cap reached", "rounds", round)
			defs = nil
		}

		completion, err := l.invokeModel(ctx, llm.Request{Messages: messages, Tools: defs}, func(delta string) {
			_ = em.emit(stream.TextDelta(delta))
		})
		if err != nil {
			if defs == nil {
				// The cap-forced answer call failed; answer locally rather
				// than failing a turn whose tool work already ran.
				log.Warn("forced answer call failed", "error", err)
				answer = fmt.Sprintf("I wasn't able to complete that after %d tool calls.", l.cfg.MaxToolRounds)
				_ = em.emit(stream.TextDelta(answer))
				break
			}
			l.fail(ctx, em, log, req, "invoking model", err)
			return
		}

		if len(completion.ToolCalls) == 0 || defs == nil {
			answer = completion.Text
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		// Tool calls run one at a time, in the order the model asked for
		// them; later calls may depend on earlier results.
		for _, call := range completion.ToolCalls {
			log.Debug("turn state", "state", StateExecuting, "tool", call.Name)
			if err := em.emit(stream.ToolInvoked(call.Name)); err != nil {
				log.Warn("client disconnected mid-turn", "error", err)
				return
			}

			result := l.executor.Execute(toolCtx, call.Name, call.Arguments)
			toolsUsed = append(toolsUsed, call.Name)
			l.learnFromTool(ctx, log, call, result)

			if result.Kind == tools.ResultOK {
				// Each successful result replaces working memory wholesale:
				// the pillar holds the latest tool output, not a transcript.
				wm := &session.WorkingMemory{
					Content: result.Text,
					Source:  "tool:" + call.Name,
				}
				if err := l.state.SetWorkingMemory(ctx, req.SessionID, wm); err != nil {
					log.Warn("projecting tool result into working memory", "error", err)
				}
			}

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("[%s] %s", result.Kind, result.Text),
			})
		}
	}

	log.Debug("turn state", "state", StateAnswering)
	l.persistTurn(ctx, log, req, answer, toolsUsed)

	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	metrics.TurnDuration.Observe(time.Since(started).Seconds())
	_ = em.emit(stream.Done())
}

func (l *Loop) fail(ctx context.Context, em *emitter, log *slog.Logger, req TurnRequest, op string, err error) {
	log.Error("turn failed", "state", StateFailed, "op", op, "error", err)
	metrics.TurnsTotal.WithLabelValues("failed").Inc()

	if l.events != nil {
		evt := events.TurnEvent{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Status:    "failed",
			At:        time.Now().UTC(),
		}
		if pubErr := l.events.PublishTurnEvent(context.WithoutCancel(ctx), evt); pubErr != nil {
			log.Warn("publishing turn event", "error", pubErr)
		}
	}

	_ = em.emit(stream.Error(userFacingError))
}

// invokeModel calls the backend with the configured deadline attached,
// so a hung model backend fails the turn instead of stalling it.
func (l *Loop) invokeModel(ctx context.Context, req llm.Request, onDelta func(string)) (*llm.Completion, error) {
	if l.cfg.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.ModelTimeout)
		defer cancel()
	}
	return l.backend.Stream(ctx, req, onDelta)
}

func (l *Loop) toolDefs() []llm.ToolDef {
	specs := l.registry.Specs()
	defs := make([]llm.ToolDef, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, llm.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Schema:      spec.JSONSchema(),
		})
	}
	return defs
}

// learnFromTool stores successful results of learn-flagged tools in
// permanent memory. The write must survive a client disconnect, so it
// runs detached from the request's cancellation.
func (l *Loop) learnFromTool(ctx context.Context, log *slog.Logger, call llm.ToolCall, result tools.Result) {
	if result.Kind != tools.ResultOK {
		return
	}
	tool := l.registry.Get(call.Name)
	if tool == nil || !tool.Spec().Learn {
		return
	}

	detached := context.WithoutCancel(ctx)
	_, err := l.memories.Put(detached, memory.TierPermanent, "", result.Text, map[string]string{
		"source": "tool:" + call.Name,
	})
	if err != nil {
		log.Warn("storing learn-worthy tool result", "tool", call.Name, "error", err)
	}
}

// persistTurn records the exchange and refreshes working memory. Both are
// best-effort and detached from cancellation: an answer already streamed
// to the user should not vanish from history because they closed the tab.
func (l *Loop) persistTurn(ctx context.Context, log *slog.Logger, req TurnRequest, answer string, toolsUsed []string) {
	detached := context.WithoutCancel(ctx)

	turn := &session.Turn{
		SessionID:        req.SessionID,
		UserMessage:      req.Message,
		AssistantMessage: answer,
		ToolsUsed:        toolsUsed,
	}
	if err := l.repo.AppendTurn(detached, turn); err != nil {
		log.Error("persisting turn", "error", err)
	}

	// Turns that ran tools already projected the last result into working
	// memory; with no tool results the exchange itself is the snapshot.
	if len(toolsUsed) == 0 {
		summary := fmt.Sprintf("Last exchange — user: %s | assistant: %s", clip(req.Message, 300), clip(answer, 500))
		if err := l.state.SetWorkingMemory(detached, req.SessionID, &session.WorkingMemory{
			Content: summary,
			Source:  fmt.Sprintf("turn %d", turn.Seq),
		}); err != nil {
			log.Warn("updating working memory", "error", err)
		}
	}

	if l.events != nil {
		evt := events.TurnEvent{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			Seq:       turn.Seq,
			ToolsUsed: toolsUsed,
			Status:    "completed",
			At:        time.Now().UTC(),
		}
		if err := l.events.PublishTurnEvent(detached, evt); err != nil {
			log.Warn("publishing turn event", "error", err)
		}
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
