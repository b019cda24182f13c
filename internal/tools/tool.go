package tools

import "context"

// OutputMode controls how much of a tool's output survives truncation.
type OutputMode string

const (
	// ModeFull keeps output up to the standard byte limit.
	ModeFull OutputMode = "full"
	// ModeCompact applies the tighter summarized limit, for tools whose
	// raw output (fetched pages, long listings) would crowd the context.
	ModeCompact OutputMode = "compact"
)

// Param describes one argument a tool accepts.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Spec is a tool's self-description, exposed to the model as a function
// definition.
type Spec struct {
	Name        string
	Description string
	Params      []Param
	OutputMode  OutputMode
	// Learn marks tools whose successful results are worth writing to
	// permanent memory after the turn.
	Learn bool
}

// JSONSchema renders the parameter list as a JSON-schema object in the
// shape function-calling APIs expect.
func (s Spec) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Params))
	var required []string
	for _, p := range s.Params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ResultKind classifies a tool execution outcome.
type ResultKind string

const (
	ResultOK               ResultKind = "ok"
	ResultInvalidArguments ResultKind = "invalid_arguments"
	ResultExecutionError   ResultKind = "execution_error"
)

// Result is what the agent loop feeds back to the model. Failures are
// results, not errors: the model sees what went wrong and can retry or
// answer around it.
type Result struct {
	Kind      ResultKind `json:"kind"`
	Text      string     `json:"text"`
	Truncated bool       `json:"truncated,omitempty"`
}

// Tool is one callable capability.
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type sessionKey struct{}

// WithSession tags the context with the session a tool call belongs to.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID returns the session the current tool call runs in.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
