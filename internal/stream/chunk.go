package stream

// ChunkType discriminates the chunk union on the wire.
type ChunkType string

const (
	// ChunkSessionStarted is sent first when the server created a new
	// session for the request.
	ChunkSessionStarted ChunkType = "session_started"
	// ChunkTextDelta carries a fragment of the assistant's answer.
	ChunkTextDelta ChunkType = "text_delta"
	// ChunkToolInvoked announces that a tool round is running.
	ChunkToolInvoked ChunkType = "tool_invoked"
	// ChunkError terminates the stream after a failure.
	ChunkError ChunkType = "error"
	// ChunkDone terminates a successful stream.
	ChunkDone ChunkType = "done"
)

// Chunk is one streamed event. Every stream carries exactly one terminal
// chunk: done on success, error on failure, never both.
type Chunk struct {
	Type      ChunkType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}

func SessionStarted(sessionID string) Chunk {
	return Chunk{Type: ChunkSessionStarted, SessionID: sessionID}
}

func TextDelta(text string) Chunk {
	return Chunk{Type: ChunkTextDelta, Text: text}
}

func ToolInvoked(tool string) Chunk {
	return Chunk{Type: ChunkToolInvoked, Tool: tool}
}

func Error(message string) Chunk {
	return Chunk{Type: ChunkError, Message: message}
}

func Done() Chunk {
	return Chunk{Type: ChunkDone}
}
