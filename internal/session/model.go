package session

import "time"

// Session is one conversation thread. Sessions are created lazily on the
// first chat request that names (or omits) a session id.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Turn is one completed user/assistant exchange. Seq is assigned by the
// repository and is strictly increasing per session.
type Turn struct {
	SessionID        string    `json:"session_id"`
	Seq              int       `json:"seq"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	ToolsUsed        []string  `json:"tools_used,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Identity is the stable persona pillar: who the assistant is for this
// user. It changes rarely, via the identity endpoint.
type Identity struct {
	Name               string    `json:"name"`
	Role               string    `json:"role"`
	CommunicationStyle string    `json:"communication_style"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultIdentity is served until the user customizes theirs.
func DefaultIdentity() Identity {
	return Identity{
		Name:               "Ember",
		Role:               "personal assistant",
		CommunicationStyle: "warm, concise, direct",
	}
}

// WorkingMemory is the per-session scratchpad. Each update replaces the
// whole value; there is no append.
type WorkingMemory struct {
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskItem is one entry on the session task list artifact.
type TaskItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// CalendarEvent is a drafted (not yet confirmed) calendar entry.
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
	Notes string    `json:"notes,omitempty"`
}

// Artifacts are the structured objects tools produce during a session.
type Artifacts struct {
	Tasks          []TaskItem      `json:"tasks,omitempty"`
	CalendarDrafts []CalendarEvent `json:"calendar_drafts,omitempty"`
}
