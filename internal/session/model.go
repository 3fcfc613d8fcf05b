package session

import (
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Session is the persisted record of one execution run.
type Session struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"request_id"`
	WorkingDirectory string                 `json:"working_directory"`
	DirHash          string                 `json:"dir_hash"` // Used for directory scoping
	Title            string                 `json:"title"`
	Subagent         string                 `json:"subagent"`
	Model            string                 `json:"model,omitempty"`
	UserID           string                 `json:"user_id"`
	Status           engine.ExecutionStatus `json:"status"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
	Iterations       []IterationRecord      `json:"iterations"`
	Summary          string                 `json:"summary,omitempty"`
}

// IterationRecord is the stored form of an engine.IterationResult.
type IterationRecord struct {
	Iteration  int           `json:"iteration"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	ToolCalls  int           `json:"tool_calls"`
	Events     int           `json:"events"`
	Content    string        `json:"content,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
}

// SessionMeta is a lightweight representation for listings.
type SessionMeta struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Status    engine.ExecutionStatus `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Summary   string                 `json:"summary,omitempty"`
}
