package engine

import (
	"strings"
	"time"
)

// ValidateRequest checks req before any side effect of a run. The returned
// error is a *ValidationError naming the offending field.
func ValidateRequest(req *ExecutionRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "must not be nil"}
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return &ValidationError{Field: "requestId", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return &ValidationError{Field: "instruction", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Subagent) == "" {
		return &ValidationError{Field: "subagent", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.WorkingDirectory) == "" {
		return &ValidationError{Field: "workingDirectory", Reason: "must not be empty"}
	}
	if req.MaxIterations <= 0 && req.MaxIterations != Unlimited {
		return &ValidationError{Field: "maxIterations", Reason: "must be positive or -1 for unlimited"}
	}
	if req.Timeout < 0 {
		return &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

// newSessionContext seeds the session record of a run from its request.
func newSessionContext(req *ExecutionRequest, now time.Time) SessionContext {
	meta := make(map[string]any, len(req.SessionMetadata)+2)
	for k, v := range req.SessionMetadata {
		meta[k] = v
	}
	meta["subagent"] = req.Subagent
	meta["workingDirectory"] = req.WorkingDirectory

	userID := SystemUserID
	if u, ok := req.SessionMetadata["userId"].(string); ok && strings.TrimSpace(u) != "" {
		userID = u
	}

	return SessionContext{
		SessionID:    "session-" + req.RequestID,
		StartTime:    now,
		UserID:       userID,
		Metadata:     meta,
		LastActivity: now,
		State:        SessionInitializing,
	}
}

// capReached reports whether iteration i is beyond the request's cap.
func (req *ExecutionRequest) capReached(i int) bool {
	return req.MaxIterations != Unlimited && i > req.MaxIterations
}
