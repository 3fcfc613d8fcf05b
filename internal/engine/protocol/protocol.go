package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// CommandType enumerates all supported client -> engine commands.
type CommandType string

const (
	CommandExecute       CommandType = "execute"
	CommandCancel        CommandType = "cancel"
	CommandRateLimitInfo CommandType = "rate_limit_info"
	CommandStats         CommandType = "stats"
	CommandShutdown      CommandType = "shutdown"
)

// Command is a marker interface implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// ExecuteCommand starts a run.
type ExecuteCommand struct {
	Type             CommandType    `json:"type"`
	RequestID        string         `json:"request_id,omitempty"`
	Instruction      string         `json:"instruction"`
	Subagent         string         `json:"subagent,omitempty"`
	WorkingDirectory string         `json:"working_directory"`
	MaxIterations    int            `json:"max_iterations,omitempty"`
	Model            string         `json:"model,omitempty"`
	TimeoutMs        int64          `json:"timeout_ms,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// GetType implements Command.
func (c ExecuteCommand) GetType() CommandType { return CommandExecute }

// Validate checks the fields the wire format requires.
func (c ExecuteCommand) Validate() error {
	if c.Instruction == "" {
		return errors.New("execute requires instruction")
	}
	if c.WorkingDirectory == "" {
		return errors.New("execute requires working_directory")
	}
	if c.TimeoutMs < 0 {
		return errors.New("execute timeout_ms must not be negative")
	}
	return nil
}

// Request converts the command into an engine request. Empty fields are
// left for configuration defaults to fill.
func (c ExecuteCommand) Request() *engine.ExecutionRequest {
	return &engine.ExecutionRequest{
		RequestID:        c.RequestID,
		Instruction:      c.Instruction,
		Subagent:         c.Subagent,
		WorkingDirectory: c.WorkingDirectory,
		MaxIterations:    c.MaxIterations,
		Model:            c.Model,
		Timeout:          time.Duration(c.TimeoutMs) * time.Millisecond,
		Priority:         engine.Priority(c.Priority),
		SessionMetadata:  c.Metadata,
	}
}

// CancelCommand cancels a running request.
type CancelCommand struct {
	Type      CommandType `json:"type"`
	RequestID string      `json:"request_id"`
}

// GetType implements Command.
func (c CancelCommand) GetType() CommandType { return CommandCancel }

// RateLimitInfoCommand asks for the current rate-limit view.
type RateLimitInfoCommand struct {
	Type CommandType `json:"type"`
}

// GetType implements Command.
func (c RateLimitInfoCommand) GetType() CommandType { return CommandRateLimitInfo }

// StatsCommand asks for aggregated statistics of finished runs.
type StatsCommand struct {
	Type CommandType `json:"type"`
}

// GetType implements Command.
func (c StatsCommand) GetType() CommandType { return CommandStats }

// ShutdownCommand stops the engine.
type ShutdownCommand struct {
	Type      CommandType `json:"type"`
	TimeoutMs int64       `json:"timeout_ms,omitempty"`
}

// GetType implements Command.
func (c ShutdownCommand) GetType() CommandType { return CommandShutdown }

type rawCommand struct {
	Type CommandType `json:"type"`
}

// DecodeCommand converts raw JSON into a strongly typed command.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Type {
	case CommandExecute:
		var cmd ExecuteCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode execute: %w", err)
		}
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		if cmd.RequestID == "" {
			cmd.RequestID = NewRequestID()
		}
		return cmd, nil
	case CommandCancel:
		var cmd CancelCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode cancel: %w", err)
		}
		if cmd.RequestID == "" {
			return nil, errors.New("cancel requires request_id")
		}
		return cmd, nil
	case CommandRateLimitInfo:
		return RateLimitInfoCommand{Type: base.Type}, nil
	case CommandStats:
		return StatsCommand{Type: base.Type}, nil
	case CommandShutdown:
		var cmd ShutdownCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode shutdown: %w", err)
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", base.Type)
	}
}

// NewRequestID generates a new opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()
}
