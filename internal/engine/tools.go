package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Subagents the engine knows how to drive out of the box.
const (
	SubagentClaude = "claude"
	SubagentCodex  = "codex"
	SubagentGemini = "gemini"
	SubagentCursor = "cursor"
)

var defaultToolNames = map[string]string{
	SubagentClaude: "claude_subagent",
	SubagentCodex:  "codex_subagent",
	SubagentGemini: "gemini_subagent",
	SubagentCursor: "cursor_subagent",
}

var defaultModels = map[string]string{
	SubagentClaude: "claude-sonnet-4-5-20250929",
	SubagentCodex:  "gpt-4",
	SubagentGemini: "gemini-2.5-pro",
}

// DefaultArgumentSchema describes the arguments every subagent tool accepts.
const DefaultArgumentSchema = `{
  "type": "object",
  "properties": {
    "instruction":  {"type": "string", "minLength": 1},
    "project_path": {"type": "string", "minLength": 1},
    "iteration":    {"type": "integer", "minimum": 1},
    "model":        {"type": "string"},
    "timeout":      {"type": "integer", "minimum": 0},
    "priority":     {"type": "string", "enum": ["", "low", "normal", "high"]}
  },
  "required": ["instruction", "project_path", "iteration"]
}`

// ToolName returns the tool that serves subagent, honoring overrides.
func ToolName(subagent string, overrides map[string]string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(subagent))
	if name, ok := overrides[key]; ok && name != "" {
		return name, nil
	}
	if name, ok := defaultToolNames[key]; ok {
		return name, nil
	}
	return "", &ValidationError{
		Field:  "subagent",
		Reason: fmt.Sprintf("unsupported subagent %q (supported: %s)", subagent, strings.Join(Subagents(overrides), ", ")),
	}
}

// Subagents lists the supported subagent identifiers, sorted.
func Subagents(overrides map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for k := range defaultToolNames {
		seen[k] = true
		out = append(out, k)
	}
	for k := range overrides {
		if !seen[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// DefaultModel returns the model used for subagent when a request names none.
func DefaultModel(subagent string, overrides map[string]string) string {
	key := strings.ToLower(strings.TrimSpace(subagent))
	if m, ok := overrides[key]; ok {
		return m
	}
	return defaultModels[key]
}

// toolArguments builds the argument object sent with a tool call.
func toolArguments(req ToolCallRequest) map[string]any {
	args := map[string]any{
		"instruction":  req.Instruction,
		"project_path": req.WorkingDirectory,
		"iteration":    req.Iteration,
	}
	if req.Model != "" {
		args["model"] = req.Model
	}
	if req.Timeout > 0 {
		args["timeout"] = req.Timeout.Milliseconds()
	}
	if req.Priority != "" {
		args["priority"] = string(req.Priority)
	}
	return args
}

// ValidateArguments validates args against schema.
func ValidateArguments(toolName, schema string, args map[string]any) error {
	if schema == "" {
		return nil
	}
	schemaLoader := gojsonschema.NewStringLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errorMsgs []string
		for _, err := range result.Errors() {
			errorMsgs = append(errorMsgs, err.String())
		}
		return &ToolValidationError{
			ToolName: toolName,
			Errors:   errorMsgs,
		}
	}

	return nil
}
