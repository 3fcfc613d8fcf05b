package mcpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Result metadata keys understood by the client.
const (
	MetaCompleted          = "completed"
	MetaShouldContinue     = "should_continue"
	MetaRateLimited        = "rate_limited"
	MetaRateLimitReset     = "rate_limit_reset"
	MetaRateLimitRemaining = "rate_limit_remaining"
	MetaErrorKind          = "error_kind"
	MetaEventType          = "type"
	MetaBackend            = "backend"
	MetaToolID             = "tool_id"
)

type resultFlags struct {
	completed      bool
	shouldContinue bool
	rateLimited    bool
	errorKind      string
	rateLimit      *engine.RateLimitInfo
}

// parseResultMeta reads flags from the result's _meta, falling back to the
// structured content when it is an object.
func parseResultMeta(meta mcp.Meta, structured any) resultFlags {
	fields := map[string]any{}
	if obj, ok := structured.(map[string]any); ok {
		for k, v := range obj {
			fields[k] = v
		}
	}
	for k, v := range meta {
		fields[k] = v
	}

	f := resultFlags{
		completed:      asBool(fields[MetaCompleted]),
		shouldContinue: asBool(fields[MetaShouldContinue]),
		rateLimited:    asBool(fields[MetaRateLimited]),
	}
	f.errorKind, _ = fields[MetaErrorKind].(string)

	reset := parseReset(fields[MetaRateLimitReset])
	remaining, hasRemaining := asInt(fields[MetaRateLimitRemaining])
	if reset != nil || hasRemaining {
		f.rateLimit = &engine.RateLimitInfo{Remaining: remaining, ResetTime: reset}
	}
	return f
}

// toolError maps an IsError result onto the engine's taxonomy.
func toolError(toolName, text string, f resultFlags) error {
	msg := text
	if msg == "" {
		msg = "tool reported an error"
	}
	cause := errors.New(msg)

	kind := strings.ToLower(f.errorKind)
	switch {
	case f.rateLimited || kind == "rate_limit":
		rl := &engine.RateLimitError{Err: cause}
		if f.rateLimit != nil {
			rl.ResetTime = f.rateLimit.ResetTime
			rl.Remaining = f.rateLimit.Remaining
		}
		return rl
	case kind == "validation":
		return &engine.ValidationError{Field: "arguments", Reason: "rejected by tool", Err: cause}
	case kind == "timeout":
		return &engine.TimeoutError{Err: cause}
	case kind == "connection":
		return &engine.ConnectionError{Err: cause}
	}
	return engine.NormalizeError(cause, toolName)
}

func progressEvent(p *mcp.ProgressNotificationParams) engine.ProgressEvent {
	ev := engine.ProgressEvent{
		Content:  p.Message,
		Progress: p.Progress,
		Total:    p.Total,
		Type:     engine.ProgressInfo,
	}
	if len(p.Meta) > 0 {
		ev.Metadata = map[string]any(p.Meta)
		if t, ok := p.Meta[MetaEventType].(string); ok && t != "" {
			ev.Type = engine.ProgressEventType(t)
		}
		ev.Backend, _ = p.Meta[MetaBackend].(string)
		ev.ToolID, _ = p.Meta[MetaToolID].(string)
	}
	return ev
}

// parseReset accepts RFC 3339 timestamps and unix seconds.
func parseReset(v any) *time.Time {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return &t
		}
		if secs, err := strconv.ParseFloat(x, 64); err == nil {
			return unixTime(secs)
		}
	case float64:
		return unixTime(x)
	case int:
		return unixTime(float64(x))
	case int64:
		return unixTime(float64(x))
	case json.Number:
		if secs, err := x.Float64(); err == nil {
			return unixTime(secs)
		}
	}
	return nil
}

func unixTime(secs float64) *time.Time {
	if secs <= 0 {
		return nil
	}
	t := time.Unix(0, int64(secs*float64(time.Second)))
	return &t
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	return false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

// describe is used in log lines.
func describe(info engine.RateLimitInfo) string {
	if info.ResetTime == nil {
		return fmt.Sprintf("remaining=%d", info.Remaining)
	}
	return fmt.Sprintf("remaining=%d reset=%s", info.Remaining, info.ResetTime.Format(time.RFC3339))
}
