// Package mcpclient implements engine.ToolClient on top of an MCP server
// that exposes one tool per subagent.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Config describes how to reach the MCP server.
type Config struct {
	Command           string            // server executable, launched over stdio
	Args              []string          // arguments to Command
	Env               map[string]string // appended to the inherited environment
	Dir               string            // working directory of the server process
	ClientName        string
	ClientVersion     string
	TerminateDuration time.Duration // grace period before the server is killed on close
	KeepAlive         time.Duration // ping interval; zero disables
}

// Client is a reconnecting MCP client. It is safe for concurrent use.
type Client struct {
	cfg       Config
	transport func() (mcp.Transport, error)
	logger    *log.Logger

	mu        sync.Mutex
	session   *mcp.ClientSession
	closing   bool
	sinks     map[string]engine.ProgressSink
	rateLimit engine.RateLimitInfo

	connErrs chan error
}

// New returns a client that launches cfg.Command on Connect.
func New(cfg Config) *Client {
	c := newClient(cfg)
	c.transport = func() (mcp.Transport, error) {
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, errors.New("mcp server command is not configured")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Dir = cfg.Dir
		cmd.Env = mergeEnv(os.Environ(), cfg.Env)
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd, TerminateDuration: cfg.TerminateDuration}, nil
	}
	return c
}

// NewWithTransport returns a client that uses newTransport for every
// connection attempt, e.g. in-memory transports in tests.
func NewWithTransport(cfg Config, newTransport func() (mcp.Transport, error)) *Client {
	c := newClient(cfg)
	c.transport = newTransport
	return c
}

func newClient(cfg Config) *Client {
	if cfg.ClientName == "" {
		cfg.ClientName = "juno"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	return &Client{
		cfg:      cfg,
		logger:   log.Default(),
		sinks:    make(map[string]engine.ProgressSink),
		connErrs: make(chan error, 8),
	}
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l *log.Logger) { c.logger = l }

// Connect starts a session unless one is already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}

	t, err := c.transport()
	if err != nil {
		return &engine.ConnectionError{Err: err}
	}
	client := mcp.NewClient(&mcp.Implementation{Name: c.cfg.ClientName, Version: c.cfg.ClientVersion}, &mcp.ClientOptions{
		ProgressNotificationHandler: c.handleProgress,
		KeepAlive:                   c.cfg.KeepAlive,
	})
	cs, err := client.Connect(ctx, t, nil)
	if err != nil {
		return &engine.ConnectionError{Err: fmt.Errorf("connect to mcp server: %w", err)}
	}
	c.session = cs
	c.closing = false
	go c.watch(cs)
	return nil
}

// watch reports a session that ends without Disconnect being called.
func (c *Client) watch(cs *mcp.ClientSession) {
	err := cs.Wait()

	c.mu.Lock()
	deliberate := c.closing
	if c.session == cs {
		c.session = nil
	}
	c.mu.Unlock()

	if deliberate {
		return
	}
	if err == nil {
		err = mcp.ErrConnectionClosed
	}
	select {
	case c.connErrs <- err:
	default:
		c.logger.Printf("mcp: dropped connection error: %v", err)
	}
}

// Disconnect closes the session. It is a no-op when not connected.
func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	cs := c.session
	c.session = nil
	c.closing = true
	c.mu.Unlock()

	if cs == nil {
		return nil
	}
	if err := cs.Close(); err != nil && !errors.Is(err, mcp.ErrConnectionClosed) {
		return fmt.Errorf("close mcp session: %w", err)
	}
	return nil
}

// IsConnected reports whether a session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// ConnectionErrors delivers failures of sessions that ended unexpectedly.
func (c *Client) ConnectionErrors() <-chan error { return c.connErrs }

// RateLimitInfo returns what the server last reported.
func (c *Client) RateLimitInfo() engine.RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// CallTool invokes req.ToolName and streams progress notifications for the
// call to sink.
func (c *Client) CallTool(ctx context.Context, req engine.ToolCallRequest, sink engine.ProgressSink) (*engine.ToolCallResult, error) {
	c.mu.Lock()
	cs := c.session
	c.mu.Unlock()
	if cs == nil {
		return nil, &engine.ConnectionError{Err: errors.New("mcp client not connected")}
	}

	token := uuid.NewString()
	if sink != nil {
		c.mu.Lock()
		c.sinks[token] = sink
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.sinks, token)
			c.mu.Unlock()
		}()
	}

	params := &mcp.CallToolParams{
		Name:      req.ToolName,
		Arguments: req.Arguments,
		Meta:      requestMeta(req),
	}
	params.SetProgressToken(token)

	start := time.Now()
	res, err := cs.CallTool(ctx, params)
	if err != nil {
		return nil, c.mapCallError(ctx, req, err)
	}

	out := &engine.ToolCallResult{
		Content:  textContent(res.Content),
		Duration: time.Since(start),
		Metadata: map[string]any(res.Meta),
	}
	flags := parseResultMeta(res.Meta, res.StructuredContent)
	out.Completed = flags.completed
	out.ShouldContinue = flags.shouldContinue
	if flags.rateLimit != nil {
		out.RateLimit = flags.rateLimit
		c.mu.Lock()
		c.rateLimit = *flags.rateLimit
		c.mu.Unlock()
		if flags.rateLimited {
			c.logger.Printf("mcp: %s rate limited: %s", req.ToolName, describe(*flags.rateLimit))
		}
	}

	if res.IsError {
		return nil, toolError(req.ToolName, out.Content, flags)
	}
	return out, nil
}

func (c *Client) mapCallError(ctx context.Context, req engine.ToolCallRequest, err error) error {
	switch {
	case errors.Is(err, mcp.ErrConnectionClosed):
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		return &engine.ConnectionError{Err: err}
	case ctx.Err() == context.DeadlineExceeded:
		return &engine.TimeoutError{Err: err, Timeout: req.Timeout}
	}
	return engine.NormalizeError(err, req.ToolName)
}

// handleProgress routes a progress notification to the sink of its call.
func (c *Client) handleProgress(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
	p := req.Params
	if p == nil {
		return
	}
	token := fmt.Sprint(p.ProgressToken)

	c.mu.Lock()
	sink := c.sinks[token]
	c.mu.Unlock()
	if sink == nil {
		c.logger.Printf("mcp: progress for unknown token %s dropped", token)
		return
	}
	sink(progressEvent(p))
}

func requestMeta(req engine.ToolCallRequest) mcp.Meta {
	meta := mcp.Meta{"iteration": req.Iteration}
	if req.Priority != "" {
		meta["priority"] = string(req.Priority)
	}
	if req.Timeout > 0 {
		meta["timeout_ms"] = req.Timeout.Milliseconds()
	}
	for k, v := range req.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return meta
}

func textContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// mergeEnv appends extra to base in key order, overriding earlier entries.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+os.ExpandEnv(extra[k]))
	}
	return out
}
