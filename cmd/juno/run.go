package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/engine/protocol"
)

const closeTimeout = 10 * time.Second

func newRunCommand(c *cli) *cobra.Command {
	var (
		subagent      string
		model         string
		maxIterations int
		timeout       time.Duration
		cwd           string
		requestID     string
		priority      string
		jsonOut       bool
	)

	cmd := &cobra.Command{
		Use:   "run <instruction...>",
		Short: "Execute an instruction with a subagent and stream its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(cwd)
			if err != nil {
				return fmt.Errorf("failed to resolve working directory: %w", err)
			}

			a, err := newApp(cmd.Context(), c.manager, c.cfg, appOptions{Quiet: jsonOut})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				a.Close(ctx)
			}()

			out := cmd.OutOrStdout()
			printer := newProgressPrinter(out, c.cfg.Progress.MaxContent)
			if jsonOut {
				ch := make(chan engine.Event, 1024)
				unsubscribe := a.engine.Subscribe(engine.ChannelHook{Ch: ch})
				stop := make(chan struct{})
				done := printer.forward(ch, stop)
				defer func() {
					unsubscribe()
					close(stop)
					<-done
				}()
			}

			req := &engine.ExecutionRequest{
				RequestID:        requestID,
				Instruction:      strings.Join(args, " "),
				Subagent:         subagent,
				WorkingDirectory: dir,
				MaxIterations:    maxIterations,
				Model:            model,
				Timeout:          timeout,
				Priority:         engine.Priority(priority),
			}
			if !jsonOut {
				req.ProgressCallbacks = []engine.ProgressCallback{printer.progress}
			}

			res, err := a.runner.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !jsonOut {
				printer.summary(res)
			}
			if res.Status != engine.StatusCompleted {
				return fmt.Errorf("execution %s: %v", res.Status, res.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subagent, "subagent", "s", "", "Subagent to run (claude, codex, gemini, cursor)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model override for the subagent")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "Iteration cap, -1 for unlimited (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per tool call timeout (default from config)")
	cmd.Flags().StringVarP(&cwd, "cwd", "C", ".", "Working directory passed to the subagent")
	cmd.Flags().StringVar(&priority, "priority", "", "Scheduling hint passed to the tool (low, normal, high)")
	cmd.Flags().StringVar(&requestID, "id", "", "Request ID (default: generated)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print protocol events as NDJSON instead of text")
	return cmd
}

// progressPrinter renders a run on a terminal or as NDJSON.
type progressPrinter struct {
	mu         sync.Mutex
	w          io.Writer
	maxContent int
}

func newProgressPrinter(w io.Writer, maxContent int) *progressPrinter {
	return &progressPrinter{w: w, maxContent: maxContent}
}

// progress prints one event per line. Write errors are ignored.
func (p *progressPrinter) progress(_ context.Context, ev engine.ProgressEvent) {
	content := strings.TrimSpace(ev.Content)
	if p.maxContent > 0 && len(content) > p.maxContent {
		content = content[:p.maxContent] + "..."
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	backend := ev.Backend
	if backend == "" {
		backend = "-"
	}
	fmt.Fprintf(p.w, "[%d %s %s] %s\n", ev.Iteration, backend, ev.Type, content)
}

// forward writes protocol events from ch until stop is closed, then
// drains what is already buffered.
func (p *progressPrinter) forward(ch <-chan engine.Event, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	enc := json.NewEncoder(p.w)
	write := func(ev engine.Event) {
		out, ok := protocol.FromEngine(ev)
		if !ok {
			return
		}
		p.mu.Lock()
		enc.Encode(out)
		p.mu.Unlock()
	}
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-ch:
				write(ev)
			case <-stop:
				for {
					select {
					case ev := <-ch:
						write(ev)
					default:
						return
					}
				}
			}
		}
	}()
	return done
}

func (p *progressPrinter) summary(res *engine.ExecutionResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := res.Statistics
	fmt.Fprintf(p.w, "\n%s after %s: %d iterations (%d ok, %d failed), %d tool calls, %d progress events\n",
		res.Status, units.HumanDuration(res.Duration), s.TotalIterations, s.SuccessfulIterations,
		s.FailedIterations, s.TotalToolCalls, s.TotalProgressEvents)
	if s.RateLimitEncounters > 0 {
		fmt.Fprintf(p.w, "rate limited %d times, waited %s\n", s.RateLimitEncounters, units.HumanDuration(s.RateLimitWaitTime))
	}
	if res.Err != nil {
		fmt.Fprintf(p.w, "error: %v\n", res.Err)
	}
	if n := len(res.Iterations); n > 0 {
		if last := res.Iterations[n-1]; last.ToolResult != nil && last.ToolResult.Content != "" {
			fmt.Fprintf(p.w, "\n%s\n", last.ToolResult.Content)
		}
	}
}
