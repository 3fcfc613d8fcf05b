package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/engine/protocol"
)

// DefaultShutdownTimeout bounds a shutdown command without timeout_ms.
const DefaultShutdownTimeout = 10 * time.Second

// StdIO serves the NDJSON protocol: one command per input line, one event
// per output line.
type StdIO struct {
	scanner *bufio.Scanner
	writer  *bufio.Writer
	events  chan protocol.Event
	runner  *Runner

	engineEvents chan engine.Event
	handlers     sync.WaitGroup
}

// NewStdIO creates a protocol server reading in and writing out.
func NewStdIO(in io.Reader, out io.Writer, runner *Runner) *StdIO {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	return &StdIO{
		scanner:      scanner,
		writer:       bufio.NewWriter(out),
		events:       make(chan protocol.Event, 1024),
		runner:       runner,
		engineEvents: make(chan engine.Event, 1024),
	}
}

// Run serves until input ends, a shutdown command completes, or ctx is
// cancelled. On end of input it waits for running requests to finish.
func (s *StdIO) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := s.runner.Engine().Subscribe(engine.ChannelHook{Ch: s.engineEvents})

	quit := make(chan struct{})
	errCh := make(chan error, 1)
	go s.flushEvents(quit, errCh)

	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		s.forward(ctx)
	}()

	s.emitEvent(protocol.NewStatusEvent("engine_ready", "stdio protocol ready"))

	shutdown := false
	for !shutdown && ctx.Err() == nil && s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := protocol.DecodeCommand([]byte(line))
		if err != nil {
			s.emitEvent(protocol.NewErrorEvent("", err.Error(), "invalid_command", truncate(line, 256)))
			continue
		}
		if c, ok := cmd.(protocol.ShutdownCommand); ok {
			s.handleShutdown(ctx, c)
			shutdown = true
			continue
		}
		// Commands run concurrently so cancel is seen while execute is running.
		s.handlers.Add(1)
		go func(cmd protocol.Command) {
			defer s.handlers.Done()
			s.handle(ctx, cmd)
		}(cmd)
	}
	if err := s.scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.emitEvent(protocol.NewErrorEvent("", fmt.Sprintf("stdin error: %v", err), "protocol_error", ""))
	}

	s.handlers.Wait()
	if ctx.Err() == nil {
		s.runner.Wait()
	}
	unsubscribe()
	cancel()
	<-fwdDone
	s.drainEngineEvents()

	close(quit)
	return <-errCh
}

func (s *StdIO) handle(ctx context.Context, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.ExecuteCommand:
		req := c.Request()
		if err := s.runner.Start(ctx, req, nil); err != nil {
			s.emitEvent(protocol.NewErrorEvent(req.RequestID, err.Error(), errorKind(err), ""))
		}
	case protocol.CancelCommand:
		if !s.runner.Cancel(c.RequestID) {
			s.emitEvent(protocol.NewErrorEvent(c.RequestID, "no running request with this id", "not_found", ""))
		}
	case protocol.RateLimitInfoCommand:
		s.emitEvent(protocol.NewRateLimitInfoEvent(s.runner.Engine().RateLimitInfo()))
	case protocol.StatsCommand:
		e := s.runner.Engine()
		s.emitEvent(protocol.NewStatsEvent(len(e.History()), e.AggregateStatistics()))
	default:
		s.emitEvent(protocol.NewErrorEvent("", "unsupported command", "invalid_command", ""))
		log.Printf("stdio: unsupported command type %T", cmd)
	}
}

func (s *StdIO) handleShutdown(ctx context.Context, c protocol.ShutdownCommand) {
	timeout := DefaultShutdownTimeout
	if c.TimeoutMs > 0 {
		timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.runner.Engine().Shutdown(sctx)
	if err == nil {
		err = s.runner.WaitContext(sctx)
	}
	s.emitEvent(protocol.NewShutdownCompleteEvent(err))
}

// forward converts engine hook events to protocol events until ctx ends.
func (s *StdIO) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.engineEvents:
			s.forwardOne(ev)
		}
	}
}

func (s *StdIO) drainEngineEvents() {
	for {
		select {
		case ev := <-s.engineEvents:
			s.forwardOne(ev)
		default:
			return
		}
	}
}

func (s *StdIO) forwardOne(ev engine.Event) {
	// Shutdown is reported by handleShutdown with its outcome.
	if strings.HasPrefix(ev.Kind, "shutdown_") {
		return
	}
	if out, ok := protocol.FromEngine(ev); ok {
		s.emitEvent(out)
	}
}

func (s *StdIO) flushEvents(quit <-chan struct{}, errCh chan<- error) {
	for {
		select {
		case ev := <-s.events:
			if err := s.writeEvent(ev); err != nil {
				errCh <- err
				return
			}
		case <-quit:
			for {
				select {
				case ev := <-s.events:
					if err := s.writeEvent(ev); err != nil {
						errCh <- err
						return
					}
				default:
					errCh <- s.writer.Flush()
					return
				}
			}
		}
	}
}

func (s *StdIO) writeEvent(ev protocol.Event) error {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return s.writer.Flush()
}

func (s *StdIO) emitEvent(ev protocol.Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("stdio: dropping event %s due to full buffer", ev.GetType())
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, engine.ErrEngineShuttingDown):
		return "shutting_down"
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return "validation_error"
	}
	return "engine_error"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
