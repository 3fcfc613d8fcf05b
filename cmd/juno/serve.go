package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/juno/internal/httpapi"
	"github.com/ChamsBouzaiene/juno/internal/server"
)

func newServeCommand(c *cli) *cobra.Command {
	var (
		stdio bool
		addr  string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over the NDJSON stdio protocol or HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdio {
				// Logs must never corrupt the protocol stream.
				log.SetOutput(os.Stderr)
			}

			a, err := newApp(cmd.Context(), c.manager, c.cfg, appOptions{Watch: watch})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				if err := a.Close(ctx); err != nil {
					log.Printf("shutdown: %v", err)
				}
			}()

			if stdio {
				log.Println("serving the stdio protocol")
				return server.NewStdIO(os.Stdin, os.Stdout, a.runner).Run(cmd.Context())
			}
			if addr == "" {
				addr = c.cfg.HTTP.Addr
			}
			return serveHTTP(cmd.Context(), a, addr)
		},
	}

	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve the NDJSON protocol on stdin/stdout")
	cmd.Flags().StringVar(&addr, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the config file when it changes")
	return cmd
}

// serveHTTP runs the API until ctx ends or a client shuts the engine down.
func serveHTTP(ctx context.Context, a *app, addr string) error {
	api := httpapi.New(a.runner, httpapi.Options{
		History:     a.history,
		Events:      a.events,
		SubmitRate:  a.cfg.HTTP.SubmitRate,
		SubmitBurst: a.cfg.HTTP.SubmitBurst,
		Logger:      log.Default(),
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("http server: %w", err)
		case <-ticker.C:
			if !a.engine.ShuttingDown() {
				continue
			}
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
