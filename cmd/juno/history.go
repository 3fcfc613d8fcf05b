package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/history"
	"github.com/ChamsBouzaiene/juno/internal/session"
)

// openHistory opens the configured history database read-write.
func openHistory(ctx context.Context, c *cli) (*history.DB, error) {
	paths := resolveStorage(c.cfg, c.manager.GetConfigPath())
	if paths.HistoryDB == "" {
		return nil, errors.New("run history is disabled (storage.history_db is \"-\")")
	}
	if _, err := os.Stat(paths.HistoryDB); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no run history at %s yet", paths.HistoryDB)
	}
	return history.NewDB(ctx, paths.HistoryDB)
}

func newHistoryCommand(c *cli) *cobra.Command {
	var (
		status   string
		subagent string
		since    time.Duration
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openHistory(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer db.Close()

			f := history.Filter{Status: engine.ExecutionStatus(status), Subagent: subagent, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			runs, err := db.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "REQUEST\tSUBAGENT\tSTATUS\tITERATIONS\tDURATION\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s ago\n",
					r.RequestID, r.Subagent, r.Status, r.Statistics.TotalIterations,
					units.HumanDuration(r.Duration), units.HumanDuration(time.Since(r.StartTime)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status")
	cmd.Flags().StringVar(&subagent, "subagent", "", "Only runs of this subagent")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs, 0 for all")

	cmd.AddCommand(newHistoryShowCommand(c), newHistoryPruneCommand(c), newHistorySessionsCommand(c))
	return cmd
}

func newHistoryShowCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a recorded run and its iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openHistory(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer db.Close()

			r, its, err := db.Get(cmd.Context(), args[0])
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no run %q in history", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request:   %s\n", r.RequestID)
			fmt.Fprintf(out, "Session:   %s\n", r.SessionID)
			fmt.Fprintf(out, "Subagent:  %s (%s)\n", r.Subagent, r.Model)
			fmt.Fprintf(out, "Directory: %s\n", r.WorkingDirectory)
			fmt.Fprintf(out, "Status:    %s\n", r.Status)
			if r.Error != "" {
				fmt.Fprintf(out, "Error:     %s\n", r.Error)
			}
			fmt.Fprintf(out, "Started:   %s (%s)\n", r.StartTime.Format(time.RFC3339), units.HumanDuration(r.Duration))
			printStatistics(out, r.Statistics)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nITERATION\tOK\tDURATION\tCALLS\tEVENTS\tERROR")
			for _, it := range its {
				errText := it.Error
				if it.ErrorClass != "" {
					errText = string(it.ErrorClass) + ": " + errText
				}
				fmt.Fprintf(tw, "%d\t%t\t%s\t%d\t%d\t%s\n", it.Iteration, it.Success,
					units.HumanDuration(it.Duration), it.ToolCalls, it.Events, engine.TruncateContent(errText, 80))
			}
			return tw.Flush()
		},
	}
}

func newHistoryPruneCommand(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs that started before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			db, err := openHistory(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs older than %s\n", n, units.HumanDuration(olderThan))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age of the runs to delete")
	return cmd
}

func newHistorySessionsCommand(c *cli) *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List the sessions recorded for a working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveStorage(c.cfg, c.manager.GetConfigPath())
			if paths.SessionsDir == "" {
				return errors.New("session files are disabled (storage.sessions_dir is \"-\")")
			}
			dir, err := filepath.Abs(cwd)
			if err != nil {
				return err
			}
			metas, err := session.NewStoreAt(paths.SessionsDir).List(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATUS\tUPDATED\tTITLE")
			for _, m := range metas {
				fmt.Fprintf(tw, "%s\t%s\t%s ago\t%s\n", m.ID, m.Status, units.HumanDuration(time.Since(m.UpdatedAt)), m.Title)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cwd, "cwd", "C", ".", "Working directory the sessions ran in")
	return cmd
}

func printStatistics(w io.Writer, s engine.ExecutionStatistics) {
	fmt.Fprintf(w, "Iterations: %d (%d ok, %d failed), average %s\n",
		s.TotalIterations, s.SuccessfulIterations, s.FailedIterations, units.HumanDuration(s.AverageIterationDuration))
	fmt.Fprintf(w, "Tool calls: %d, progress events: %d\n", s.TotalToolCalls, s.TotalProgressEvents)
	if s.RateLimitEncounters > 0 {
		fmt.Fprintf(w, "Rate limits: %d, waited %s\n", s.RateLimitEncounters, units.HumanDuration(s.RateLimitWaitTime))
	}
	if len(s.ErrorBreakdown) > 0 {
		cats := make([]string, 0, len(s.ErrorBreakdown))
		for cat, n := range s.ErrorBreakdown {
			cats = append(cats, fmt.Sprintf("%s=%d", cat, n))
		}
		sort.Strings(cats)
		fmt.Fprintf(w, "Errors: %s\n", strings.Join(cats, " "))
	}
}
