package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/eventindex"
	"github.com/ChamsBouzaiene/juno/internal/history"
)

func newStatsCommand(c *cli) *cobra.Command {
	var (
		subagent string
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate statistics over recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openHistory(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer db.Close()

			f := history.Filter{Subagent: subagent}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			runs, err := db.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			agg, err := db.Statistics(cmd.Context(), f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			byStatus := map[engine.ExecutionStatus]int{}
			for _, r := range runs {
				byStatus[r.Status]++
			}
			parts := make([]string, 0, len(byStatus))
			for _, st := range []engine.ExecutionStatus{engine.StatusCompleted, engine.StatusFailed, engine.StatusTimeout, engine.StatusCancelled, engine.StatusRateLimited} {
				if n := byStatus[st]; n > 0 {
					parts = append(parts, fmt.Sprintf("%s=%d", st, n))
				}
			}
			fmt.Fprintf(out, "Runs: %d %s\n", len(runs), strings.Join(parts, " "))
			printStatistics(out, agg)

			tp := agg.Performance.Throughput
			fmt.Fprintf(out, "Throughput: %.2f iterations/min, %.2f tool calls/min, %.2f events/s\n",
				tp.IterationsPerMinute, tp.ToolCallsPerMinute, tp.ProgressEventsPerSecond)

			paths := resolveStorage(c.cfg, c.manager.GetConfigPath())
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nSTORE\tPATH\tSIZE")
			for _, s := range []struct{ name, path string }{
				{"history", paths.HistoryDB},
				{"sessions", paths.SessionsDir},
				{"events", paths.EventIndex},
			} {
				if s.path == "" {
					fmt.Fprintf(tw, "%s\t(disabled)\t-\n", s.name)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.name, s.path, units.HumanSize(float64(diskUsage(s.path))))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&subagent, "subagent", "", "Only runs of this subagent")
	cmd.Flags().DurationVar(&since, "since", 0, "Only runs started within this duration")
	return cmd
}

// diskUsage sums the sizes of the files under path.
func diskUsage(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		total += diskUsage(filepath.Join(path, e.Name()))
	}
	return total
}

func newEventsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query indexed progress events",
	}

	var (
		sessionID string
		kind      string
		backend   string
		k         int
	)
	search := &cobra.Command{
		Use:   "search [text...]",
		Short: "Full-text search over progress event content",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveStorage(c.cfg, c.manager.GetConfigPath())
			if paths.EventIndex == "" {
				return fmt.Errorf("the event index is disabled (storage.event_index is \"-\")")
			}
			idx, err := eventindex.Open(paths.EventIndex)
			if err != nil {
				return err
			}
			defer idx.Close()

			hits, err := idx.Search(strings.Join(args, " "), eventindex.Filter{
				SessionID: sessionID,
				Type:      engine.ProgressEventType(kind),
				Backend:   backend,
			}, k)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, h := range hits {
				fmt.Fprintf(out, "%s  %s #%d %s/%s  %s\n", h.Timestamp.Format(time.DateTime), h.SessionID,
					h.Iteration, h.Backend, h.Type, engine.TruncateContent(strings.TrimSpace(h.Content), 160))
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "No matching events")
			}
			return nil
		},
	}
	search.Flags().StringVar(&sessionID, "session", "", "Only events of this session")
	search.Flags().StringVar(&kind, "type", "", "Only events of this type (tool_start, tool_end, thinking, info, error)")
	search.Flags().StringVar(&backend, "backend", "", "Only events from this backend")
	search.Flags().IntVarP(&k, "limit", "k", 20, "Maximum number of hits")

	cmd.AddCommand(search)
	return cmd
}
