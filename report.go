package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/sync"
)

func newReportCmd() *cobra.Command {
	var (
		runID  string
		events bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the audit trail of a run",
		Long: `Aggregate a run's audit events: targets per outcome, retries, and
per-target latency. With --events, print the raw audit trail instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, runID, events)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to report on (default: most recent)")
	cmd.Flags().BoolVar(&events, "events", false, "print every audit event")

	return cmd
}

// reportOutcome is one outcome row of `report --json`.
type reportOutcome struct {
	Outcome      string `json:"outcome"`
	Count        int    `json:"count"`
	TotalLatency string `json:"total_latency"`
	MaxLatency   string `json:"max_latency"`
}

// reportOutput is the `report --json` document.
type reportOutput struct {
	RunID      string          `json:"run_id"`
	Targets    int             `json:"targets"`
	Plans      int             `json:"plans"`
	Retries    int             `json:"retries"`
	AvgLatency string          `json:"avg_latency"`
	MaxLatency string          `json:"max_latency"`
	Outcomes   []reportOutcome `json:"outcomes"`
}

func runReport(cmd *cobra.Command, runID string, events bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	cp, err := openCheckpoint(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer cp.Close()

	meta, err := resolveRunID(ctx, cp, runID)
	if err != nil {
		return err
	}

	if events {
		evs, err := sync.Events(ctx, cp.DB(), meta.ID)
		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			return printJSON(os.Stdout, evs)
		}

		printEvents(os.Stdout, evs)

		return nil
	}

	summary, err := sync.Summarize(ctx, cp.DB(), meta.ID)
	if err != nil {
		return err
	}

	out := buildReportOutput(summary)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printReportText(os.Stdout, out)

	return nil
}

func buildReportOutput(s sync.Summary) reportOutput {
	out := reportOutput{
		RunID:      s.RunID,
		Targets:    s.Targets,
		Plans:      s.PlansBuilt,
		Retries:    s.Retries,
		AvgLatency: formatDuration(s.AvgLatency()),
		MaxLatency: formatDuration(s.MaxLatency),
		Outcomes:   make([]reportOutcome, 0, len(s.ByOutcome)),
	}

	for _, o := range s.ByOutcome {
		out.Outcomes = append(out.Outcomes, reportOutcome{
			Outcome:      o.Outcome,
			Count:        o.Count,
			TotalLatency: formatDuration(o.TotalLatency),
			MaxLatency:   formatDuration(o.MaxLatency),
		})
	}

	return out
}

func printReportText(w io.Writer, out reportOutput) {
	fmt.Fprintf(w, "Run %s: %s target outcomes, %s plans, %s retries\n",
		out.RunID, formatCount(out.Targets), formatCount(out.Plans), formatCount(out.Retries))
	fmt.Fprintf(w, "Latency: avg %s, max %s\n\n", out.AvgLatency, out.MaxLatency)

	rows := make([][]string, 0, len(out.Outcomes))
	for _, o := range out.Outcomes {
		rows = append(rows, []string{o.Outcome, formatCount(o.Count), o.TotalLatency, o.MaxLatency})
	}

	printTable(w, []string{"OUTCOME", "COUNT", "TOTAL", "MAX"}, rows)
}

func printEvents(w io.Writer, evs []sync.Event) {
	rows := make([][]string, 0, len(evs))
	for _, ev := range evs {
		rows = append(rows, []string{
			ev.At.Format("15:04:05.000"),
			ev.Target,
			string(ev.Phase),
			ev.Outcome,
			formatDuration(ev.Latency),
			ev.Detail,
		})
	}

	printTable(w, []string{"TIME", "TARGET", "PHASE", "OUTCOME", "LATENCY", "DETAIL"}, rows)
}
