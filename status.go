package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/sync"
)

// recentRuns is how many runs `status --list` shows.
const recentRuns = 20

func newStatusCmd() *cobra.Command {
	var (
		runID string
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint state of a run",
		Long: `Display every target of a run with its state, outcome, and pull request.

Defaults to the most recent run; --list shows recent runs instead. Reads the
local run state only; it does not contact the hosting API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				return runStatusList(cmd)
			}

			return runStatus(cmd, runID)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to show (default: most recent)")
	cmd.Flags().BoolVar(&list, "list", false, "list recent runs")
	cmd.MarkFlagsMutuallyExclusive("run-id", "list")

	return cmd
}

// statusTarget is one row of `status --json`.
type statusTarget struct {
	Target    string `json:"target"`
	State     string `json:"state"`
	Outcome   string `json:"outcome,omitempty"`
	Category  string `json:"category,omitempty"`
	Attempts  int    `json:"attempts"`
	PRURL     string `json:"pr_url,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// statusOutput is the `status --json` document.
type statusOutput struct {
	RunID           string         `json:"run_id"`
	TemplateVersion string         `json:"template_version"`
	Owner           string         `json:"owner"`
	DryRun          bool           `json:"dry_run"`
	Finished        bool           `json:"finished"`
	Counts          map[string]int `json:"counts"`
	Targets         []statusTarget `json:"targets"`
}

func runStatus(cmd *cobra.Command, runID string) error {
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

	records, err := cp.Targets(ctx, meta.ID)
	if err != nil {
		return err
	}

	out := buildStatusOutput(meta, records)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printStatusText(os.Stdout, meta, out)

	return nil
}

// statusRun is one row of `status --list --json`.
type statusRun struct {
	RunID           string `json:"run_id"`
	TemplateVersion string `json:"template_version"`
	Owner           string `json:"owner"`
	DryRun          bool   `json:"dry_run"`
	Finished        bool   `json:"finished"`
	CreatedAt       string `json:"created_at"`
}

func runStatusList(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	cp, err := openCheckpoint(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer cp.Close()

	runs, err := cp.Runs(ctx, recentRuns)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, toStatusRuns(runs))
	}

	printRunList(os.Stdout, runs)

	return nil
}

func toStatusRuns(runs []sync.RunMeta) []statusRun {
	out := make([]statusRun, 0, len(runs))

	for _, r := range runs {
		out = append(out, statusRun{
			RunID:           r.ID,
			TemplateVersion: r.TemplateVersion,
			Owner:           r.Owner,
			DryRun:          r.DryRun,
			Finished:        !r.FinishedAt.IsZero(),
			CreatedAt:       r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return out
}

func printRunList(w io.Writer, runs []sync.RunMeta) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}

	rows := make([][]string, 0, len(runs))

	for _, r := range runs {
		state := "unfinished"
		if !r.FinishedAt.IsZero() {
			state = "finished"
		}

		if r.DryRun {
			state += " (dry run)"
		}

		rows = append(rows, []string{r.ID, r.TemplateVersion, r.Owner, formatTime(r.CreatedAt), state})
	}

	printTable(w, []string{"RUN", "TEMPLATES", "OWNER", "STARTED", "STATE"}, rows)
}

func buildStatusOutput(meta sync.RunMeta, records []sync.TargetRecord) statusOutput {
	out := statusOutput{
		RunID:           meta.ID,
		TemplateVersion: meta.TemplateVersion,
		Owner:           meta.Owner,
		DryRun:          meta.DryRun,
		Finished:        !meta.FinishedAt.IsZero(),
		Counts:          make(map[string]int),
		Targets:         make([]statusTarget, 0, len(records)),
	}

	for i := range records {
		r := &records[i]
		out.Counts[string(r.State)]++
		out.Targets = append(out.Targets, statusTarget{
			Target:    r.Target,
			State:     string(r.State),
			Outcome:   string(r.Outcome),
			Category:  r.Category,
			Attempts:  r.Attempts,
			PRURL:     r.PRURL,
			ErrorKind: string(r.ErrKind),
			Reason:    r.Reason,
		})
	}

	return out
}

func printStatusText(w io.Writer, meta sync.RunMeta, out statusOutput) {
	finished := "in progress"
	if out.Finished {
		finished = "finished " + formatTime(meta.FinishedAt)
	}

	fmt.Fprintf(w, "Run %s (templates %s, owner %s), started %s, %s\n",
		meta.ID, meta.TemplateVersion, meta.Owner, formatTime(meta.CreatedAt), finished)

	if meta.DryRun {
		fmt.Fprintln(w, "Dry run: no changes were written.")
	}

	fmt.Fprintf(w, "%s completed, %s failed, %s pending, %s in progress\n\n",
		formatCount(out.Counts[string(sync.StateCompleted)]),
		formatCount(out.Counts[string(sync.StateFailed)]),
		formatCount(out.Counts[string(sync.StatePending)]),
		formatCount(out.Counts[string(sync.StateInProgress)]))

	rows := make([][]string, 0, len(out.Targets))

	for _, t := range out.Targets {
		detail := t.PRURL
		if t.ErrorKind != "" {
			detail = t.ErrorKind + ": " + t.Reason
		}

		rows = append(rows, []string{t.Target, t.State, t.Outcome, strconv.Itoa(t.Attempts), detail})
	}

	printTable(w, []string{"TARGET", "STATE", "OUTCOME", "ATTEMPTS", "DETAIL"}, rows)
}
