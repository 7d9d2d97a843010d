package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/detect"
	"github.com/fleetsync/fleetsync/internal/override"
	"github.com/fleetsync/fleetsync/internal/sync"
	"github.com/fleetsync/fleetsync/internal/templates"
)

func newDetectCmd() *cobra.Command {
	var showPlan bool

	cmd := &cobra.Command{
		Use:   "detect owner/name",
		Short: "Show the category a repository would be synchronized as",
		Long: `Classify one repository the way a sync run would: the override
declaration's repository_type wins, otherwise the category is detected from
the default branch's file listing. With --plan, also print the changes a
sync would propose. Nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, args[0], showPlan)
		},
	}

	cmd.Flags().BoolVar(&showPlan, "plan", false, "also compute the sync plan against the template set")

	return cmd
}

// detectOutput is the `detect --json` document.
type detectOutput struct {
	Target    string      `json:"target"`
	Category  string      `json:"category"`
	Source    string      `json:"source"`
	Rule      string      `json:"rule,omitempty"`
	Evidence  string      `json:"evidence,omitempty"`
	Ambiguous bool        `json:"ambiguous,omitempty"`
	Enabled   bool        `json:"enabled"`
	Cleanup   string      `json:"cleanup_mode"`
	Plan      *detectPlan `json:"plan,omitempty"`
}

type detectPlan struct {
	Writes    []string `json:"writes"`
	Deletes   []string `json:"deletes"`
	Unchanged int      `json:"unchanged"`
	Protected []string `json:"protected,omitempty"`
}

func runDetect(cmd *cobra.Command, target string, showPlan bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	cfg := cc.Cfg

	owner, name, ok := strings.Cut(target, "/")
	if !ok {
		if cfg.Targets.Owner == "" {
			return errors.New("target must be owner/name (or set targets.owner)")
		}

		owner, name = cfg.Targets.Owner, target
	}

	client, err := newHostingClient(cfg, nil, cc.Logger)
	if err != nil {
		return err
	}

	repo, err := client.GetRepository(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", owner, name, err)
	}

	decl, err := override.NewLoader(client, cfg.Apply.OverridePath, cc.Logger).Load(ctx, owner, name, repo.DefaultBranch)
	if err != nil {
		return err
	}

	tree, err := client.GetTree(ctx, owner, name, repo.DefaultBranch)
	if err != nil {
		return fmt.Errorf("reading tree: %w", err)
	}

	out := detectOutput{
		Target:  repo.FullName(),
		Enabled: decl.Enabled,
		Cleanup: string(decl.CleanupMode),
	}

	res := detect.Detect(tree.Paths())

	category := res.Category
	if decl.RepositoryType != "" {
		category = decl.RepositoryType
		out.Source = "override"
	} else {
		out.Source = "detected"
		out.Rule = string(res.Rule)
		out.Evidence = res.Evidence
		out.Ambiguous = res.Ambiguous
	}

	out.Category = string(category)

	if showPlan {
		if cfg.Source.TemplatesDir == "" {
			return errors.New("source.templates_dir: must be set for --plan")
		}

		set, err := templates.Load(cfg.Source.TemplatesDir, cc.Logger)
		if err != nil {
			return fmt.Errorf("loading template set: %w", err)
		}

		plan := sync.NewPlanner(set, cfg.Apply.OverridePath, cc.Logger).Plan(sync.PlanInput{
			Category: category,
			Override: decl,
			Current:  tree.Hashes(),
		})

		out.Plan = &detectPlan{
			Writes:    plan.ToAddOrUpdate(),
			Deletes:   plan.ToDelete(),
			Unchanged: len(plan.Unchanged()),
			Protected: plan.Protected(),
		}
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printDetectText(os.Stdout, out)

	return nil
}

func printDetectText(w io.Writer, out detectOutput) {
	fmt.Fprintf(w, "%s: %s", out.Target, out.Category)

	switch {
	case out.Source == "override":
		fmt.Fprint(w, " (from override declaration)")
	case out.Ambiguous:
		fmt.Fprint(w, " (ambiguous, defaulted)")
	default:
		fmt.Fprintf(w, " (%s rule: %s)", out.Rule, out.Evidence)
	}

	fmt.Fprintln(w)

	if !out.Enabled {
		fmt.Fprintln(w, "Sync is disabled by the override declaration.")
	}

	if out.Plan == nil {
		return
	}

	fmt.Fprintf(w, "Cleanup mode %s: %d to write, %d to delete, %d unchanged\n",
		out.Cleanup, len(out.Plan.Writes), len(out.Plan.Deletes), out.Plan.Unchanged)

	for _, p := range out.Plan.Writes {
		fmt.Fprintf(w, "  write   %s\n", p)
	}

	for _, p := range out.Plan.Deletes {
		fmt.Fprintf(w, "  delete  %s\n", p)
	}

	for _, p := range out.Plan.Protected {
		fmt.Fprintf(w, "  keep    %s (protected)\n", p)
	}
}
