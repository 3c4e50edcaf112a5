package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

// engine runs passes. *reconcile.Engine satisfies it.
type engine interface {
	Reconcile(ctx context.Context, trig reconcile.Trigger) (*reconcile.Result, error)
	Plan(ctx context.Context, trig reconcile.Trigger) (*reconcile.Result, error)
}

// newEngine builds the engine for cfg and a func releasing what it opened.
// Tests replace it.
var newEngine = func(ctx context.Context, cfg *config.Config) (engine, func(context.Context) error, error) {
	lc, err := bootstrap.LoggingConfig(cfg)
	if err != nil {
		return nil, nil, &reconcile.ConfigError{Field: "observability.log_level", Err: err}
	}
	lc.Stderr = true
	logger, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, nil, err
	}
	deps, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return deps.Engine, func(ctx context.Context) error {
		err := deps.Close(ctx)
		_ = logger.Sync()
		return err
	}, nil
}

type checkOptions struct {
	*rootOptions
	number       int
	dryRun       bool
	previousText string
	output       string
}

func newCheckCmd(root *rootOptions) *cobra.Command {
	opts := &checkOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one reconciliation pass for a pull request",
		Long: `Run one reconciliation pass for a pull request and exit with its gate.

Every pull request sharing an issue reference with the trigger is evaluated
and its labels and status comment are updated, unless --dry-run is set.

Examples:
  # Gate pull request 42
  covergate check --pr 42

  # Show what a pass would write, as JSON
  covergate check --pr 42 --dry-run --output json

  # Re-evaluate siblings of references removed by an edit
  covergate check --pr 42 --previous-text "Fixes #10"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.number, "pr", 0, "pull request number (required)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "plan mutations without applying them")
	cmd.Flags().StringVar(&opts.previousText, "previous-text", "", "title and body before an edit")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func runCheck(cmd *cobra.Command, opts *checkOptions) error {
	if opts.number <= 0 {
		return fmt.Errorf("--pr must be a positive pull request number, got %d", opts.number)
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("--output must be text or json, got %q", opts.output)
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Pass.Timeout.Duration())
	defer cancel()

	eng, closeFn, err := newEngine(ctx, cfg)
	if err != nil {
		return classify(err, exitConfig)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = closeFn(shutdownCtx)
	}()

	trig := reconcile.Trigger{Number: opts.number, PreviousText: opts.previousText}
	var res *reconcile.Result
	if opts.dryRun {
		res, err = eng.Plan(ctx, trig)
	} else {
		res, err = eng.Reconcile(ctx, trig)
	}
	if err != nil {
		return classify(err, exitInfra)
	}

	out := cmd.OutOrStdout()
	if opts.output == "json" {
		err = writeJSON(out, res)
	} else {
		err = writeText(out, res)
	}
	if err != nil {
		return err
	}

	if res.Gate() == reconcile.GateBlocked {
		return &exitError{code: exitBlocked}
	}
	return nil
}

// classify maps engine errors onto exit codes. Unclassified errors get
// fallback.
func classify(err error, fallback int) error {
	switch {
	case errors.Is(err, reconcile.ErrConfiguration), errors.Is(err, config.ErrInvalid):
		return &exitError{code: exitConfig, err: err}
	case errors.Is(err, reconcile.ErrInfrastructure), errors.Is(err, context.DeadlineExceeded):
		return &exitError{code: exitInfra, err: err}
	}
	return &exitError{code: fallback, err: err}
}

type outcomeView struct {
	*reconcile.Outcome
	Refs []int `json:"refs"`
}

type resultView struct {
	Gate       string               `json:"gate"`
	PassID     string               `json:"pass_id"`
	Trigger    int                  `json:"trigger"`
	Skipped    bool                 `json:"skipped"`
	SkipReason string               `json:"skip_reason,omitempty"`
	Applied    bool                 `json:"applied"`
	Outcomes   []outcomeView        `json:"outcomes"`
	Mutations  []reconcile.Mutation `json:"mutations"`
}

func newResultView(res *reconcile.Result) resultView {
	v := resultView{
		Gate:       res.Gate().String(),
		PassID:     res.PassID,
		Trigger:    res.Trigger,
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Applied:    res.Applied,
		Outcomes:   make([]outcomeView, 0, len(res.Outcomes)),
		Mutations:  []reconcile.Mutation{},
	}
	for _, n := range res.Numbers() {
		o := res.Outcomes[n]
		v.Outcomes = append(v.Outcomes, outcomeView{Outcome: o, Refs: o.RefList()})
	}
	if res.Plan != nil {
		v.Mutations = append(v.Mutations, res.Plan.Mutations...)
	}
	return v
}

func writeJSON(w io.Writer, res *reconcile.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(newResultView(res))
}

func writeText(w io.Writer, res *reconcile.Result) error {
	fmt.Fprintf(w, "pull request #%d: %s (pass %s)\n", res.Trigger, res.Gate(), res.PassID)
	if res.Skipped {
		fmt.Fprintf(w, "skipped: %s\n", res.SkipReason)
	}

	if len(res.Outcomes) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PR\tBRANCH\tVERDICT\tREFS\tAGAINST")
		for _, n := range res.Numbers() {
			o := res.Outcomes[n]
			against := o.Against
			if against == "" {
				against = "-"
			}
			fmt.Fprintf(tw, "#%d\t%s\t%s\t%s\t%s\n", n, o.Branch, o.Verdict, joinRefs(o.RefList()), against)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	switch {
	case res.Plan.Len() == 0:
		fmt.Fprintln(w, "no changes")
	case res.Applied:
		fmt.Fprintf(w, "applied %d changes\n", res.Plan.Len())
	default:
		fmt.Fprintf(w, "planned %d changes (not applied)\n", res.Plan.Len())
		for _, m := range res.Plan.Mutations {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	return nil
}

func joinRefs(refs []int) string {
	if len(refs) == 0 {
		return "-"
	}
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = fmt.Sprintf("#%d", r)
	}
	return strings.Join(parts, ",")
}
