package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect covergate configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without contacting GitHub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigValidate(cmd, root)
		},
	})
	return cmd
}

func runConfigValidate(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	opts, err := bootstrap.EngineOptions(cfg)
	if err == nil {
		err = opts.Validate()
	}
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration valid for %s\n", cfg.Repository.FullName())
	fmt.Fprintf(out, "  branches:  %s <-> %s\n", cfg.Branches.Primary, cfg.Branches.Secondary)
	fmt.Fprintf(out, "  strategy:  %s (exact match: %t)\n", opts.Policy.Strategy, cfg.Matching.RequireExactMatch)
	fmt.Fprintf(out, "  override:  %s\n", cfg.Override.Label)
	if !cfg.GitHub.Token.IsSet() {
		fmt.Fprintln(out, "  warning:   no GitHub token configured")
	}
	return nil
}
