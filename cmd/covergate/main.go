// Package main implements the covergate CLI, which runs one reconciliation
// pass synchronously. It is meant for CI jobs and for debugging a gate
// decision without the webhook and worker.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/covergate/internal/config"
)

var version = "dev"

// Process exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitBlocked = 2
	exitInfra   = 3
	exitConfig  = 4
)

// exitError carries a process exit code through cobra. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	code := exitCode(err)
	var ee *exitError
	if err != nil && (!errors.As(err, &ee) || ee.err != nil) {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
	}
	return code
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
}

// load reads the configuration file named by --config, or COVERGATE_CONFIG.
func (o *rootOptions) load() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("COVERGATE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: fmt.Errorf("loading config: %w", err)}
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "covergate",
		Short: "Cross-line coverage gate for pull requests",
		Long: `covergate checks that every issue fixed on the primary branch is also
fixed on the secondary branch, and the other way round.

Exit codes:
  0  merge permitted, or no verdict applies
  2  merge blocked
  3  GitHub unavailable after retries
  4  invalid configuration`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config file (default $COVERGATE_CONFIG)")
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}
