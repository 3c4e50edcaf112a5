package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/platform/platformtest"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

const validConfig = "repository: {owner: acme, name: widgets}\n"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "covergate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// useFake routes check through an engine backed by f.
func useFake(t *testing.T, f *platformtest.Fake) {
	t.Helper()
	prev := newEngine
	newEngine = func(_ context.Context, cfg *config.Config) (engine, func(context.Context) error, error) {
		opts, err := bootstrap.EngineOptions(cfg)
		if err != nil {
			return nil, nil, err
		}
		e, err := reconcile.NewEngine(f, f, opts)
		if err != nil {
			return nil, nil, err
		}
		return e, func(context.Context) error { return nil }, nil
	}
	t.Cleanup(func() { newEngine = prev })
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func pr(number int, branch, title string) platform.PullRequest {
	return platform.PullRequest{Number: number, Branch: branch, Title: title, State: platform.StateOpen}
}

func TestCheck_Pass(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Fix crash #10"))
	f.AddPR(pr(2, "release", "Backport crash fix #10"))
	useFake(t, f)

	code, out, stderr := execute(t, "check", "--pr", "1", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "pull request #1: pass")
	assert.Contains(t, out, "#2")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "applied")
	assert.Equal(t, []string{"coverage/validated"}, f.Labels(1))
	assert.Empty(t, stderr)
}

func TestCheck_Blocked(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Fix crash #10"))
	useFake(t, f)

	code, out, stderr := execute(t, "check", "--pr", "1", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitBlocked, code)
	assert.Contains(t, out, "pull request #1: blocked")
	assert.Contains(t, out, "FAIL_MISSING")
	assert.Empty(t, stderr, "a blocked gate is not an error")
	assert.Equal(t, []string{"coverage/blocked"}, f.Labels(1))
}

func TestCheck_Skipped(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Bump dependencies"))
	useFake(t, f)

	code, out, _ := execute(t, "check", "--pr", "1", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "skipped: "+reconcile.SkipNoReferences)
	assert.Empty(t, f.Mutations())
}

func TestCheck_DryRunJSON(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Fix #10"))
	f.AddPR(pr(2, "release", "Backport #10"))
	useFake(t, f)

	code, out, _ := execute(t, "check", "--pr", "1", "--dry-run", "-o", "json", "--config", writeConfig(t, validConfig))
	require.Equal(t, exitOK, code)

	var got struct {
		Gate     string `json:"gate"`
		Trigger  int    `json:"trigger"`
		Applied  bool   `json:"applied"`
		Outcomes []struct {
			Number  int    `json:"number"`
			Verdict string `json:"verdict"`
			Refs    []int  `json:"refs"`
		} `json:"outcomes"`
		Mutations []reconcile.Mutation `json:"mutations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	assert.Equal(t, "pass", got.Gate)
	assert.Equal(t, 1, got.Trigger)
	assert.False(t, got.Applied)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, 1, got.Outcomes[0].Number)
	assert.Equal(t, "PASS", got.Outcomes[0].Verdict)
	assert.Equal(t, []int{10}, got.Outcomes[0].Refs)
	assert.NotEmpty(t, got.Mutations)
	assert.Empty(t, f.Mutations(), "dry runs never write")
}

func TestCheck_DryRunText(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Fix #10"))
	f.AddPR(pr(2, "release", "Backport #10"))
	useFake(t, f)

	code, out, _ := execute(t, "check", "--pr", "1", "--dry-run", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "not applied")
	assert.Contains(t, out, `add_label #1 "coverage/validated"`)
}

func TestCheck_InfrastructureError(t *testing.T) {
	f := platformtest.New("main", "release")
	f.AddPR(pr(1, "main", "Fix #10"))
	f.FailOn("ListCandidates", errors.New("connection reset"))
	useFake(t, f)

	code, _, stderr := execute(t, "check", "--pr", "1", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitInfra, code)
	assert.Contains(t, stderr, "connection reset")
	assert.Empty(t, f.Mutations())
}

func TestCheck_MissingBranch(t *testing.T) {
	f := platformtest.New("main")
	f.AddPR(pr(1, "main", "Fix #10"))
	useFake(t, f)

	code, _, stderr := execute(t, "check", "--pr", "1", "--config", writeConfig(t, validConfig))

	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "release")
	assert.Empty(t, f.Mutations())
}

func TestCheck_InvalidConfig(t *testing.T) {
	useFake(t, platformtest.New("main", "release"))

	code, _, stderr := execute(t, "check", "--pr", "1", "--config", writeConfig(t, "branches: {primary: main}\n"))
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "loading config")

	code, _, _ = execute(t, "check", "--pr", "1", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, exitConfig, code)
}

func TestCheck_Usage(t *testing.T) {
	cfg := writeConfig(t, validConfig)
	useFake(t, platformtest.New("main", "release"))

	tests := []struct {
		name string
		args []string
	}{
		{"missing pr", []string{"check", "--config", cfg}},
		{"zero pr", []string{"check", "--pr", "0", "--config", cfg}},
		{"bad output", []string{"check", "--pr", "1", "-o", "xml", "--config", cfg}},
		{"positional", []string{"check", "--pr", "1", "extra", "--config", cfg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(t, tt.args...)
			assert.Equal(t, exitUsage, code)
			assert.NotEmpty(t, stderr)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	code, out, _ := execute(t, "config", "validate", "--config", writeConfig(t, validConfig))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "configuration valid for acme/widgets")
	assert.Contains(t, out, "main <-> release")

	code, _, _ = execute(t, "config", "validate", "--config",
		writeConfig(t, validConfig+"branches: {primary: main, secondary: main}\n"))
	assert.Equal(t, exitConfig, code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", &reconcile.ConfigError{Field: "branches", Err: errors.New("missing")}, exitConfig},
		{"invalid config", fmt.Errorf("%w: bad", config.ErrInvalid), exitConfig},
		{"infrastructure", &reconcile.InfraError{Op: "list", Err: errors.New("reset")}, exitInfra},
		{"deadline", context.DeadlineExceeded, exitInfra},
		{"other", errors.New("boom"), exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(classify(tt.err, exitUsage)))
		})
	}
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitBlocked, exitCode(&exitError{code: exitBlocked}))
}
