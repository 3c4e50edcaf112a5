package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

// Labels are the label names the gate owns.
type Labels struct {
	Blocked   string
	Validated string
	Warning   string
	// Evaluating marks a pull request whose pass is in flight.
	Evaluating string
}

// ForClass returns the label for a verdict class.
func (l Labels) ForClass(c verdict.Class) string {
	switch c {
	case verdict.ClassValidated:
		return l.Validated
	case verdict.ClassWarning:
		return l.Warning
	}
	return l.Blocked
}

// VerdictLabels returns the mutually exclusive verdict labels.
func (l Labels) VerdictLabels() []string {
	return []string{l.Blocked, l.Validated, l.Warning}
}

func (l Labels) validate(overrideLabel string) error {
	seen := make(map[string]bool)
	for _, name := range append(l.VerdictLabels(), l.Evaluating, overrideLabel) {
		if strings.TrimSpace(name) == "" {
			return errors.New("label names must not be empty")
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("label %q is used for two purposes", name)
		}
		seen[key] = true
	}
	return nil
}

// Options configures an Engine.
type Options struct {
	// Repository is "owner/name", used for events and logs.
	Repository string
	Branches   coverage.Branches
	Extractor  *reference.Extractor
	Filter     coverage.Filter
	Policy     coverage.Policy
	Imbalance  coverage.ImbalanceRule
	Override   override.Config
	Labels     Labels

	// ApplyTimeout bounds the apply phase, which runs detached from the pass
	// context once started.
	ApplyTimeout time.Duration
	// Concurrency bounds parallel per-PR reads and writes.
	Concurrency int
	// ClaimTTL ignores in-flight markers on pull requests not updated within
	// the window, so a crashed pass cannot block siblings forever. Zero
	// trusts every marker.
	ClaimTTL time.Duration
}

// Validate reports the first invalid option as a *ConfigError.
func (o *Options) Validate() error {
	if err := o.Branches.Validate(); err != nil {
		return &ConfigError{Field: "branches", Err: err}
	}
	if o.Extractor == nil {
		return configErr("references.marker", "extractor is required")
	}
	switch o.Policy.Strategy {
	case coverage.StrategyDistributed, coverage.StrategySingle:
	default:
		return configErr("matching.strategy", "unknown strategy %q", o.Policy.Strategy)
	}
	if err := o.Imbalance.Validate(); err != nil {
		return &ConfigError{Field: "imbalance.max_imbalance", Err: err}
	}
	if err := o.Labels.validate(o.Override.Label); err != nil {
		return &ConfigError{Field: "labels", Err: err}
	}
	if o.ApplyTimeout <= 0 {
		return configErr("pass.apply_timeout", "must be positive, got %s", o.ApplyTimeout)
	}
	if o.Concurrency < 1 {
		return configErr("pass.sync_concurrency", "must be >= 1, got %d", o.Concurrency)
	}
	if o.ClaimTTL < 0 {
		return configErr("pass.claim_ttl", "must be >= 0, got %s", o.ClaimTTL)
	}
	return nil
}
