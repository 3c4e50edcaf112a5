// Package config provides configuration loading for covergate.
//
// Configuration is a YAML file overlaid with COVERGATE_* environment
// variables. Struct-level checks use go-playground/validator; cross-field
// rules live in Validate.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the complete covergate configuration.
type Config struct {
	Repository    RepositoryConfig    `koanf:"repository"`
	Branches      BranchesConfig      `koanf:"branches"`
	References    ReferencesConfig    `koanf:"references"`
	Matching      MatchingConfig      `koanf:"matching"`
	Imbalance     ImbalanceConfig     `koanf:"imbalance"`
	Filters       FiltersConfig       `koanf:"filters"`
	Override      OverrideConfig      `koanf:"override"`
	Labels        LabelsConfig        `koanf:"labels"`
	GitHub        GitHubConfig        `koanf:"github"`
	Retry         RetryConfig         `koanf:"retry"`
	Pass          PassConfig          `koanf:"pass"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Webhook       WebhookConfig       `koanf:"webhook"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// RepositoryConfig identifies the repository under gate.
type RepositoryConfig struct {
	Owner string `koanf:"owner" validate:"required"`
	Name  string `koanf:"name" validate:"required"`
}

// FullName returns "owner/name".
func (r RepositoryConfig) FullName() string {
	return r.Owner + "/" + r.Name
}

// BranchesConfig is the monitored pair of code lines.
type BranchesConfig struct {
	Primary   string `koanf:"primary" validate:"required"`
	Secondary string `koanf:"secondary" validate:"required,nefield=Primary"`
}

// ReferencesConfig controls issue reference extraction.
type ReferencesConfig struct {
	Marker string `koanf:"marker" validate:"required,max=32"`
}

// MatchingConfig selects the matching policy.
type MatchingConfig struct {
	RequireExactMatch bool   `koanf:"require_exact_match"`
	Strategy          string `koanf:"strategy" validate:"omitempty,oneof=distributed single"`
}

// ImbalanceConfig is the advisory skew threshold.
type ImbalanceConfig struct {
	MaxImbalance int  `koanf:"max_imbalance" validate:"gte=0"`
	WarnOnly     bool `koanf:"warn_only"`
}

// FiltersConfig selects which pull request states count towards coverage.
type FiltersConfig struct {
	IncludeDrafts bool `koanf:"include_drafts"`
	IncludeClosed bool `koanf:"include_closed"`
	IncludeMerged bool `koanf:"include_merged"`
}

// OverrideConfig controls coverage waivers.
type OverrideConfig struct {
	Label                  string   `koanf:"label" validate:"required"`
	RequireJustification   bool     `koanf:"require_justification"`
	MinJustificationLength int      `koanf:"min_justification_length" validate:"gte=0"`
	AllowedApprovers       []string `koanf:"allowed_approvers" validate:"dive,required"`
}

// LabelsConfig names the verdict labels and the in-flight marker.
type LabelsConfig struct {
	Blocked    string `koanf:"blocked" validate:"required"`
	Validated  string `koanf:"validated" validate:"required"`
	Warning    string `koanf:"warning" validate:"required"`
	Evaluating string `koanf:"evaluating" validate:"required"`
}

// List returns every label name in a fixed order.
func (l LabelsConfig) List() []string {
	return []string{l.Blocked, l.Validated, l.Warning, l.Evaluating}
}

// GitHubConfig configures the API client.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
	// BaseURL selects a GitHub Enterprise API root. Empty means github.com.
	BaseURL           string `koanf:"base_url" validate:"omitempty,url"`
	MaxCandidatePages int    `koanf:"max_candidate_pages" validate:"gte=1,lte=100"`
}

// RetryConfig bounds retries of platform calls.
type RetryConfig struct {
	MaxRetries        int      `koanf:"max_retries" validate:"gte=0,lte=10"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier" validate:"gte=1"`
}

// PassConfig bounds one reconciliation pass.
type PassConfig struct {
	Timeout          Duration `koanf:"timeout"`
	ApplyTimeout     Duration `koanf:"apply_timeout"`
	MaxPendingReruns int      `koanf:"max_pending_reruns" validate:"gte=0"`
	PendingBackoff   Duration `koanf:"pending_backoff"`
	SyncConcurrency  int      `koanf:"sync_concurrency" validate:"gte=1,lte=32"`
	// ClaimTTL ignores in-flight markers older than this. Zero trusts every
	// marker.
	ClaimTTL Duration `koanf:"claim_ttl"`
}

// TemporalConfig locates the Temporal frontend.
type TemporalConfig struct {
	Host      string `koanf:"host" validate:"required"`
	Namespace string `koanf:"namespace" validate:"required"`
	TaskQueue string `koanf:"task_queue" validate:"required"`
}

// WebhookConfig configures the webhook receiver.
type WebhookConfig struct {
	Port            int      `koanf:"port" validate:"gte=1,lte=65535"`
	Secret          Secret   `koanf:"secret"`
	RateLimit       float64  `koanf:"rate_limit" validate:"gt=0"`
	RateBurst       int      `koanf:"rate_burst" validate:"gte=1"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// EventsConfig configures the optional verdict event stream.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject" validate:"required"`
}

// Enabled reports whether verdict events are published.
func (e EventsConfig) Enabled() bool {
	return e.NATSURL != ""
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	ServiceName     string  `koanf:"service_name" validate:"required"`
	ServiceVersion  string  `koanf:"service_version"`
	LogLevel        string  `koanf:"log_level" validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat       string  `koanf:"log_format" validate:"omitempty,oneof=json console"`
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol" validate:"omitempty,oneof=grpc http/protobuf"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	SampleRate      float64 `koanf:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns a configuration with every optional value set. Repository
// coordinates have no default.
func Default() *Config {
	return &Config{
		Branches:   BranchesConfig{Primary: "main", Secondary: "release"},
		References: ReferencesConfig{Marker: "#"},
		Matching:   MatchingConfig{Strategy: "distributed"},
		Imbalance:  ImbalanceConfig{MaxImbalance: 1, WarnOnly: true},
		Filters:    FiltersConfig{IncludeMerged: true},
		Override: OverrideConfig{
			Label:                  "coverage-override",
			RequireJustification:   true,
			MinJustificationLength: 30,
		},
		Labels: LabelsConfig{
			Blocked:    "coverage/blocked",
			Validated:  "coverage/validated",
			Warning:    "coverage/imbalance",
			Evaluating: "coverage/evaluating",
		},
		GitHub: GitHubConfig{MaxCandidatePages: 10},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialBackoff:    Duration(time.Second),
			MaxBackoff:        Duration(30 * time.Second),
			BackoffMultiplier: 2.0,
		},
		Pass: PassConfig{
			Timeout:          Duration(2 * time.Minute),
			ApplyTimeout:     Duration(time.Minute),
			MaxPendingReruns: 3,
			PendingBackoff:   Duration(15 * time.Second),
			SyncConcurrency:  4,
			ClaimTTL:         Duration(10 * time.Minute),
		},
		Temporal: TemporalConfig{
			Host:      "localhost:7233",
			Namespace: "default",
			TaskQueue: "coverage-reconciliation",
		},
		Webhook: WebhookConfig{
			Port:            3000,
			RateLimit:       10,
			RateBurst:       20,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Events: EventsConfig{Subject: "covergate.verdicts"},
		Observability: ObservabilityConfig{
			ServiceName:    "covergate",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "localhost:4317",
			OTLPProtocol:   "grpc",
			OTLPInsecure:   true,
			SampleRate:     1.0,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]string)
	for _, l := range append(c.Labels.List(), c.Override.Label) {
		key := strings.ToLower(l)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: label %q is used twice (also %q)", ErrInvalid, l, prev)
		}
		seen[key] = l
	}

	if c.Retry.InitialBackoff.Duration() <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("%w: retry backoff must satisfy 0 < initial_backoff <= max_backoff", ErrInvalid)
	}
	if c.Pass.Timeout.Duration() <= 0 || c.Pass.ApplyTimeout.Duration() <= 0 {
		return fmt.Errorf("%w: pass.timeout and pass.apply_timeout must be positive", ErrInvalid)
	}
	if c.Pass.MaxPendingReruns > 0 && c.Pass.PendingBackoff.Duration() <= 0 {
		return fmt.Errorf("%w: pass.pending_backoff must be positive when reruns are enabled", ErrInvalid)
	}
	return nil
}
