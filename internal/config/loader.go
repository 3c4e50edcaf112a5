package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "COVERGATE_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// listKeys are keys whose environment value is a comma separated list.
var listKeys = map[string]bool{
	"override.allowed_approvers": true,
}

// Load reads configuration from the YAML file at path, then applies
// environment overrides, then validates.
//
// Precedence (highest first):
//  1. COVERGATE_* environment variables
//  2. the YAML file (skipped when path is empty)
//  3. Default()
//
// Environment variables map to keys by splitting on the first underscore
// after the prefix, so the section name never contains one:
//
//	COVERGATE_PASS_APPLY_TIMEOUT      -> pass.apply_timeout
//	COVERGATE_OVERRIDE_ALLOWED_APPROVERS=alice,@acme/leads -> override.allowed_approvers
//
// GITHUB_TOKEN is used when no token is configured, which is how GitHub
// Actions exposes it.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		var err error
		content, err = readConfigFile(path)
		if err != nil {
			return nil, err
		}
	}
	return LoadBytes(content)
}

// LoadBytes is Load for an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if !cfg.GitHub.Token.IsSet() {
		cfg.GitHub.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// transformEnv maps COVERGATE_SECTION_FIELD_NAME to section.field_name.
func transformEnv(key, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower, value
	}
	path := section + "." + field
	if listKeys[path] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return path, items
	}
	return path, value
}

// readConfigFile opens path once and validates the open descriptor, so the
// checked file is the file read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

// validateConfigFileProperties rejects directories, oversized files and
// files other users can write.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
