package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads, expands, merges, and validates a space configuration file.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into SpaceConfig
//  4. Merge gateway defaults for unset values
//  5. Validate the result (first violation wins)
func Load(path string) (*SpaceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	slog.Info("Space configuration loaded",
		"path", path,
		"space", cfg.Space,
		"participants", len(cfg.Participants))
	return cfg, nil
}

// Parse decodes an expanded space configuration from YAML bytes, applies
// defaults, and validates. Exported for tests and embedders that hold the
// file contents already.
func Parse(data []byte) (*SpaceConfig, error) {
	// Note: ExpandEnv passes the original bytes through on template errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	cfg := &SpaceConfig{
		Participants: make(map[string]ParticipantConfig),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// Merge user settings over built-in defaults; unset user fields keep
	// the default value.
	settings := DefaultGatewaySettings()
	if err := mergo.Merge(&settings, cfg.Gateway, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge gateway settings: %w", err)
	}
	cfg.Gateway = settings

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return cfg, nil
}

// validate checks the whole configuration, stopping at the first violation.
func validate(cfg *SpaceConfig) error {
	if cfg.Space == "" {
		return NewValidationError("space", "", "", fmt.Errorf("space id is required"))
	}
	if len(cfg.Participants) == 0 {
		return NewValidationError("space", cfg.Space, "participants", fmt.Errorf("at least one participant is required"))
	}

	seenTokens := make(map[string]string)
	for identity, p := range cfg.Participants {
		if identity == "" {
			return NewValidationError("participant", identity, "", fmt.Errorf("identity must not be empty"))
		}
		// Underscores are reserved as an internal separator by LLM-facing
		// adapters; identities never carry them.
		if strings.Contains(identity, "_") {
			return NewValidationError("participant", identity, "", fmt.Errorf("identity must not contain underscores"))
		}
		if len(p.Tokens) == 0 {
			return NewValidationError("participant", identity, "tokens", fmt.Errorf("at least one token is required"))
		}
		for _, token := range p.Tokens {
			if token == "" {
				return NewValidationError("participant", identity, "tokens", fmt.Errorf("empty token"))
			}
			if other, dup := seenTokens[token]; dup {
				return NewValidationError("participant", identity, "tokens",
					fmt.Errorf("token already assigned to %q", other))
			}
			seenTokens[token] = identity
		}
	}

	g := cfg.Gateway
	if g.QueueSize < 1 {
		return NewValidationError("gateway", "", "queue_size", fmt.Errorf("must be at least 1"))
	}
	if g.DrainTimeout <= 0 {
		return NewValidationError("gateway", "", "drain_timeout", fmt.Errorf("must be positive"))
	}
	if g.WriteTimeout <= 0 {
		return NewValidationError("gateway", "", "write_timeout", fmt.Errorf("must be positive"))
	}
	if !g.DuplicatePolicy.IsValid() {
		return NewValidationError("gateway", "", "duplicate_policy",
			fmt.Errorf("must be %q or %q", DuplicateReject, DuplicateDisplace))
	}
	if !g.OverflowPolicy.IsValid() {
		return NewValidationError("gateway", "", "overflow_policy",
			fmt.Errorf("must be %q or %q", OverflowClose, OverflowDropOldest))
	}
	return nil
}
