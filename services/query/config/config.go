// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the query-understanding configuration: the canonical
// intent vocabulary, the deterministic rule table, the category vocabulary,
// and the routing thresholds. Defaults are embedded; a deployment may load
// an override file with the same schema.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed query_rules.yaml
var defaultQueryRulesYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full query-understanding configuration.
//
// Description:
//
//	Loaded once at startup and immutable afterwards. The thresholds here are
//	business constants, not tuning knobs buried in code — changing them must
//	never require a code change.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Config struct {
	// Router holds the fallback-chain thresholds.
	Router RouterConfig `yaml:"router"`

	// Intents is the canonical intent vocabulary with example phrasings
	// used for semantic matching. Fixed at load; order is preserved.
	Intents []Intent `yaml:"intents" validate:"required,min=1,dive"`

	// Rules is the ordered deterministic pattern table. First match wins;
	// order in this list is the evaluation order.
	Rules []Rule `yaml:"rules" validate:"required,min=1,dive"`

	// Categories is the spending-category vocabulary scanned by the slot
	// extractor. First vocabulary hit wins, so order matters.
	Categories []string `yaml:"categories" validate:"required,min=1"`
}

// RouterConfig holds the routing thresholds.
type RouterConfig struct {
	// RuleConfidence is the fixed confidence assigned to rule matches.
	RuleConfidence float64 `yaml:"rule_confidence" validate:"gt=0,lte=1"`

	// EmbeddingThreshold is the minimum cosine similarity for the semantic
	// stage to produce a result.
	EmbeddingThreshold float64 `yaml:"embedding_threshold" validate:"gt=0,lt=1"`

	// ClassifierThreshold is the minimum top-label score for the generative
	// fallback stage to produce a result.
	ClassifierThreshold float64 `yaml:"classifier_threshold" validate:"gt=0,lt=1"`

	// DefaultIntent is the safe-default intent returned when every stage
	// abstains. Must name an intent in the vocabulary.
	DefaultIntent string `yaml:"default_intent" validate:"required"`

	// DefaultConfidence is the confidence attached to the safe default.
	DefaultConfidence float64 `yaml:"default_confidence" validate:"gt=0,lt=1"`

	// MaxUtteranceLen is the utterance length ceiling. Longer queries are
	// rejected before routing.
	MaxUtteranceLen int `yaml:"max_utterance_len" validate:"gt=0"`

	// FocusWindow is the capacity of the conversation's embedded-component
	// window (FIFO, oldest evicted first).
	FocusWindow int `yaml:"focus_window" validate:"gt=0"`
}

// Intent is one canonical intent with its representative example phrasings.
type Intent struct {
	// Key is the intent identifier (e.g. "spending_summary").
	Key string `yaml:"key" validate:"required"`

	// Examples are representative phrasings embedded at warm-up time.
	Examples []string `yaml:"examples" validate:"required,min=1"`
}

// Rule maps a regex pattern to an intent. Patterns are compiled once at
// matcher construction; invalid patterns fail the load, not the query path.
type Rule struct {
	// Pattern is a regular expression applied case-insensitively.
	Pattern string `yaml:"pattern" validate:"required"`

	// Intent is the intent key selected when the pattern matches.
	Intent string `yaml:"intent" validate:"required"`
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New()

// defaults are loaded lazily and cached; the embedded YAML cannot change at
// runtime so one parse is enough.
var (
	defaultsOnce sync.Once
	defaultsCfg  *Config
	defaultsErr  error
)

// Default returns the embedded default configuration.
//
// # Outputs
//
//   - *Config: Parsed and validated defaults. Shared; treat as read-only.
//   - error: Non-nil only if the embedded YAML is malformed (a build defect).
func Default() (*Config, error) {
	defaultsOnce.Do(func() {
		defaultsCfg, defaultsErr = parse(defaultQueryRulesYAML)
	})
	return defaultsCfg, defaultsErr
}

// LoadFile loads a configuration override from disk.
//
// # Inputs
//
//   - path: YAML file with the Config schema.
//
// # Outputs
//
//   - *Config: Parsed and validated configuration.
//   - error: Non-nil on read, parse, or validation failure.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// parse unmarshals and validates a Config document.
func parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	// Cross-field checks the validator tags cannot express: every rule target
	// and the safe default must exist in the intent vocabulary.
	known := make(map[string]bool, len(cfg.Intents))
	for _, in := range cfg.Intents {
		if known[in.Key] {
			return nil, fmt.Errorf("duplicate intent key %q", in.Key)
		}
		known[in.Key] = true
	}
	for _, r := range cfg.Rules {
		if !known[r.Intent] {
			return nil, fmt.Errorf("rule %q targets unknown intent %q", r.Pattern, r.Intent)
		}
	}
	if !known[cfg.Router.DefaultIntent] {
		return nil, fmt.Errorf("default intent %q is not in the vocabulary", cfg.Router.DefaultIntent)
	}

	return &cfg, nil
}

// IntentKeys returns the intent vocabulary as an ordered key list, used as
// the candidate-label set for the generative fallback classifier.
func (c *Config) IntentKeys() []string {
	keys := make([]string, len(c.Intents))
	for i, in := range c.Intents {
		keys[i] = in.Key
	}
	return keys
}
