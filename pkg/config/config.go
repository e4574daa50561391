/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the worker's startup configuration. It is read
// once at process start; nothing here is mutated after Load returns.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrConfig is a fatal startup configuration error (§7: ConfigError).
type ErrConfig struct {
	Message string
}

func (e ErrConfig) Error() string {
	return fmt.Sprintf("config error: %s", e.Message)
}

// Config is the worker's full startup configuration.
type Config struct {
	// BlockSize is B, the number of tokens held per KV-cache block.
	BlockSize int `json:"blockSize,omitempty"`
	// NumLayers is the number of attention layers the model has.
	NumLayers int `json:"numLayers,omitempty"`
	// NumBlocks bounds the physical block arena per layer.
	NumBlocks int `json:"numBlocks,omitempty"`
	// MaxBatch is the maximum number of sequences advanced per step.
	MaxBatch int `json:"maxBatch,omitempty"`

	// TokenizerVocabPath is passed to tokenizer.New as the name of the
	// offline tiktoken encoding to load (empty selects cl100k_base); it is
	// not opened as a file.
	TokenizerVocabPath string `json:"tokenizerVocabPath,omitempty"`
	// TokenizerVocabURL satisfies Validate in place of TokenizerVocabPath,
	// but nothing reads it and no vocabulary is fetched over the network.
	TokenizerVocabURL string `json:"tokenizerVocabUrl,omitempty"`

	// ChatTemplatePath points at the default Jinja-like chat template.
	ChatTemplatePath string `json:"chatTemplatePath,omitempty"`

	// Speculative holds γ and draft-model wiring. Validate checks Gamma,
	// but serve does not construct a speculative driver from it.
	Speculative *SpeculativeConfig `json:"speculative,omitempty"`

	// EnableDistributedDirectory and RedisAddr name the Redis-backed
	// cross-worker block-ownership directory (kvcache.Directory) described
	// in SPEC_FULL.md §3.4. They are parsed but nothing reads them: serve
	// does not construct a Directory.
	EnableDistributedDirectory bool   `json:"enableDistributedDirectory,omitempty"`
	RedisAddr                  string `json:"redisAddr,omitempty"`

	// Auth, if set, requires a valid bearer token on request intake.
	Auth *AuthConfig `json:"auth,omitempty"`
	// RateLimit bounds this process's own input/output token throughput.
	RateLimit *RateLimitConfig `json:"rateLimit,omitempty"`
	// GlobalRateLimit bounds per-user input/output token throughput
	// across every worker sharing the same Redis instance.
	GlobalRateLimit *GlobalRateLimitConfig `json:"globalRateLimit,omitempty"`

	// MaxLength is the operator ceiling on total committed tokens per
	// request; 0 means no ceiling beyond what a request itself asks for.
	MaxLength int `json:"maxLength,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`
}

type SpeculativeConfig struct {
	Gamma          int    `json:"gamma,omitempty"`
	DraftModelPath string `json:"draftModelPath,omitempty"`
}

type AuthConfig struct {
	JwksURI   string   `json:"jwksUri,omitempty"`
	Issuer    string   `json:"issuer,omitempty"`
	Audiences []string `json:"audiences,omitempty"`
}

type RateLimitConfig struct {
	InputTokensPerSecond  float64 `json:"inputTokensPerSecond,omitempty"`
	OutputTokensPerSecond float64 `json:"outputTokensPerSecond,omitempty"`
	Burst                 int     `json:"burst,omitempty"`
}

// GlobalRateLimitConfig points at the Redis instance every worker in a
// deployment shares for cross-worker, per-user token budgets.
type GlobalRateLimitConfig struct {
	RedisAddr             string `json:"redisAddr,omitempty"`
	RedisPassword         string `json:"redisPassword,omitempty"`
	WindowSeconds         int    `json:"windowSeconds,omitempty"`
	InputTokensPerWindow  int    `json:"inputTokensPerWindow,omitempty"`
	OutputTokensPerWindow int    `json:"outputTokensPerWindow,omitempty"`
}

const defaultBlockSize = 16

// Default returns a configuration with every spec-mandated default filled in.
func Default() *Config {
	return &Config{
		BlockSize: defaultBlockSize,
		NumLayers: 1,
		NumBlocks: 0,
		MaxBatch:  32,
		LogLevel:  "info",
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrConfig{Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, ErrConfig{Message: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a configuration that would leave any component unable
// to satisfy its invariants.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return ErrConfig{Message: "blockSize must be positive"}
	}
	if c.NumLayers <= 0 {
		return ErrConfig{Message: "numLayers must be positive"}
	}
	if c.MaxBatch <= 0 {
		return ErrConfig{Message: "maxBatch must be positive"}
	}
	if c.Speculative != nil && c.Speculative.Gamma < 1 {
		return ErrConfig{Message: "speculative.gamma must be >= 1"}
	}
	if c.TokenizerVocabPath == "" && c.TokenizerVocabURL == "" {
		return ErrConfig{Message: "one of tokenizerVocabPath or tokenizerVocabUrl is required"}
	}
	return nil
}
