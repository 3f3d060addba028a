// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/auth"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/safety"
	"github.com/jeranaias/rigrun-guard/internal/security/sandbox"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun-guard configuration.
type Config struct {
	Auth    AuthConfig    `toml:"auth"`
	Vault   VaultConfig   `toml:"vault"`
	Safety  SafetyConfig  `toml:"safety"`
	Audit   AuditConfig   `toml:"audit"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// IdentityConfig declares one caller. Only the SHA-256 of the credential
// is stored.
type IdentityConfig struct {
	Name             string   `toml:"name"`
	CredentialSHA256 string   `toml:"credential_sha256"`
	Capabilities     []string `toml:"capabilities"`
	// TOTPSecret enrolls the identity in a second factor (base32).
	TOTPSecret string `toml:"totp_secret,omitempty"`
}

// AuthConfig contains authentication and session settings.
type AuthConfig struct {
	Identities      []IdentityConfig `toml:"identities"`
	MaxFailures     int              `toml:"max_failures"`
	LockoutDuration time.Duration    `toml:"lockout_duration"`
	// MinAuthDuration is the floor every authentication attempt is padded to.
	MinAuthDuration time.Duration `toml:"min_auth_duration"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	MaxLifetime     time.Duration `toml:"max_lifetime"`
	QuotaPerMinute  int           `toml:"quota_per_minute"`
}

// VaultConfig contains key derivation and model encryption settings.
type VaultConfig struct {
	SaltPath   string `toml:"salt_path"`
	Iterations int    `toml:"iterations"`
	// NonceLedgerSize bounds the nonce reuse detector.
	NonceLedgerSize int `toml:"nonce_ledger_size"`
	// PassphraseEnv names the environment variable read for the passphrase
	// when no terminal is attached.
	PassphraseEnv string `toml:"passphrase_env"`
	// WatchSalt raises a critical audit event if the salt file changes.
	WatchSalt bool `toml:"watch_salt"`
}

// SafetyConfig contains prompt and output screening settings.
type SafetyConfig struct {
	RiskThreshold      int      `toml:"risk_threshold"`
	HighRiskCategories []string `toml:"high_risk_categories"`
	// PatternsFile adds operator patterns to the built-in table.
	PatternsFile    string `toml:"patterns_file"`
	SanitizePrompts bool   `toml:"sanitize_prompts"`
	RedactPromptPII bool   `toml:"redact_prompt_pii"`
	// PIIConfidenceThreshold is the lowest confidence that gets redacted.
	PIIConfidenceThreshold float64 `toml:"pii_confidence_threshold"`
	// PIITypes restricts detection. Empty means all types.
	PIITypes []string `toml:"pii_types"`
}

// AuditConfig contains audit trail settings.
type AuditConfig struct {
	LogPath string `toml:"log_path"`
	// Capacity is the in-memory ring size.
	Capacity      int           `toml:"capacity"`
	WriterBuffer  int           `toml:"writer_buffer"`
	FlushInterval time.Duration `toml:"flush_interval"`
	// ArchivePath enables the SQLite archive when set.
	ArchivePath    string `toml:"archive_path"`
	ArchiveMaxRows int    `toml:"archive_max_rows"`
}

// SandboxConfig contains process confinement settings.
type SandboxConfig struct {
	Enabled         bool          `toml:"enabled"`
	MemoryLimitMB   uint64        `toml:"memory_limit_mb"`
	CPUTimeLimit    time.Duration `toml:"cpu_time_limit"`
	AllowedSyscalls []string      `toml:"allowed_syscalls"`
	GPUEnabled      bool          `toml:"gpu_enabled"`
}

// LoggingConfig contains operational log settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// MetricsConfig contains metrics export settings.
type MetricsConfig struct {
	// TextfilePath is written for the node exporter textfile collector.
	// Empty disables export.
	TextfilePath string `toml:"textfile_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultPassphraseEnv is read when no terminal is attached.
const DefaultPassphraseEnv = "RIGRUN_GUARD_PASSPHRASE"

// Default returns a configuration with all defaults applied. Paths are
// relative to the config directory.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".rigrun-guard"
	}
	return &Config{
		Auth: AuthConfig{
			MaxFailures:     auth.DefaultMaxFailures,
			LockoutDuration: auth.DefaultLockoutDuration,
			MinAuthDuration: auth.DefaultMinAuthDuration,
			IdleTimeout:     auth.DefaultIdleTimeout,
			MaxLifetime:     auth.DefaultMaxLifetime,
			QuotaPerMinute:  auth.DefaultQuotaPerMinute,
		},
		Vault: VaultConfig{
			SaltPath:        filepath.Join(dir, "salt"),
			Iterations:      crypto.DefaultIterations,
			NonceLedgerSize: crypto.DefaultLedgerSize,
			PassphraseEnv:   DefaultPassphraseEnv,
			WatchSalt:       true,
		},
		Safety: SafetyConfig{
			RiskThreshold:          safety.DefaultRiskThreshold,
			HighRiskCategories:     categoryNames(safety.DefaultHighRiskCategories),
			SanitizePrompts:        true,
			PIIConfidenceThreshold: safety.DefaultConfidenceThreshold,
		},
		Audit: AuditConfig{
			LogPath:        filepath.Join(dir, "audit.jsonl"),
			Capacity:       10000,
			WriterBuffer:   4096,
			FlushInterval:  10 * time.Millisecond,
			ArchiveMaxRows: 1_000_000,
		},
		Sandbox: SandboxConfig{
			Enabled:       true,
			MemoryLimitMB: 16 * 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func categoryNames(cats []safety.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun-guard configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun-guard"), nil
}

// DefaultPath returns the path of the default config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens a config file to 0600. The file holds
// credential digests and TOTP secrets.
func ensureSecurePermissions(path string) error {
	if err := util.CheckPrivatePerm(path); err == nil {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to fix insecure permissions: %w", err)
	}
	return nil
}

// =============================================================================
// LOAD AND SAVE
// =============================================================================

// Load reads the config at path, or the default path when empty. A missing
// file yields the defaults. Environment overrides are applied before
// validation.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var errs ValidateErrors
		for _, key := range undecoded {
			errs = append(errs, ValidationError{Field: key.String(), Message: "unknown key"})
		}
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

// Save writes cfg as TOML with owner-only permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigrun-guard configuration file\n")
	buf.WriteString("# Generated by rigrun-guard init - edit with care\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Auth
	seen := make(map[string]bool)
	for i, id := range c.Auth.Identities {
		field := fmt.Sprintf("auth.identities[%d]", i)
		if id.Name == "" {
			add(field+".name", "must not be empty")
		} else if seen[id.Name] {
			add(field+".name", "duplicate identity %q", id.Name)
		}
		seen[id.Name] = true
		if b, err := hex.DecodeString(id.CredentialSHA256); err != nil || len(b) != auth.HashSize {
			add(field+".credential_sha256", "must be %d hex characters", auth.HashSize*2)
		}
	}
	if c.Auth.MaxFailures < 1 {
		add("auth.max_failures", "must be at least 1")
	}
	if c.Auth.LockoutDuration <= 0 {
		add("auth.lockout_duration", "must be positive")
	}
	if c.Auth.MinAuthDuration < 0 || c.Auth.MinAuthDuration > time.Second {
		add("auth.min_auth_duration", "must be between 0 and 1s")
	}
	if c.Auth.IdleTimeout <= 0 {
		add("auth.idle_timeout", "must be positive")
	}
	if c.Auth.MaxLifetime < c.Auth.IdleTimeout {
		add("auth.max_lifetime", "must not be shorter than idle_timeout")
	}
	if c.Auth.QuotaPerMinute < 1 {
		add("auth.quota_per_minute", "must be at least 1")
	}

	// Vault
	if c.Vault.SaltPath == "" {
		add("vault.salt_path", "must not be empty")
	}
	if c.Vault.Iterations < crypto.MinIterations {
		add("vault.iterations", "must be at least %d", crypto.MinIterations)
	}
	if c.Vault.NonceLedgerSize < 1 || c.Vault.NonceLedgerSize > crypto.MaxLedgerSize {
		add("vault.nonce_ledger_size", "must be between 1 and %d", crypto.MaxLedgerSize)
	}

	// Safety
	if c.Safety.RiskThreshold < 0 {
		add("safety.risk_threshold", "must not be negative")
	}
	known := make(map[string]bool)
	for _, p := range safety.DefaultPatterns() {
		known[string(p.Category)] = true
	}
	for _, cat := range c.Safety.HighRiskCategories {
		if !known[cat] {
			add("safety.high_risk_categories", "unknown category %q", cat)
		}
	}
	if t := c.Safety.PIIConfidenceThreshold; t < 0 || t > 1 {
		add("safety.pii_confidence_threshold", "must be between 0 and 1")
	}
	for _, typ := range c.Safety.PIITypes {
		if !knownPIIType(typ) {
			add("safety.pii_types", "unknown type %q", typ)
		}
	}

	// Audit
	if c.Audit.Capacity < 1 {
		add("audit.capacity", "must be at least 1")
	}
	if c.Audit.WriterBuffer < 1 {
		add("audit.writer_buffer", "must be at least 1")
	}
	if c.Audit.FlushInterval <= 0 {
		add("audit.flush_interval", "must be positive")
	}
	if c.Audit.ArchivePath != "" && c.Audit.ArchiveMaxRows < 1 {
		add("audit.archive_max_rows", "must be at least 1")
	}

	// Sandbox
	if c.Sandbox.Enabled && c.Sandbox.MemoryLimitMB != 0 && c.Sandbox.MemoryLimitMB < 64 {
		add("sandbox.memory_limit_mb", "must be 0 (no cap) or at least 64")
	}
	if c.Sandbox.CPUTimeLimit < 0 {
		add("sandbox.cpu_time_limit", "must not be negative")
	}

	// Logging
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil || c.Logging.Level == "" {
		add("logging.level", "invalid level %q", c.Logging.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func knownPIIType(name string) bool {
	for _, t := range safety.AllPIITypes {
		if string(t) == name {
			return true
		}
	}
	return false
}

// Warnings reports settings that are accepted but discouraged.
func (c *Config) Warnings() []string {
	var w []string
	if crypto.IterationsOutdated(c.Vault.Iterations) {
		w = append(w, fmt.Sprintf("vault.iterations = %d is an outdated work factor; %d is recommended",
			c.Vault.Iterations, crypto.DefaultIterations))
	}
	if !c.Sandbox.Enabled {
		w = append(w, "sandbox.enabled = false: the process runs unconfined")
	}
	if len(c.Auth.Identities) == 0 {
		w = append(w, "auth.identities is empty: every handshake will fail")
	}
	if c.Audit.LogPath == "" {
		w = append(w, "audit.log_path is empty: audit events are kept in memory only")
	}
	return w
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - RIGRUN_GUARD_LOG_LEVEL: overrides logging.level
//   - RIGRUN_GUARD_AUDIT_LOG: overrides audit.log_path
//   - RIGRUN_GUARD_AUDIT_ARCHIVE: overrides audit.archive_path
//   - RIGRUN_GUARD_SALT_PATH: overrides vault.salt_path
//   - RIGRUN_GUARD_ITERATIONS: overrides vault.iterations
//   - RIGRUN_GUARD_RISK_THRESHOLD: overrides safety.risk_threshold
//   - RIGRUN_GUARD_SANDBOX: overrides sandbox.enabled
//   - RIGRUN_GUARD_METRICS_TEXTFILE: overrides metrics.textfile_path
//
// Unparseable numeric values are ignored and left to validation of the
// file value.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGRUN_GUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RIGRUN_GUARD_AUDIT_LOG"); v != "" {
		c.Audit.LogPath = v
	}
	if v := os.Getenv("RIGRUN_GUARD_AUDIT_ARCHIVE"); v != "" {
		c.Audit.ArchivePath = v
	}
	if v := os.Getenv("RIGRUN_GUARD_SALT_PATH"); v != "" {
		c.Vault.SaltPath = v
	}
	if v := os.Getenv("RIGRUN_GUARD_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Vault.Iterations = n
		}
	}
	if v := os.Getenv("RIGRUN_GUARD_RISK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Safety.RiskThreshold = n
		}
	}
	if v := os.Getenv("RIGRUN_GUARD_SANDBOX"); v != "" {
		c.Sandbox.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("RIGRUN_GUARD_METRICS_TEXTFILE"); v != "" {
		c.Metrics.TextfilePath = v
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// MemoryLimitBytes returns the sandbox memory ceiling in bytes.
func (s SandboxConfig) MemoryLimitBytes() uint64 {
	return s.MemoryLimitMB << 20
}

// Policy returns the sandbox policy for this configuration.
func (s SandboxConfig) Policy() sandbox.Policy {
	return sandbox.Policy{
		MemoryLimit:     s.MemoryLimitBytes(),
		CPUTimeLimit:    s.CPUTimeLimit,
		AllowedSyscalls: s.AllowedSyscalls,
		GPUEnabled:      s.GPUEnabled,
	}
}

// CredentialHash decodes the identity's credential digest.
func (id IdentityConfig) CredentialHash() ([auth.HashSize]byte, error) {
	return auth.ParseCredentialHash(id.CredentialSHA256)
}

// AuthIdentities converts the configured identities for the authenticator.
func (a AuthConfig) AuthIdentities() ([]auth.Identity, error) {
	out := make([]auth.Identity, 0, len(a.Identities))
	for _, id := range a.Identities {
		h, err := id.CredentialHash()
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", id.Name, err)
		}
		out = append(out, auth.Identity{
			Name:           id.Name,
			CredentialHash: h,
			Capabilities:   id.Capabilities,
			TOTPSecret:     id.TOTPSecret,
		})
	}
	return out, nil
}

// PIITypeList converts the configured PII type names.
func (s SafetyConfig) PIITypeList() []safety.PIIType {
	out := make([]safety.PIIType, 0, len(s.PIITypes))
	for _, t := range s.PIITypes {
		out = append(out, safety.PIIType(t))
	}
	return out
}

// HighRiskList converts the configured high-risk category names.
func (s SafetyConfig) HighRiskList() []safety.Category {
	out := make([]safety.Category, 0, len(s.HighRiskCategories))
	for _, c := range s.HighRiskCategories {
		out = append(out, safety.Category(c))
	}
	return out
}
