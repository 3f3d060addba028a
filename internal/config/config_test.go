// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-guard/internal/security/auth"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/safety"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func digest(secret string) string {
	h := auth.HashCredential([]byte(secret))
	return hex.EncodeToString(h[:])
}

// =============================================================================
// DEFAULTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, auth.DefaultMaxFailures, cfg.Auth.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Auth.LockoutDuration)
	assert.Equal(t, crypto.DefaultIterations, cfg.Vault.Iterations)
	assert.Equal(t, safety.DefaultRiskThreshold, cfg.Safety.RiskThreshold)
	assert.Equal(t, []string{"instruction_override", "jailbreak"}, cfg.Safety.HighRiskCategories)
	assert.True(t, cfg.Sandbox.Enabled)
	assert.Equal(t, uint64(16<<30), cfg.Sandbox.MemoryLimitBytes())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestDefault_WarnsAboutMissingIdentities(t *testing.T) {
	w := Default().Warnings()
	require.Len(t, w, 1)
	assert.Contains(t, w[0], "auth.identities")
}

// =============================================================================
// LOAD
// =============================================================================

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Vault.Iterations, cfg.Vault.Iterations)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[auth]
max_failures = 3
lockout_duration = "2m"

[[auth.identities]]
name = "operator"
credential_sha256 = "`+digest("op-secret")+`"
capabilities = ["generate"]

[safety]
risk_threshold = 4
pii_types = ["Email", "SSN"]

[sandbox]
memory_limit_mb = 2048
cpu_time_limit = "1h"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Auth.MaxFailures)
	assert.Equal(t, 2*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, auth.DefaultIdleTimeout, cfg.Auth.IdleTimeout)
	assert.Equal(t, 4, cfg.Safety.RiskThreshold)
	assert.Equal(t, []safety.PIIType{safety.PIIEmail, safety.PIISSN}, cfg.Safety.PIITypeList())
	assert.Equal(t, uint64(2048<<20), cfg.Sandbox.MemoryLimitBytes())
	assert.Equal(t, time.Hour, cfg.Sandbox.CPUTimeLimit)
	assert.True(t, cfg.Sandbox.Enabled)

	ids, err := cfg.Auth.AuthIdentities()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, auth.HashCredential([]byte("op-secret")), ids[0].CredentialHash)
	assert.Equal(t, []string{"generate"}, ids[0].Capabilities)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[auth]\nmax_failurez = 3\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.max_failurez")
}

func TestLoad_RejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, "[auth\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestLoad_TightensPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	path := writeConfig(t, "[logging]\nlevel = \"debug\"\n")
	require.NoError(t, os.Chmod(path, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[vault]\niterations = 700000\n[sandbox]\nenabled = true\n")
	t.Setenv("RIGRUN_GUARD_ITERATIONS", "650000")
	t.Setenv("RIGRUN_GUARD_SANDBOX", "false")
	t.Setenv("RIGRUN_GUARD_LOG_LEVEL", "warn")
	t.Setenv("RIGRUN_GUARD_AUDIT_LOG", "/var/log/guard.jsonl")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 650000, cfg.Vault.Iterations)
	assert.False(t, cfg.Sandbox.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/log/guard.jsonl", cfg.Audit.LogPath)
}

func TestApplyEnvOverrides_IgnoresUnparseableNumbers(t *testing.T) {
	t.Setenv("RIGRUN_GUARD_RISK_THRESHOLD", "high")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	assert.Equal(t, safety.DefaultRiskThreshold, cfg.Safety.RiskThreshold)
}

// =============================================================================
// SAVE
// =============================================================================

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Auth.Identities = []IdentityConfig{
		{Name: "operator", CredentialSHA256: digest("s3cret"), Capabilities: []string{"generate", "embed"}},
	}
	cfg.Audit.ArchivePath = "/srv/guard/audit.db"
	cfg.Sandbox.GPUEnabled = true

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# rigrun-guard configuration file"))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty identity name", func(c *Config) {
			c.Auth.Identities = []IdentityConfig{{CredentialSHA256: digest("x")}}
		}, "auth.identities[0].name"},
		{"duplicate identity", func(c *Config) {
			c.Auth.Identities = []IdentityConfig{
				{Name: "a", CredentialSHA256: digest("x")},
				{Name: "a", CredentialSHA256: digest("y")},
			}
		}, "auth.identities[1].name"},
		{"short digest", func(c *Config) {
			c.Auth.Identities = []IdentityConfig{{Name: "a", CredentialSHA256: "abcd"}}
		}, "auth.identities[0].credential_sha256"},
		{"zero failures", func(c *Config) { c.Auth.MaxFailures = 0 }, "auth.max_failures"},
		{"lifetime below idle", func(c *Config) {
			c.Auth.MaxLifetime = time.Minute
			c.Auth.IdleTimeout = time.Hour
		}, "auth.max_lifetime"},
		{"zero quota", func(c *Config) { c.Auth.QuotaPerMinute = 0 }, "auth.quota_per_minute"},
		{"weak iterations", func(c *Config) { c.Vault.Iterations = 10_000 }, "vault.iterations"},
		{"oversized ledger", func(c *Config) { c.Vault.NonceLedgerSize = crypto.MaxLedgerSize + 1 }, "vault.nonce_ledger_size"},
		{"unknown category", func(c *Config) { c.Safety.HighRiskCategories = []string{"spicy"} }, "safety.high_risk_categories"},
		{"pii threshold", func(c *Config) { c.Safety.PIIConfidenceThreshold = 1.5 }, "safety.pii_confidence_threshold"},
		{"unknown pii type", func(c *Config) { c.Safety.PIITypes = []string{"Passport"} }, "safety.pii_types"},
		{"zero capacity", func(c *Config) { c.Audit.Capacity = 0 }, "audit.capacity"},
		{"tiny memory", func(c *Config) { c.Sandbox.MemoryLimitMB = 8 }, "sandbox.memory_limit_mb"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.ErrorAs(t, err, &verrs)
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Auth.MaxFailures = 0
	cfg.Audit.Capacity = 0
	err := cfg.Validate()

	var verrs ValidateErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "; ")
}

func TestWarnings_OutdatedIterations(t *testing.T) {
	cfg := Default()
	cfg.Vault.Iterations = crypto.MinIterations
	require.NoError(t, cfg.Validate())

	found := false
	for _, w := range cfg.Warnings() {
		if strings.Contains(w, "outdated") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSandboxConfig_Policy(t *testing.T) {
	sc := SandboxConfig{
		Enabled:         true,
		MemoryLimitMB:   256,
		CPUTimeLimit:    90 * time.Second,
		AllowedSyscalls: []string{"ioctl"},
		GPUEnabled:      true,
	}
	p := sc.Policy()
	assert.Equal(t, uint64(256<<20), p.MemoryLimit)
	assert.Equal(t, 90*time.Second, p.CPUTimeLimit)
	assert.Equal(t, []string{"ioctl"}, p.AllowedSyscalls)
	assert.True(t, p.GPUEnabled)
}
