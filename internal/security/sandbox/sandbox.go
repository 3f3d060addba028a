// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSandboxApplyFailed wraps every enforcement failure. The process
	// must not continue unconfined.
	ErrSandboxApplyFailed = errors.New("sandbox apply failed")

	// ErrAlreadyApplied is returned by a second Apply.
	ErrAlreadyApplied = errors.New("sandbox already applied")

	// ErrUnsupported is returned on platforms without an enforcement
	// strategy.
	ErrUnsupported = errors.New("sandbox not supported on this platform")

	// ErrUnknownSyscall is returned for allow-list names the platform does
	// not know.
	ErrUnknownSyscall = errors.New("unknown syscall name")
)

// =============================================================================
// POLICY
// =============================================================================

// DefaultMemoryLimit caps the address space at 16 GiB.
const DefaultMemoryLimit uint64 = 16 << 30

// Policy describes the confinement. It is immutable once applied.
type Policy struct {
	// MemoryLimit caps the address space in bytes. Zero means no cap.
	MemoryLimit uint64

	// CPUTimeLimit caps CPU time, rounded up to whole seconds. Zero means
	// no cap.
	CPUTimeLimit time.Duration

	// AllowedSyscalls names syscalls permitted in addition to the base set.
	AllowedSyscalls []string

	// GPUEnabled admits the ioctl and memory-locking calls GPU drivers use.
	GPUEnabled bool
}

// DefaultPolicy returns the policy used when configuration is silent.
func DefaultPolicy() Policy {
	return Policy{MemoryLimit: DefaultMemoryLimit}
}

func (p Policy) cpuSeconds() uint64 {
	if p.CPUTimeLimit <= 0 {
		return 0
	}
	secs := uint64(p.CPUTimeLimit / time.Second)
	if p.CPUTimeLimit%time.Second != 0 {
		secs++
	}
	return secs
}

// =============================================================================
// SANDBOX
// =============================================================================

// Sandbox confines the current process.
type Sandbox interface {
	// Name identifies the enforcement strategy.
	Name() string

	// Apply installs the policy. It may be called once.
	Apply(Policy) error

	// Applied returns the installed policy.
	Applied() (Policy, bool)
}

// enforcer is the platform-specific part.
type enforcer interface {
	name() string
	apply(Policy) error
	check(Policy) (Report, error)
}

// Report describes what Apply would install.
type Report struct {
	Strategy string

	// AllowedSyscalls is the size of the resolved allow-list. Zero on
	// platforms without a syscall filter.
	AllowedSyscalls int

	// FilterInstructions is the length of the compiled filter program.
	FilterInstructions int
}

// ProcessSandbox applies a platform enforcer exactly once.
type ProcessSandbox struct {
	mu        sync.Mutex
	enforcer  enforcer
	attempted bool
	applied   bool
	policy    Policy

	recorder audit.Recorder
	logger   zerolog.Logger
}

var _ Sandbox = (*ProcessSandbox)(nil)

// Option configures a ProcessSandbox.
type Option func(*ProcessSandbox)

// WithRecorder sets the audit destination.
func WithRecorder(r audit.Recorder) Option {
	return func(s *ProcessSandbox) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *ProcessSandbox) { s.logger = l }
}

func withEnforcer(e enforcer) Option {
	return func(s *ProcessSandbox) { s.enforcer = e }
}

// New returns the sandbox for the build platform.
func New(opts ...Option) *ProcessSandbox {
	s := &ProcessSandbox{
		enforcer: newEnforcer(),
		recorder: audit.Discard,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the enforcement strategy.
func (s *ProcessSandbox) Name() string {
	return s.enforcer.name()
}

// Applied returns the policy if Apply succeeded.
func (s *ProcessSandbox) Applied() (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy, s.applied
}

// Check compiles p without applying it. It catches unknown syscall names
// and oversized allow-lists before startup.
func (s *ProcessSandbox) Check(p Policy) (Report, error) {
	r, err := s.enforcer.check(p)
	r.Strategy = s.enforcer.name()
	return r, err
}

// Apply installs p. A failed attempt cannot be retried, since it may have
// left the process partially confined.
func (s *ProcessSandbox) Apply(p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempted {
		s.recorder.Record(audit.Event{
			Severity: audit.SeverityWarning,
			Category: audit.CategorySandbox,
			Action:   "SANDBOX_REAPPLY_REJECTED",
			Outcome:  audit.OutcomeDenied,
			Detail:   map[string]string{"strategy": s.enforcer.name()},
		})
		return ErrAlreadyApplied
	}
	s.attempted = true

	detail := map[string]string{
		"strategy":      s.enforcer.name(),
		"memory_limit":  strconv.FormatUint(p.MemoryLimit, 10),
		"cpu_seconds":   strconv.FormatUint(p.cpuSeconds(), 10),
		"extra_allowed": strconv.Itoa(len(p.AllowedSyscalls)),
		"gpu":           strconv.FormatBool(p.GPUEnabled),
	}

	if err := s.enforcer.apply(p); err != nil {
		detail["error"] = err.Error()
		s.recorder.Record(audit.Event{
			Severity: audit.SeverityCritical,
			Category: audit.CategorySandbox,
			Action:   "SANDBOX_APPLY_FAILED",
			Outcome:  audit.OutcomeFailure,
			Detail:   detail,
		})
		s.logger.Error().Err(err).Str("strategy", s.enforcer.name()).Msg("sandbox apply failed")
		return fmt.Errorf("%w: %w", ErrSandboxApplyFailed, err)
	}

	s.applied = true
	s.policy = p
	s.policy.AllowedSyscalls = append([]string(nil), p.AllowedSyscalls...)
	s.recorder.Record(audit.Event{
		Severity: audit.SeverityNotice,
		Category: audit.CategorySandbox,
		Action:   "SANDBOX_APPLIED",
		Outcome:  audit.OutcomeSuccess,
		Detail:   detail,
	})
	s.logger.Info().Str("strategy", s.enforcer.name()).Msg("sandbox applied")
	return nil
}

// unsupportedEnforcer fails every Apply.
type unsupportedEnforcer struct{}

func (unsupportedEnforcer) name() string { return "unsupported" }

func (unsupportedEnforcer) apply(Policy) error { return ErrUnsupported }

func (unsupportedEnforcer) check(Policy) (Report, error) { return Report{}, ErrUnsupported }
