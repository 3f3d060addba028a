// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package guard

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-guard/internal/config"
	"github.com/jeranaias/rigrun-guard/internal/security/audit"
	"github.com/jeranaias/rigrun-guard/internal/security/auth"
	"github.com/jeranaias/rigrun-guard/internal/security/crypto"
	"github.com/jeranaias/rigrun-guard/internal/security/safety"
	"github.com/jeranaias/rigrun-guard/internal/security/sandbox"
	"github.com/jeranaias/rigrun-guard/internal/security/vault"
	"github.com/jeranaias/rigrun-guard/internal/telemetry"
	"github.com/jeranaias/rigrun-guard/internal/util"
)

// =============================================================================
// REQUEST AND RESPONSE TYPES
// =============================================================================

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	Identity              string
	Credential            []byte
	OTP                   string
	RequestedCapabilities []string
}

// HandshakeResponse carries the new session. SessionID is a bearer secret.
type HandshakeResponse struct {
	SessionID    string
	ExpiresAt    time.Time
	Capabilities []string
}

// Request is one prompt headed for the inference engine.
type Request struct {
	SessionID     string
	CorrelationID string
	Prompt        string

	// Capability, when set, must have been granted to the session.
	Capability string

	// Parameters pass through to the engine untouched.
	Parameters map[string]string
}

// PreInferenceResult is the screened prompt.
type PreInferenceResult struct {
	CorrelationID   string
	Accepted        bool
	Reason          string
	SanitizedPrompt string
	RiskScore       int
	PIIRedactions   int
	Parameters      map[string]string
}

// Response is the raw completion from the inference engine.
type Response struct {
	SessionID     string
	CorrelationID string
	Output        string
}

// PostInferenceResult is the completion safe to return to the caller.
type PostInferenceResult struct {
	SanitizedOutput string
	PIIFound        bool
	Redactions      int
}

// =============================================================================
// BOUNDARY
// =============================================================================

// Boundary is the composition root. It is safe for concurrent use once New
// returns.
type Boundary struct {
	cfg *config.Config

	sink    *audit.Sink
	archive *audit.Archive
	metrics *telemetry.Metrics
	sandbox sandbox.Sandbox

	auth     *auth.Authenticator
	pipeline *safety.Pipeline
	keys     *crypto.KeyStore
	ledger   *crypto.NonceLedger

	mu      sync.RWMutex
	km      *crypto.KeyMaterial
	vault   *vault.Vault
	watcher *crypto.SaltWatcher
	closed  bool

	logger   zerolog.Logger
	sinkOpts []audit.SinkOption
	authOpts []auth.Option
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithLogger sets the operational logger shared by every component.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Boundary) {
		b.logger = l
	}
}

// WithMetrics counts every audit event into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Boundary) {
		b.metrics = m
	}
}

// WithSandbox replaces the platform sandbox.
func WithSandbox(s sandbox.Sandbox) Option {
	return func(b *Boundary) {
		b.sandbox = s
	}
}

// WithSinkOptions appends audit sink options after those built from config.
func WithSinkOptions(opts ...audit.SinkOption) Option {
	return func(b *Boundary) {
		b.sinkOpts = append(b.sinkOpts, opts...)
	}
}

// WithAuthOptions appends authenticator options after those built from
// config.
func WithAuthOptions(opts ...auth.Option) Option {
	return func(b *Boundary) {
		b.authOpts = append(b.authOpts, opts...)
	}
}

// New builds every component from cfg. The audit sink comes up first so the
// sandbox decision is recorded; the sandbox is applied before any caller
// can reach the boundary. A sandbox failure is fatal and returned as
// CodeSandboxFailed.
func New(cfg *config.Config, opts ...Option) (*Boundary, error) {
	b := &Boundary{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.openAudit(); err != nil {
		return nil, err
	}

	if err := b.applySandbox(); err != nil {
		b.closeAudit()
		return nil, err
	}

	if err := b.buildPipeline(); err != nil {
		b.closeAudit()
		return nil, err
	}

	ids, err := cfg.Auth.AuthIdentities()
	if err != nil {
		b.closeAudit()
		return nil, err
	}
	authOpts := []auth.Option{
		auth.WithMaxFailures(cfg.Auth.MaxFailures),
		auth.WithLockoutDuration(cfg.Auth.LockoutDuration),
		auth.WithMinAuthDuration(cfg.Auth.MinAuthDuration),
		auth.WithIdleTimeout(cfg.Auth.IdleTimeout),
		auth.WithMaxLifetime(cfg.Auth.MaxLifetime),
		auth.WithQuotaPerMinute(cfg.Auth.QuotaPerMinute),
		auth.WithRecorder(b.sink),
		auth.WithLogger(b.logger),
	}
	b.auth = auth.New(ids, append(authOpts, b.authOpts...)...)

	b.keys = crypto.NewKeyStore(cfg.Vault.SaltPath,
		crypto.WithIterations(cfg.Vault.Iterations),
		crypto.WithRecorder(b.sink),
		crypto.WithLogger(b.logger),
	)
	b.ledger = crypto.NewNonceLedger(cfg.Vault.NonceLedgerSize)

	b.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Category: audit.CategorySystem,
		Action:   "STARTUP",
		Outcome:  audit.OutcomeSuccess,
		Detail: map[string]string{
			"identities":     strconv.Itoa(len(ids)),
			"patterns":       strconv.Itoa(b.pipeline.Filter().PatternCount()),
			"risk_threshold": strconv.Itoa(b.pipeline.Filter().Threshold()),
			"sandbox":        b.sandbox.Name(),
		},
	})
	b.logger.Info().
		Int("identities", len(ids)).
		Int("patterns", b.pipeline.Filter().PatternCount()).
		Str("sandbox", b.sandbox.Name()).
		Msg("security boundary ready")
	return b, nil
}

func (b *Boundary) openAudit() error {
	ac := b.cfg.Audit
	opts := []audit.SinkOption{
		audit.WithCapacity(ac.Capacity),
		audit.WithWriterBuffer(ac.WriterBuffer, ac.FlushInterval),
		audit.WithLogger(b.logger),
	}
	if ac.LogPath != "" {
		opts = append(opts, audit.WithLogFile(ac.LogPath))
	}
	key, err := audit.LoadChainKey()
	if err != nil {
		return wrap(err)
	}
	if key != nil {
		opts = append(opts, audit.WithChainKey(key))
	}
	if ac.ArchivePath != "" {
		a, err := audit.OpenArchive(ac.ArchivePath, audit.WithMaxRows(ac.ArchiveMaxRows))
		if err != nil {
			return wrap(err)
		}
		b.archive = a
		opts = append(opts, audit.WithArchive(a))
	}
	if b.metrics != nil {
		opts = append(opts, audit.WithObserver(b.metrics.Observe))
	}

	sink, err := audit.NewSink(append(opts, b.sinkOpts...)...)
	if err != nil {
		if b.archive != nil {
			b.archive.Close()
		}
		return wrap(err)
	}
	b.sink = sink
	return nil
}

func (b *Boundary) closeAudit() {
	if err := b.sink.Close(); err != nil {
		b.logger.Error().Err(err).Msg("close audit sink")
	}
	if b.archive != nil {
		if err := b.archive.Close(); err != nil {
			b.logger.Error().Err(err).Msg("close audit archive")
		}
	}
}

func (b *Boundary) applySandbox() error {
	if b.sandbox == nil {
		b.sandbox = sandbox.New(sandbox.WithRecorder(b.sink), sandbox.WithLogger(b.logger))
	}
	sc := b.cfg.Sandbox
	if !sc.Enabled {
		b.sink.Record(audit.Event{
			Severity: audit.SeverityCritical,
			Category: audit.CategorySandbox,
			Action:   "SANDBOX_DISABLED",
			Outcome:  audit.OutcomeFailure,
			Detail:   map[string]string{"strategy": b.sandbox.Name()},
		})
		b.logger.Warn().Msg("sandbox disabled by configuration: process runs unconfined")
		return nil
	}

	err := b.sandbox.Apply(sc.Policy())
	if err != nil {
		if !errors.Is(err, sandbox.ErrSandboxApplyFailed) {
			err = fmt.Errorf("%w: %w", sandbox.ErrSandboxApplyFailed, err)
		}
		return wrap(err)
	}
	return nil
}

func (b *Boundary) buildPipeline() error {
	p, err := BuildPipeline(b.cfg.Safety,
		safety.WithRecorder(b.sink),
		safety.WithLogger(b.logger),
	)
	if err != nil {
		return wrap(err)
	}
	b.pipeline = p
	return nil
}

// BuildPipeline assembles the content safety pipeline from configuration:
// the built-in pattern table plus the operator file, the injection filter
// and the PII detector. opts are applied after the configured ones.
func BuildPipeline(sc config.SafetyConfig, opts ...safety.PipelineOption) (*safety.Pipeline, error) {
	patterns := safety.DefaultPatterns()
	if sc.PatternsFile != "" {
		extra, err := safety.LoadPatternFile(sc.PatternsFile)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, extra...)
	}

	filter, err := safety.NewInjectionFilter(patterns,
		safety.WithRiskThreshold(sc.RiskThreshold),
		safety.WithHighRiskCategories(sc.HighRiskList()...),
	)
	if err != nil {
		return nil, err
	}

	detOpts := []safety.DetectorOption{safety.WithConfidenceThreshold(sc.PIIConfidenceThreshold)}
	if len(sc.PIITypes) > 0 {
		detOpts = append(detOpts, safety.WithTypes(sc.PIITypeList()...))
	}

	pipeOpts := []safety.PipelineOption{
		safety.WithSanitizePrompts(sc.SanitizePrompts),
		safety.WithPromptPIIRedaction(sc.RedactPromptPII),
	}
	return safety.NewPipeline(filter, safety.NewDetector(detOpts...), append(pipeOpts, opts...)...), nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Sink returns the audit sink.
func (b *Boundary) Sink() *audit.Sink { return b.sink }

// Archive returns the audit archive, or nil when none is configured.
func (b *Boundary) Archive() *audit.Archive { return b.archive }

// Authenticator returns the session authenticator.
func (b *Boundary) Authenticator() *auth.Authenticator { return b.auth }

// Pipeline returns the content safety pipeline.
func (b *Boundary) Pipeline() *safety.Pipeline { return b.pipeline }

// Sandbox returns the process sandbox.
func (b *Boundary) Sandbox() sandbox.Sandbox { return b.sandbox }

// =============================================================================
// SESSIONS
// =============================================================================

// Handshake authenticates a caller and opens a session.
func (b *Boundary) Handshake(req HandshakeRequest) (HandshakeResponse, error) {
	if b.isClosed() {
		return HandshakeResponse{}, wrap(ErrClosed)
	}
	s, err := b.auth.Authenticate(auth.Credential{
		Identity: req.Identity,
		Secret:   req.Credential,
		OTP:      req.OTP,
	}, req.RequestedCapabilities)
	if err != nil {
		return HandshakeResponse{}, wrap(err)
	}
	return HandshakeResponse{
		SessionID:    s.ID,
		ExpiresAt:    s.CreatedAt.Add(b.cfg.Auth.MaxLifetime),
		Capabilities: append([]string(nil), s.Capabilities...),
	}, nil
}

// EndSession revokes a session. It reports whether the session existed.
func (b *Boundary) EndSession(sessionID string) bool {
	return b.auth.Revoke(sessionID)
}

// =============================================================================
// CONTENT SCREENING
// =============================================================================

// PreInference admits one request on the session and screens its prompt.
// A rejected prompt returns the result with Accepted false together with a
// CodeContentRejected error.
func (b *Boundary) PreInference(req Request) (PreInferenceResult, error) {
	if b.isClosed() {
		return PreInferenceResult{}, wrap(ErrClosed)
	}
	s, err := b.auth.Validate(req.SessionID)
	if err != nil {
		return PreInferenceResult{}, wrap(err)
	}
	if req.Capability != "" && !s.HasCapability(req.Capability) {
		b.sink.Record(audit.Event{
			Severity:      audit.SeverityWarning,
			Category:      audit.CategorySession,
			Action:        "CAPABILITY_DENIED",
			Outcome:       audit.OutcomeDenied,
			CorrelationID: req.CorrelationID,
			Identity:      s.Identity,
			SessionRef:    util.RefForLog(s.ID),
			Detail:        map[string]string{"capability": req.Capability},
		})
		return PreInferenceResult{}, wrap(fmt.Errorf("%w: %s", ErrCapabilityDenied, req.Capability))
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	v := b.pipeline.CheckPrompt(safety.PromptRequest{
		CorrelationID: correlationID,
		Identity:      s.Identity,
		SessionRef:    util.RefForLog(s.ID),
		Prompt:        req.Prompt,
	})
	res := PreInferenceResult{
		CorrelationID:   correlationID,
		Accepted:        v.Accepted,
		Reason:          v.Reason,
		SanitizedPrompt: v.SanitizedPrompt,
		RiskScore:       v.RiskScore,
		PIIRedactions:   v.PIIRedactions,
	}
	if !v.Accepted {
		return res, wrap(v.Err())
	}
	res.Parameters = req.Parameters
	return res, nil
}

// PostInference redacts PII from a completion. The session must still be
// active but no request quota is consumed.
func (b *Boundary) PostInference(resp Response) (PostInferenceResult, error) {
	if b.isClosed() {
		return PostInferenceResult{}, wrap(ErrClosed)
	}
	s, state := b.auth.Inspect(resp.SessionID)
	switch state {
	case auth.StateActive:
	case auth.StateLocked:
		return PostInferenceResult{}, wrap(auth.ErrLocked)
	default:
		return PostInferenceResult{}, wrap(auth.ErrSessionExpired)
	}

	v := b.pipeline.CheckOutput(safety.OutputRequest{
		CorrelationID: resp.CorrelationID,
		Identity:      s.Identity,
		SessionRef:    util.RefForLog(s.ID),
		Output:        resp.Output,
	})
	return PostInferenceResult{
		SanitizedOutput: v.SanitizedOutput,
		PIIFound:        v.PIIFound,
		Redactions:      v.Redactions,
	}, nil
}

// =============================================================================
// MODEL VAULT
// =============================================================================

// Unlock derives the key from passphrase and enables model operations. The
// passphrase slice is zeroed. Failure is fatal for callers that need models.
func (b *Boundary) Unlock(passphrase []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		crypto.ZeroBytes(passphrase)
		return wrap(ErrClosed)
	}
	if b.vault != nil {
		crypto.ZeroBytes(passphrase)
		return wrap(ErrAlreadyUnlocked)
	}

	km, err := b.keys.Unlock(passphrase)
	if err != nil {
		return wrap(err)
	}
	b.km = km
	b.vault = vault.New(km, b.ledger, vault.WithRecorder(b.sink), vault.WithLogger(b.logger))

	if b.cfg.Vault.WatchSalt {
		w, err := crypto.WatchSalt(b.keys.SaltPath(), b.sink, b.logger)
		if err != nil {
			// The vault still works; only tamper detection is lost.
			b.logger.Warn().Err(err).Msg("salt watcher unavailable")
		} else {
			b.watcher = w
		}
	}
	return nil
}

func (b *Boundary) currentVault() (*vault.Vault, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.vault == nil {
		return nil, ErrVaultLocked
	}
	return b.vault, nil
}

// LoadModel reads and decrypts a sealed model.
func (b *Boundary) LoadModel(path string) ([]byte, error) {
	v, err := b.currentVault()
	if err != nil {
		return nil, wrap(err)
	}
	data, err := v.LoadModel(path)
	return data, wrap(err)
}

// SaveModel seals data and writes it to path.
func (b *Boundary) SaveModel(path string, data []byte) error {
	v, err := b.currentVault()
	if err != nil {
		return wrap(err)
	}
	return wrap(v.SaveModel(path, data))
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func (b *Boundary) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close destroys key material, exports metrics and closes the audit trail.
// The sink closes last so shutdown itself is audited.
func (b *Boundary) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	km, watcher := b.km, b.watcher
	b.km, b.vault, b.watcher = nil, nil, nil
	b.mu.Unlock()

	var g errgroup.Group
	if watcher != nil {
		g.Go(watcher.Close)
	}
	if km != nil {
		g.Go(func() error {
			km.Destroy()
			return nil
		})
	}
	g.Go(func() error {
		n := b.auth.Sweep()
		b.logger.Debug().Int("expired", n).Msg("swept sessions")
		return nil
	})
	errs := []error{g.Wait()}

	stats := b.auth.Stats()
	b.sink.Record(audit.Event{
		Severity: audit.SeverityInfo,
		Category: audit.CategorySystem,
		Action:   "SHUTDOWN",
		Outcome:  audit.OutcomeSuccess,
		Detail: map[string]string{
			"active_sessions": strconv.Itoa(stats.ActiveSessions),
			"key_destroyed":   strconv.FormatBool(km != nil),
		},
	})

	if b.metrics != nil {
		b.metrics.SetAuthStats(stats)
		b.metrics.SetAuditStats(b.sink.Stats())
		if path := b.cfg.Metrics.TextfilePath; path != "" {
			if err := b.metrics.WriteTextfile(path); err != nil {
				errs = append(errs, fmt.Errorf("write metrics: %w", err))
			}
		}
	}

	if err := b.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit sink: %w", err))
	}
	if b.archive != nil {
		if err := b.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit archive: %w", err))
		}
	}
	return errors.Join(errs...)
}
