package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/guard"
	"github.com/leadgov-io/warden/internal/llm"
	wardenotel "github.com/leadgov-io/warden/internal/otel"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
)

var tracer = wardenotel.Tracer("github.com/leadgov-io/warden/internal/session")

// Outcome codes recorded when generation produces no answer after the
// message already passed the guard.
const (
	// RefusalGenerationCancelled marks cancellations and timeouts.
	RefusalGenerationCancelled = "generation_cancelled"
	// RefusalGenerationFailed marks provider errors that exhausted the retry.
	RefusalGenerationFailed = "generation_failed"
)

type liveSession struct {
	session *Session
	limiter *rate.Limiter
}

// Manager owns the bind → guard → generate → audit pipeline. One Manager
// serves all concurrent sessions.
type Manager struct {
	roles    role.Store
	registry *profile.Registry
	guard    atomic.Pointer[guard.Guard]
	provider llm.Provider
	audit    *audit.Store
	log      zerolog.Logger

	model             string
	messagesPerMinute int
	idleTimeout       time.Duration

	mu       sync.RWMutex
	sessions map[string]*liveSession
}

// Config carries Manager construction parameters.
type Config struct {
	Roles             role.Store
	Registry          *profile.Registry
	Guard             *guard.Guard
	Provider          llm.Provider
	Audit             *audit.Store
	Logger            zerolog.Logger
	Model             string
	MessagesPerMinute int
	IdleTimeout       time.Duration
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 20
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	m := &Manager{
		roles:             cfg.Roles,
		registry:          cfg.Registry,
		provider:          cfg.Provider,
		audit:             cfg.Audit,
		log:               cfg.Logger,
		model:             cfg.Model,
		messagesPerMinute: cfg.MessagesPerMinute,
		idleTimeout:       cfg.IdleTimeout,
		sessions:          make(map[string]*liveSession),
	}
	m.guard.Store(cfg.Guard)
	return m
}

// SetGuard swaps the active guard. Used after keyword reloads; in-flight
// checks finish on the guard they started with.
func (m *Manager) SetGuard(g *guard.Guard) {
	m.guard.Store(g)
}

// Bind resolves the phone to a role, attaches that role's profile, and opens
// a session. An unresolved phone binds as UNKNOWN; a role with no registered
// profile is a configuration error and fails the bind.
//
// The SESSION_START audit entry is durable before the session is visible.
func (m *Manager) Bind(ctx context.Context, phone string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "session.bind")
	defer span.End()

	r, err := m.roles.Lookup(ctx, phone)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolving role for bind: %w", err)
	}

	p, err := m.registry.Get(r)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New().String(),
		Phone:        phone,
		Role:         r,
		Profile:      p,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := m.audit.Record(ctx, &audit.Entry{
		SessionID: s.ID,
		Role:      s.Role,
		EntryType: audit.TypeSessionStart,
	}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	perSecond := rate.Limit(float64(m.messagesPerMinute) / 60.0)
	burst := m.messagesPerMinute
	if burst < 1 {
		burst = 1
	}

	m.mu.Lock()
	m.sessions[s.ID] = &liveSession{
		session: s,
		limiter: rate.NewLimiter(perSecond, burst),
	}
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("session_id", s.ID),
		attribute.String("role", string(s.Role)),
	)
	m.log.Info().
		Str("session_id", s.ID).
		Str("role", string(s.Role)).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("session bound")
	return s, nil
}

// Get returns the live session by ID.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ls.session, nil
}

// HandleMessage runs one message through the pipeline: rate limit, guard,
// generation, audit. The audit entry for the outcome is written before any
// reply is returned; if the write fails, no reply is delivered.
func (m *Manager) HandleMessage(ctx context.Context, sessionID, message string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "session.handle_message",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	m.mu.RLock()
	ls, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := ls.session

	if !ls.limiter.Allow() {
		span.SetAttributes(attribute.Bool("rate_limited", true))
		return nil, ErrRateLimited
	}

	m.mu.Lock()
	s.LastActivity = time.Now().UTC()
	m.mu.Unlock()

	decision, err := m.guard.Load().Check(ctx, s.Profile, message)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("guarding message: %w", err)
	}

	if !decision.Allowed {
		// Every guard refusal is a violation, fail-closed ones included.
		entry := &audit.Entry{
			SessionID:     s.ID,
			Role:          s.Role,
			EntryType:     audit.TypeMessage,
			Query:         message,
			RefusalCode:   decision.RefusalCode,
			ViolationFlag: true,
		}
		if err := m.audit.Record(ctx, entry); err != nil {
			span.RecordError(err)
			return nil, err
		}
		m.log.Warn().
			Str("session_id", s.ID).
			Str("role", string(s.Role)).
			Str("refusal_code", decision.RefusalCode).
			Str("topic", decision.Topic).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("message refused")
		return &Reply{
			SessionID:   s.ID,
			Role:        s.Role,
			Seq:         entry.Seq,
			Content:     guard.RefusalMessage(decision),
			Refused:     true,
			RefusalCode: decision.RefusalCode,
		}, nil
	}

	resp, err := m.generate(ctx, s, message)
	if err != nil {
		// The message passed the guard but produced no answer; the trail
		// still records that it was asked.
		code := RefusalGenerationFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrGenerationTimeout) {
			code = RefusalGenerationCancelled
		}
		if auditErr := m.audit.Record(ctx, &audit.Entry{
			SessionID:   s.ID,
			Role:        s.Role,
			EntryType:   audit.TypeMessage,
			Query:       message,
			RefusalCode: code,
		}); auditErr != nil {
			m.log.Error().Err(auditErr).Str("session_id", s.ID).Msg("audit write failed after failed generation")
		}
		span.RecordError(err)
		return nil, err
	}

	entry := &audit.Entry{
		SessionID: s.ID,
		Role:      s.Role,
		EntryType: audit.TypeMessage,
		Query:     message,
		Response:  resp.Content,
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &Reply{
		SessionID: s.ID,
		Role:      s.Role,
		Seq:       entry.Seq,
		Content:   resp.Content,
	}, nil
}

// generate calls the provider, retrying once on transient failure. Context
// cancellation and timeouts are not retried.
func (m *Manager) generate(ctx context.Context, s *Session, message string) (*llm.Response, error) {
	req := llm.BuildRequest(s.Profile, m.model, message)

	resp, err := m.provider.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrGenerationTimeout) {
		return nil, err
	}

	m.log.Warn().Err(err).Str("session_id", s.ID).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("generation failed, retrying once")
	resp, retryErr := m.provider.Generate(ctx, req)
	if retryErr != nil {
		return nil, fmt.Errorf("generation retry: %w", retryErr)
	}
	return resp, nil
}

// Logout closes a session, recording a SESSION_END entry.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "session.logout",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	m.mu.Lock()
	ls, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if err := m.audit.Record(ctx, &audit.Entry{
		SessionID: ls.session.ID,
		Role:      ls.session.Role,
		EntryType: audit.TypeSessionEnd,
	}); err != nil {
		return err
	}
	m.log.Info().Str("session_id", sessionID).Msg("session closed")
	return nil
}

// SweepIdle closes sessions with no activity for the idle timeout and
// returns how many were closed.
func (m *Manager) SweepIdle(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "session.sweep_idle")
	defer span.End()

	cutoff := time.Now().UTC().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, ls := range m.sessions {
		if ls.session.LastActivity.Before(cutoff) {
			expired = append(expired, ls.session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if err := m.audit.Record(ctx, &audit.Entry{
			SessionID: s.ID,
			Role:      s.Role,
			EntryType: audit.TypeSessionEnd,
		}); err != nil {
			m.log.Error().Err(err).Str("session_id", s.ID).Msg("audit write failed while sweeping idle session")
		}
	}

	if len(expired) > 0 {
		m.log.Info().Int("count", len(expired)).Msg("idle sessions closed")
	}
	span.SetAttributes(attribute.Int("expired", len(expired)))
	return len(expired)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
