package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgov-io/warden/internal/audit"
	"github.com/leadgov-io/warden/internal/guard"
	"github.com/leadgov-io/warden/internal/llm"
	"github.com/leadgov-io/warden/internal/profile"
	"github.com/leadgov-io/warden/internal/role"
)

const testSigningKey = "test-signing-key-0123456789abcdef01"

type stubRoleStore struct {
	roles map[string]role.Role
}

func (s *stubRoleStore) Lookup(_ context.Context, phone string) (role.Role, error) {
	if r, ok := s.roles[phone]; ok {
		return r, nil
	}
	return role.RoleUnknown, nil
}

func (s *stubRoleStore) Update(_ context.Context, phone string, r role.Role) error {
	s.roles[phone] = r
	return nil
}

type mockProvider struct {
	calls   atomic.Int64
	content string
	err     error
	failN   atomic.Int64 // fail this many calls before succeeding
	lastReq *llm.Request
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.calls.Add(1)
	p.lastReq = req
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.failN.Load() > 0 {
		p.failN.Add(-1)
		return nil, fmt.Errorf("%w: transient", llm.ErrGeneration)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.content, FinishReason: "stop"}, nil
}

const testKeywordsYAML = `
topics:
  payout:
    - payout
    - commission
  pricing:
    - price
    - cost
  project:
    - project
    - amenities
`

func testRegistry(t *testing.T) *profile.Registry {
	t.Helper()
	buyer, err := profile.New(role.RoleBuyer, "Residential Sales Expert", "",
		[]string{"pricing"}, []string{"payout"},
		map[string]string{"pricing": "Units start at 85L."})
	require.NoError(t, err)
	partner, err := profile.New(role.RoleChannelPartner, "Partner Desk", "",
		[]string{"payout"}, []string{"pricing"}, nil)
	require.NoError(t, err)
	enquiry, err := profile.New(role.RoleEnquiry, "General Enquiry Specialist", "",
		[]string{"project"}, []string{"payout", "pricing"},
		map[string]string{"project": "Aurora Heights has a clubhouse and pool."})
	require.NoError(t, err)
	unknown, err := profile.New(role.RoleUnknown, "General Assistant", "",
		nil, []string{"pricing", "payout"}, nil)
	require.NoError(t, err)
	return profile.NewRegistry(map[role.Role]*profile.BotProfile{
		role.RoleBuyer:          buyer,
		role.RoleChannelPartner: partner,
		role.RoleEnquiry:        enquiry,
		role.RoleUnknown:        unknown,
	})
}

type testEnv struct {
	manager  *Manager
	provider *mockProvider
	audit    *audit.Store
	roles    *stubRoleStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	km, err := guard.ParseKeywords([]byte(testKeywordsYAML))
	require.NoError(t, err)
	g, err := guard.New(ctx, km)
	require.NoError(t, err)

	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	roles := &stubRoleStore{roles: map[string]role.Role{
		"9876543210": role.RoleBuyer,
		"9876500000": role.RoleChannelPartner,
		"9876511111": role.RoleEnquiry,
	}}
	provider := &mockProvider{content: "Units start at 85L for a 2BHK."}

	m := NewManager(Config{
		Roles:             roles,
		Registry:          testRegistry(t),
		Guard:             g,
		Provider:          provider,
		Audit:             store,
		Logger:            zerolog.Nop(),
		Model:             "gpt-4o-mini",
		MessagesPerMinute: 60,
		IdleTimeout:       30 * time.Minute,
	})
	return &testEnv{manager: m, provider: provider, audit: store, roles: roles}
}

func TestBindResolvesRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, role.RoleBuyer, s.Role)
	assert.NotEmpty(t, s.ID)

	// Bind writes SESSION_START before the session is usable.
	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.TypeSessionStart, entries[0].EntryType)
	assert.Equal(t, int64(1), entries[0].Seq)
}

func TestBindUnknownPhone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// An unlisted phone resolves to UNKNOWN every time, never an error.
	for i := 0; i < 2; i++ {
		s, err := env.manager.Bind(ctx, "9999999999")
		require.NoError(t, err)
		assert.Equal(t, role.RoleUnknown, s.Role)
	}

	// The UNKNOWN profile is maximally restrictive: finance and partner
	// questions refuse without reaching the provider.
	s, err := env.manager.Bind(ctx, "9999999999")
	require.NoError(t, err)
	for _, msg := range []string{"what is the price", "what is my commission payout"} {
		reply, err := env.manager.HandleMessage(ctx, s.ID, msg)
		require.NoError(t, err)
		assert.True(t, reply.Refused)
	}
	assert.Equal(t, int64(0), env.provider.calls.Load())
}

func TestHandleMessageUsesOnlyBoundVault(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876511111")
	require.NoError(t, err)
	assert.Equal(t, role.RoleEnquiry, s.Role)

	reply, err := env.manager.HandleMessage(ctx, s.ID, "tell me about the project amenities")
	require.NoError(t, err)
	assert.False(t, reply.Refused)
	assert.Equal(t, int64(1), env.provider.calls.Load())

	require.NotNil(t, env.provider.lastReq)
	require.NotEmpty(t, env.provider.lastReq.Messages)
	system := env.provider.lastReq.Messages[0].Content
	assert.Contains(t, system, "Aurora Heights has a clubhouse and pool.")
	assert.NotContains(t, system, "Units start at 85L.")
}

func TestBindMissingProfileFails(t *testing.T) {
	env := newTestEnv(t)
	env.roles.roles["123"] = role.RoleSiteVisit // no profile registered

	_, err := env.manager.Bind(context.Background(), "123")
	assert.ErrorIs(t, err, profile.ErrProfileNotFound)
}

func TestHandleMessageAllowed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	reply, err := env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.NoError(t, err)
	assert.False(t, reply.Refused)
	assert.Equal(t, "Units start at 85L for a 2BHK.", reply.Content)
	assert.Equal(t, int64(1), env.provider.calls.Load())

	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	last := entries[1]
	assert.Equal(t, audit.TypeMessage, last.EntryType)
	assert.Equal(t, "What is the price of a 2BHK?", last.Query)
	assert.Equal(t, reply.Content, last.Response)
	assert.False(t, last.ViolationFlag)
	assert.Equal(t, reply.Seq, last.Seq)
}

func TestHandleMessageBannedNeverReachesProvider(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	reply, err := env.manager.HandleMessage(ctx, s.ID, "what is the payout on this deal")
	require.NoError(t, err)
	assert.True(t, reply.Refused)
	assert.Equal(t, guard.RefusalBannedTopic, reply.RefusalCode)
	assert.Contains(t, reply.Content, "payout")
	assert.Equal(t, int64(0), env.provider.calls.Load())

	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].ViolationFlag)
	assert.Equal(t, guard.RefusalBannedTopic, entries[1].RefusalCode)
	assert.Empty(t, entries[1].Response)
}

func TestHandleMessageEmptyAllowed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	reply, err := env.manager.HandleMessage(ctx, s.ID, "   ")
	require.NoError(t, err)
	assert.False(t, reply.Refused)
}

func TestHandleMessageRetriesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	env.provider.failN.Store(1)
	reply, err := env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.NoError(t, err)
	assert.False(t, reply.Refused)
	assert.Equal(t, int64(2), env.provider.calls.Load())
}

func TestHandleMessageTimeoutAudited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	env.provider.err = llm.ErrGenerationTimeout
	_, err = env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.ErrorIs(t, err, llm.ErrGenerationTimeout)
	assert.Equal(t, int64(1), env.provider.calls.Load(), "timeouts are not retried")

	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, RefusalGenerationCancelled, entries[1].RefusalCode)
	assert.Empty(t, entries[1].Response)
}

func TestHandleMessageFailureAudited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	// Both the call and its retry fail; the round trip must still leave a
	// trail entry even though no response was delivered.
	env.provider.failN.Store(2)
	_, err = env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.ErrorIs(t, err, llm.ErrGeneration)
	assert.Equal(t, int64(2), env.provider.calls.Load())

	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.TypeMessage, entries[1].EntryType)
	assert.Equal(t, RefusalGenerationFailed, entries[1].RefusalCode)
	assert.Empty(t, entries[1].Response)
	assert.False(t, entries[1].ViolationFlag)
}

func TestHandleMessageAuditFailureBlocksReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	require.NoError(t, env.audit.Close())

	_, err = env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrAuditWrite)
}

func TestRoleFixedForSessionLifetime(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)
	require.Equal(t, role.RoleBuyer, s.Role)

	// Correcting the mapping mid-session leaves the live session untouched.
	require.NoError(t, env.roles.Update(ctx, "9876543210", role.RoleChannelPartner))

	reply, err := env.manager.HandleMessage(ctx, s.ID, "what is the payout on this deal")
	require.NoError(t, err)
	assert.True(t, reply.Refused, "live session keeps its bound role's bans")
	assert.Equal(t, role.RoleBuyer, reply.Role)

	// The next bind sees the correction.
	s2, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, role.RoleChannelPartner, s2.Role)
}

func TestProfileReloadAffectsNextBindOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)
	oldProfile := s.Profile

	updated, err := profile.New(role.RoleBuyer, "New Sales Desk", "",
		[]string{"pricing"}, []string{"payout"}, nil)
	require.NoError(t, err)
	env.manager.registry.Reload(map[role.Role]*profile.BotProfile{role.RoleBuyer: updated})

	assert.Same(t, oldProfile, s.Profile)
	assert.Equal(t, "Residential Sales Expert", s.Profile.Identity)

	s2, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)
	assert.Equal(t, "New Sales Desk", s2.Profile.Identity)
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	km, err := guard.ParseKeywords([]byte(testKeywordsYAML))
	require.NoError(t, err)
	g, err := guard.New(ctx, km)
	require.NoError(t, err)

	m := NewManager(Config{
		Roles:             env.roles,
		Registry:          testRegistry(t),
		Guard:             g,
		Provider:          env.provider,
		Audit:             env.audit,
		Logger:            zerolog.Nop(),
		Model:             "gpt-4o-mini",
		MessagesPerMinute: 1,
	})
	s, err := m.Bind(ctx, "9876543210")
	require.NoError(t, err)

	_, err = m.HandleMessage(ctx, s.ID, "hello")
	require.NoError(t, err)

	_, err = m.HandleMessage(ctx, s.ID, "hello again")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFailClosedGuard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	env.manager.SetGuard(guard.NewFailClosed())

	reply, err := env.manager.HandleMessage(ctx, s.ID, "What is the price of a 2BHK?")
	require.NoError(t, err)
	assert.True(t, reply.Refused)
	assert.Equal(t, guard.RefusalConfigMissing, reply.RefusalCode)
	assert.Equal(t, int64(0), env.provider.calls.Load())

	// A fail-closed refusal is a violation like any other guard refusal.
	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, guard.RefusalConfigMissing, entries[1].RefusalCode)
	assert.True(t, entries[1].ViolationFlag)
}

func TestLogoutAndSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s, err := env.manager.Bind(ctx, "9876543210")
	require.NoError(t, err)

	require.NoError(t, env.manager.Logout(ctx, s.ID))
	_, err = env.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = env.manager.Logout(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	entries, err := env.audit.ListBySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.TypeSessionEnd, entries[len(entries)-1].EntryType)

	// Sweep closes idle sessions.
	s2, err := env.manager.Bind(ctx, "9876500000")
	require.NoError(t, err)
	env.manager.mu.Lock()
	env.manager.sessions[s2.ID].session.LastActivity = time.Now().UTC().Add(-time.Hour)
	env.manager.mu.Unlock()

	assert.Equal(t, 1, env.manager.SweepIdle(ctx))
	assert.Equal(t, 0, env.manager.Count())
}

func TestSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.HandleMessage(context.Background(), "nope", "hi")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}
