// ABOUTME: Tests for the credential manager over a real SQLite store
// ABOUTME: Covers URL resolution, expiry, replacement, verification and elicitation

package credentials

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupManager(t *testing.T) (*Manager, *store.CredentialStore, *testClock) {
	t.Helper()
	s, err := store.NewCredentialStore(filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := newTestClock()
	m, err := NewManager(Config{Store: s, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, s, clock
}

func TestNewManager_RequiresStore(t *testing.T) {
	_, err := NewManager(Config{})
	require.Error(t, err)
}

func TestNewManager_CacheUnboundedByDefault(t *testing.T) {
	m, _, _ := setupManager(t)
	assert.Equal(t, 0, m.cache.maxSize)
}

func TestHashValue(t *testing.T) {
	h := HashValue("session=abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashValue("session=abc"))
	assert.NotEqual(t, h, HashValue("session=abd"))
}

func TestStoreCredential_NeverPersistsPlaintext(t *testing.T) {
	m, s, _ := setupManager(t)
	ctx := context.Background()

	c, err := m.StoreCredential(ctx, "www.Example.com", "", "session=abc", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, DefaultCredentialType, c.CredentialType)

	got, err := s.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, HashValue("session=abc"), got.ValueHash)
	assert.NotContains(t, got.ValueHash, "session")

	entries, err := s.ListAudit(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditStore, entries[0].Action)
}

func TestStoreCredential_Invalid(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.StoreCredential(ctx, "", "cookie", "v", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = m.StoreCredential(ctx, "example.com", "cookie", "", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGetCredentialForURL_MatchesNormalizedHost(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	_, err := m.StoreCredential(ctx, "example.com", "cookie", "session=abc", nil, nil)
	require.NoError(t, err)

	r, err := m.GetCredentialForURL(ctx, "https://www.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "example.com", r.Domain)
	assert.True(t, r.HasValue)
	assert.Equal(t, "session=abc", r.Value)
	assert.Equal(t, 1, r.UseCount)
	require.NotNil(t, r.LastUsedAt)
}

func TestGetCredentialForURL_FallsBackToParentDomain(t *testing.T) {
	m, s, clock := setupManager(t)
	ctx := context.Background()

	c, err := m.StoreCredential(ctx, "example.org", "api_key", "k-123", nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)

	r, err := m.GetCredentialForURL(ctx, "https://journals.example.org/article/1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, r.ID)

	entries, err := s.ListAudit(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditUse, entries[0].Action)
	assert.Equal(t, "https://journals.example.org/article/1", entries[0].Detail["url"])
}

func TestGetCredentialForURL_NotFound(t *testing.T) {
	m, _, _ := setupManager(t)

	_, err := m.GetCredentialForURL(context.Background(), "https://unknown.example")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetCredentialForURL(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGetCredentialForURL_ExpiredIsRemoved(t *testing.T) {
	m, s, clock := setupManager(t)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour)
	c, err := m.StoreCredential(ctx, "example.com", "cookie", "v", &exp, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = m.GetCredentialForURL(ctx, "https://example.com/")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCredential(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := s.ListAudit(ctx, c.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditExpire, entries[0].Action)
}

func TestStoreCredential_ReplacesAndEvictsOldValue(t *testing.T) {
	m, s, _ := setupManager(t)
	ctx := context.Background()

	first, err := m.StoreCredential(ctx, "example.com", "cookie", "old", nil, nil)
	require.NoError(t, err)
	second, err := m.StoreCredential(ctx, "example.com", "cookie", "new", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, ok := m.cache.get(first.ID)
	assert.False(t, ok)

	all, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	r, err := m.GetCredentialForURL(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "new", r.Value)
}

func TestGetCredentialForURL_PlaintextUnavailableAfterRestart(t *testing.T) {
	m, s, clock := setupManager(t)
	ctx := context.Background()

	_, err := m.StoreCredential(ctx, "example.com", "cookie", "v", nil, nil)
	require.NoError(t, err)

	restarted, err := NewManager(Config{Store: s, Now: clock.Now})
	require.NoError(t, err)
	defer restarted.Close()

	r, err := restarted.GetCredentialForURL(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, r.HasValue)
	assert.Empty(t, r.Value)
}

func TestVerify(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour)
	c, err := m.StoreCredential(ctx, "example.com", "token", "t0ken", &exp, nil)
	require.NoError(t, err)

	ok, err := m.Verify(ctx, c.ID, "t0ken")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Verify(ctx, c.ID, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Hour)
	ok, err = m.Verify(ctx, c.ID, "t0ken")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Verify(ctx, "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCredential(t *testing.T) {
	m, s, clock := setupManager(t)
	ctx := context.Background()

	c, err := m.StoreCredential(ctx, "example.com", "cookie", "v", nil, nil)
	require.NoError(t, err)
	clock.Advance(time.Second)

	ok, err := m.DeleteCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, cached := m.cache.get(c.ID)
	assert.False(t, cached)

	ok, err = m.DeleteCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := s.ListAudit(ctx, c.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditDelete, entries[0].Action)
}

func TestPurgeExpired(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()

	soon := clock.Now().Add(time.Minute)
	later := clock.Now().Add(48 * time.Hour)
	_, err := m.StoreCredential(ctx, "a.example", "cookie", "1", &soon, nil)
	require.NoError(t, err)
	_, err = m.StoreCredential(ctx, "b.example", "cookie", "2", &later, nil)
	require.NoError(t, err)
	_, err = m.StoreCredential(ctx, "c.example", "cookie", "3", nil, nil)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := m.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestElicitCredential_StoresAnswer(t *testing.T) {
	m, _, clock := setupManager(t)
	ctx := context.Background()

	var seen *elicitation.Request
	router := elicitation.NewRouter(elicitation.RouterConfig{})
	router.Register(elicitation.TargetMCP, elicitation.HandlerFunc(func(_ context.Context, req *elicitation.Request) (map[string]any, error) {
		seen = req
		return map[string]any{"value": "session=xyz", "expiresInHours": 2.0}, nil
	}))

	r, err := m.ElicitCredential(ctx, "https://www.paywall.example/article", router, "Needed to read the article.", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "session=xyz", r.Value)
	assert.Equal(t, "paywall.example", r.Domain)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, clock.Now().Add(2*time.Hour), *r.ExpiresAt)

	require.NotNil(t, seen)
	assert.Equal(t, "paywall.example", seen.Context["domain"])
	assert.Equal(t, []string{"value"}, seen.Schema.Required)
	assert.Contains(t, seen.Message, "Needed to read the article.")

	got, err := m.GetCredentialForURL(ctx, "paywall.example")
	require.NoError(t, err)
	assert.Equal(t, "session=xyz", got.Value)
}

func TestElicitCredential_DefaultedIsNotProvided(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	// No handler registered.
	router := elicitation.NewRouter(elicitation.RouterConfig{})
	_, err := m.ElicitCredential(ctx, "https://example.com", router, "", "cookie", time.Second)
	assert.ErrorIs(t, err, ErrNotProvided)

	router.Register(elicitation.TargetCLI, elicitation.HandlerFunc(func(context.Context, *elicitation.Request) (map[string]any, error) {
		return map[string]any{"value": "   "}, nil
	}))
	_, err = m.ElicitCredential(ctx, "https://example.com", router, "", "cookie", time.Second)
	assert.ErrorIs(t, err, ErrNotProvided)

	all, err := m.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
