// ABOUTME: Credential manager storing hashed credentials with a plaintext memory cache
// ABOUTME: Resolves credentials by URL, elicits missing ones and audits every use

package credentials

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/store"
)

var (
	// ErrNotFound is returned when no unexpired credential matches.
	ErrNotFound = store.ErrNotFound

	// ErrInvalidCredential is returned for an empty domain, type or value.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNotProvided is returned when an elicited credential was not given.
	ErrNotProvided = errors.New("credential not provided")
)

const (
	// DefaultCredentialType applies when none is given.
	DefaultCredentialType = "cookie"

	// DefaultExpiresInHours is offered when eliciting a credential.
	DefaultExpiresInHours = 24.0

	defaultCacheSweep = time.Minute
)

// Store is the persistence the manager needs. *store.CredentialStore
// implements it.
type Store interface {
	PutCredential(ctx context.Context, c *store.Credential) (string, error)
	GetCredential(ctx context.Context, id string) (*store.Credential, error)
	FindCredential(ctx context.Context, domain, credentialType string) (*store.Credential, error)
	ListCredentials(ctx context.Context) ([]*store.Credential, error)
	RecordUse(ctx context.Context, id string, at time.Time) error
	DeleteCredential(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]*store.Credential, error)
	AppendAudit(ctx context.Context, e *store.AuditEntry) error
}

// Router routes elicitation requests. *elicitation.Router implements it.
type Router interface {
	Route(ctx context.Context, req *elicitation.Request, preferred elicitation.Target) *elicitation.Response
}

// Config configures a Manager.
type Config struct {
	Store Store
	// CacheSize bounds the number of plaintexts held in memory. Zero keeps
	// every plaintext until its credential expires, is deleted or the
	// manager closes.
	CacheSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Resolved is a credential together with its plaintext, when the plaintext
// is still held in memory.
type Resolved struct {
	*store.Credential
	Value    string
	HasValue bool
}

// Manager stores and resolves gated-content credentials.
type Manager struct {
	store  Store
	cache  *secretCache
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a credential manager over cfg.Store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("credential store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:  cfg.Store,
		cache:  newSecretCache(cfg.CacheSize, defaultCacheSweep, now),
		logger: logger.With("component", "credentials"),
		now:    now,
	}, nil
}

// Close drops every cached plaintext.
func (m *Manager) Close() {
	m.cache.close()
}

// HashValue returns the hex BLAKE2b-256 digest stored in place of value.
func HashValue(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// StoreCredential persists the hash of value for domain and caches the
// plaintext. A credential with the same domain and type is replaced.
func (m *Manager) StoreCredential(ctx context.Context, domain, credentialType, value string, expiresAt *time.Time, metadata map[string]any) (*store.Credential, error) {
	d := NormalizeDomain(domain)
	if d == "" {
		return nil, fmt.Errorf("%w: domain is required", ErrInvalidCredential)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: value is required", ErrInvalidCredential)
	}
	if credentialType == "" {
		credentialType = DefaultCredentialType
	}

	c := &store.Credential{
		Domain:         d,
		CredentialType: credentialType,
		ValueHash:      HashValue(value),
		ExpiresAt:      expiresAt,
		CreatedAt:      m.now().UTC(),
		Metadata:       metadata,
	}

	replaced, err := m.store.PutCredential(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	if replaced != "" {
		m.cache.remove(replaced)
	}
	m.cache.put(c.ID, value, expiresAt)

	m.audit(ctx, c, store.AuditStore, map[string]any{"type": credentialType, "replaced": replaced})
	m.logger.Info("credential stored", "id", c.ID, "domain", d, "type", credentialType)
	return c, nil
}

// GetCredentialForURL returns the credential for rawURL's host, falling back
// to its registrable domain. Expired credentials are deleted and skipped.
func (m *Manager) GetCredentialForURL(ctx context.Context, rawURL string) (*Resolved, error) {
	host, err := DomainFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	now := m.now()
	for _, domain := range candidateDomains(host) {
		c, err := m.store.FindCredential(ctx, domain, "")
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("finding credential: %w", err)
		}

		if c.Expired(now) {
			m.expire(ctx, c)
			continue
		}

		if err := m.store.RecordUse(ctx, c.ID, now.UTC()); err != nil {
			m.logger.Warn("failed to record credential use", "id", c.ID, "error", err)
		} else {
			c.UseCount++
			used := now.UTC()
			c.LastUsedAt = &used
		}
		m.audit(ctx, c, store.AuditUse, map[string]any{"url": rawURL})

		value, ok := m.cache.get(c.ID)
		return &Resolved{Credential: c, Value: value, HasValue: ok}, nil
	}
	return nil, ErrNotFound
}

// ElicitCredential asks a human for a credential for rawURL and stores it
// with an expiry of now plus the requested hours. A defaulted response or a
// blank value returns ErrNotProvided.
func (m *Manager) ElicitCredential(ctx context.Context, rawURL string, router Router, reason, credentialType string, timeout time.Duration) (*Resolved, error) {
	domain, err := DomainFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	if credentialType == "" {
		credentialType = DefaultCredentialType
	}

	schema := elicitation.Schema{
		Properties: map[string]elicitation.Property{
			"value": {
				Kind:        elicitation.KindString,
				Description: fmt.Sprintf("%s for %s", credentialType, domain),
			},
			"expiresInHours": {
				Kind:        elicitation.KindNumber,
				Description: "hours until the credential expires",
				Default:     DefaultExpiresInHours,
			},
		},
		Required: []string{"value"},
	}

	msg := fmt.Sprintf("Access to %s requires a %s.", domain, credentialType)
	if reason != "" {
		msg += " " + reason
	}
	req := elicitation.NewRequest(msg, schema, int(timeout/time.Second))
	req.Context["url"] = rawURL
	req.Context["domain"] = domain
	req.Context["credential_type"] = credentialType

	resp := router.Route(ctx, req, elicitation.TargetAuto)
	if resp == nil || resp.WasDefault {
		m.logger.Info("credential not provided", "domain", domain, "request_id", req.ID)
		return nil, ErrNotProvided
	}

	value := strings.TrimSpace(resp.String("value"))
	if value == "" {
		return nil, ErrNotProvided
	}

	hours, ok := resp.Number("expiresInHours")
	if !ok {
		hours = DefaultExpiresInHours
	}
	var expiresAt *time.Time
	if hours > 0 {
		t := m.now().UTC().Add(time.Duration(hours * float64(time.Hour)))
		expiresAt = &t
	}

	c, err := m.StoreCredential(ctx, domain, credentialType, value, expiresAt, map[string]any{
		"source": "elicitation",
		"url":    rawURL,
		"target": string(resp.Target),
	})
	if err != nil {
		return nil, err
	}
	return &Resolved{Credential: c, Value: value, HasValue: true}, nil
}

// DeleteCredential removes a credential and its cached plaintext.
func (m *Manager) DeleteCredential(ctx context.Context, id string) (bool, error) {
	m.cache.remove(id)

	existing, err := m.store.GetCredential(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading credential: %w", err)
	}

	ok, err := m.store.DeleteCredential(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		m.audit(ctx, existing, store.AuditDelete, nil)
		m.logger.Info("credential deleted", "id", id, "domain", existing.Domain)
	}
	return ok, nil
}

// ListCredentials returns every stored credential. Hashes only.
func (m *Manager) ListCredentials(ctx context.Context) ([]*store.Credential, error) {
	return m.store.ListCredentials(ctx)
}

// Verify reports whether candidate matches the stored hash for id, in
// constant time.
func (m *Manager) Verify(ctx context.Context, id, candidate string) (bool, error) {
	c, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return false, err
	}
	if c.Expired(m.now()) {
		return false, nil
	}
	got := HashValue(candidate)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.ValueHash)) == 1, nil
}

// PurgeExpired deletes every expired credential and returns how many were
// removed.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired credentials: %w", err)
	}
	for _, c := range expired {
		m.cache.remove(c.ID)
		m.audit(ctx, c, store.AuditExpire, nil)
	}
	if len(expired) > 0 {
		m.logger.Info("purged expired credentials", "count", len(expired))
	}
	return len(expired), nil
}

// expire deletes an expired credential found during lookup.
func (m *Manager) expire(ctx context.Context, c *store.Credential) {
	m.cache.remove(c.ID)
	if _, err := m.store.DeleteCredential(ctx, c.ID); err != nil {
		m.logger.Warn("failed to delete expired credential", "id", c.ID, "error", err)
		return
	}
	m.audit(ctx, c, store.AuditExpire, nil)
	m.logger.Info("expired credential removed", "id", c.ID, "domain", c.Domain)
}

// audit appends an audit entry. Failures are logged only.
func (m *Manager) audit(ctx context.Context, c *store.Credential, action store.AuditAction, detail map[string]any) {
	err := m.store.AppendAudit(ctx, &store.AuditEntry{
		CredentialID: c.ID,
		Domain:       c.Domain,
		Action:       action,
		Timestamp:    m.now().UTC(),
		Detail:       detail,
	})
	if err != nil {
		m.logger.Warn("failed to write credential audit", "id", c.ID, "action", action, "error", err)
	}
}
