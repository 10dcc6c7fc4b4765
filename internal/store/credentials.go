// ABOUTME: SQLite store for gated-content credentials, holding value hashes only
// ABOUTME: One credential per (domain, credential_type); expired rows are purged on demand

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CredentialStore persists credentials and their audit trail in a database
// separate from jobs.
type CredentialStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCredentialStore opens the credential database at path.
func NewCredentialStore(path string) (*CredentialStore, error) {
	logger := slog.Default().With("component", "credential_store")

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &CredentialStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("credential store initialized", "path", path)
	return s, nil
}

func (s *CredentialStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			id              TEXT PRIMARY KEY,
			domain          TEXT NOT NULL,
			credential_type TEXT NOT NULL,
			value_hash      TEXT NOT NULL,
			expires_at      TEXT,
			created_at      TEXT NOT NULL,
			last_used_at    TEXT,
			use_count       INTEGER NOT NULL DEFAULT 0,
			metadata_json   TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_domain_type
			ON credentials(domain, credential_type);
		CREATE INDEX IF NOT EXISTS idx_credentials_expires ON credentials(expires_at);

		CREATE TABLE IF NOT EXISTS credential_audit (
			audit_id      TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			domain        TEXT NOT NULL,
			action        TEXT NOT NULL,
			ts            TEXT NOT NULL,
			detail_json   TEXT,

			CHECK (action IN ('store', 'use', 'delete', 'expire'))
		);

		CREATE INDEX IF NOT EXISTS idx_credential_audit_ts ON credential_audit(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_credential_audit_credential ON credential_audit(credential_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *CredentialStore) Close() error {
	s.logger.Info("closing credential store")
	return s.db.Close()
}

// PutCredential inserts c, replacing any credential with the same domain and
// type. It returns the ID of the replaced credential, or "" when none existed.
// An empty c.ID is filled with a new UUID.
func (s *CredentialStore) PutCredential(ctx context.Context, c *Credential) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var metadata any
	if c.Metadata != nil {
		data, err := json.Marshal(c.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshaling metadata: %w", err)
		}
		metadata = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var replaced string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM credentials WHERE domain = ? AND credential_type = ?`,
		c.Domain, c.CredentialType,
	).Scan(&replaced)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("querying existing credential: %w", err)
	}
	if replaced != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, replaced); err != nil {
			return "", fmt.Errorf("deleting replaced credential: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, domain, credential_type, value_hash, expires_at, created_at,
			last_used_at, use_count, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.Domain,
		c.CredentialType,
		c.ValueHash,
		nullTime(c.ExpiresAt),
		formatTime(c.CreatedAt),
		nullTime(c.LastUsedAt),
		c.UseCount,
		metadata,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return "", fmt.Errorf("credential %q already exists: %w", c.ID, err)
		}
		return "", fmt.Errorf("inserting credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing credential: %w", err)
	}

	s.logger.Debug("stored credential", "id", c.ID, "domain", c.Domain, "type", c.CredentialType, "replaced", replaced)
	return replaced, nil
}

const credentialColumns = `id, domain, credential_type, value_hash, expires_at, created_at,
	last_used_at, use_count, metadata_json`

// GetCredential retrieves a credential by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *CredentialStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// FindCredential returns the credential for domain. An empty credentialType
// matches any type, newest first.
// Returns ErrNotFound if none matches.
func (s *CredentialStore) FindCredential(ctx context.Context, domain, credentialType string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE domain = ? AND (? = '' OR credential_type = ?)
		ORDER BY created_at DESC
		LIMIT 1
	`, domain, credentialType, credentialType)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

// ListCredentials returns every credential ordered by domain then type.
func (s *CredentialStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY domain, credential_type`)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return out, nil
}

// RecordUse increments the use count and stamps last_used_at.
// Returns ErrNotFound if the credential doesn't exist.
func (s *CredentialStore) RecordUse(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET use_count = use_count + 1, last_used_at = ? WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("recording credential use: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCredential removes a credential. Returns false when none matched.
func (s *CredentialStore) DeleteCredential(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes credentials whose expiry is at or before now and
// returns the removed credentials.
func (s *CredentialStore) DeleteExpired(ctx context.Context, now time.Time) ([]*Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := formatTime(now)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired credentials: %w", err)
	}
	expired := []*Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expired credentials: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff,
	); err != nil {
		return nil, fmt.Errorf("deleting expired credentials: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purge: %w", err)
	}
	return expired, nil
}

func scanCredential(scanner interface{ Scan(dest ...any) error }) (*Credential, error) {
	var (
		c                           Credential
		expiresAt, lastUsedAt, meta sql.NullString
		createdAt                   string
	)
	err := scanner.Scan(
		&c.ID, &c.Domain, &c.CredentialType, &c.ValueHash, &expiresAt, &createdAt,
		&lastUsedAt, &c.UseCount, &meta,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		c.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t, err := parseTime(lastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		c.LastUsedAt = &t
	}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &c, nil
}
