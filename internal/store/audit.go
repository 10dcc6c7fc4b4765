// ABOUTME: Credential audit trail recording store, use, delete and expire events
// ABOUTME: Entries are append-only and listed newest first

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction is an auditable credential event.
type AuditAction string

const (
	AuditStore  AuditAction = "store"
	AuditUse    AuditAction = "use"
	AuditDelete AuditAction = "delete"
	AuditExpire AuditAction = "expire"
)

// AuditEntry is one credential audit record.
type AuditEntry struct {
	ID           string
	CredentialID string
	Domain       string
	Action       AuditAction
	Timestamp    time.Time
	Detail       map[string]any
}

// AppendAudit appends e to the credential audit log.
// Generates ID and Timestamp if not set.
func (s *CredentialStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_audit (audit_id, credential_id, domain, action, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.CredentialID,
		e.Domain,
		string(e.Action),
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended credential audit", "id", e.ID, "credential_id", e.CredentialID, "action", e.Action)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// ListAudit returns audit entries newest first. An empty credentialID lists
// entries for every credential.
func (s *CredentialStore) ListAudit(ctx context.Context, credentialID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, credential_id, domain, action, ts, detail_json
		FROM credential_audit
		WHERE (? = '' OR credential_id = ?)
		ORDER BY ts DESC
		LIMIT ?
	`, credentialID, credentialID, normalizeAuditLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e          AuditEntry
			action, ts string
			detailJSON *string
		)
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.Domain, &action, &ts, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
