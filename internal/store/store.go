// ABOUTME: Shared sentinel errors and record types for deepr persistence
// ABOUTME: Defines JobRecord, Credential and CredentialAuditEntry

package store

import (
	"errors"
	"time"

	"github.com/2389/deepr-mcp/internal/jobs"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// RestartError is stamped on jobs reconciled by MarkIncompleteAsFailed.
const RestartError = "server restarted while job was in progress"

// JobRecord is one persisted job. Plan and Beliefs are nil when their rows are
// absent.
type JobRecord struct {
	State   jobs.JobState
	Plan    *jobs.JobPlan
	Beliefs *jobs.JobBeliefs
}

// Credential is a gated-content credential. Only the hash of the value is
// stored; the plaintext never reaches the database.
type Credential struct {
	ID             string         `json:"id"`
	Domain         string         `json:"domain"`
	CredentialType string         `json:"credential_type"`
	ValueHash      string         `json:"value_hash"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastUsedAt     *time.Time     `json:"last_used_at,omitempty"`
	UseCount       int            `json:"use_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the credential has an expiry at or before now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
