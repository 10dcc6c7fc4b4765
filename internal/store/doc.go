// Package store persists deepr state in SQLite via modernc.org/sqlite.
//
// # Databases
//
// Two database files are kept apart:
//
//   - JobStore: jobs, job_plans and job_beliefs. Child rows cascade on job
//     delete. It implements jobs.Persister so the job manager mirrors every
//     committed mutation here.
//   - CredentialStore: credentials (unique on domain and credential_type) and
//     the credential_audit trail. Only value hashes are stored.
//
// Both run in WAL mode with foreign keys on. Timestamps are stored as
// fixed-width RFC3339 text in UTC.
//
// # Crash recovery
//
// JobStore.MarkIncompleteAsFailed moves every job outside completed, failed
// or cancelled to failed with RestartError. The MCP handler calls it before
// restoring the job manager, so no job stays stuck mid-phase after a crash.
//
// # Migrations
//
// Columns added after the first schema are applied by runMigrations, which
// checks pragma_table_info before each ALTER TABLE.
package store
