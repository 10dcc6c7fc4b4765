// Package gateway orchestrates the deepr-mcp server components.
//
// # Overview
//
// Gateway builds the state core from a config.Config and owns its lifecycle:
//
//   - job store and credential store (separate SQLite files)
//   - subscription, job, sandbox and credential managers
//   - the elicitation router, with the MCP server registered as the mcp
//     target and an optional terminal prompt as the cli target
//   - the resource handler and MCP HTTP server
//
// New restores persisted jobs before returning, so interrupted jobs are
// already marked failed when the first client connects.
//
// # HTTP Endpoints
//
//	GET  /health        liveness
//	GET  /health/ready  job and pending notification counts
//	POST /mcp           JSON-RPC
//	GET  /mcp           SSE stream
//	DELETE /mcp         end session
//
// # Lifecycle
//
// Run listens on server.addr and blocks until the context is canceled. While
// running, expired credentials are purged every ten minutes. Shutdown stops
// the HTTP server, ends MCP sessions, drains queued notifications and then
// closes both stores.
package gateway
