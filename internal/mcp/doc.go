// Package mcp exposes the deepr state core over the Model Context Protocol.
//
// # Overview
//
// ResourceHandler is the composition root. It restores persisted jobs on
// startup (after marking interrupted ones failed) and serves four operations
// over deepr:// resources: read, list, subscribe and unsubscribe. It also
// drives job submission: creating the job, allocating its sandbox, asking for
// budget approval when the estimate is over budget, and publishing results
// when the job finishes.
//
// # Resources
//
//   - deepr://campaigns/{id}/{status|plan|beliefs}: live job state as JSON
//   - deepr://experts/{id}/{profile|beliefs|gaps}: from an ExpertSource
//   - deepr://reports/{id}/{final.md|summary.json}: files in reports_dir/{id}
//   - deepr://logs/{id}/{search_trace.json|decisions.md}: files in reports_dir/{id}
//
// # Protocol
//
// Server speaks JSON-RPC 2.0 over the Streamable HTTP transport:
//
//   - POST /mcp: initialize, resources/*, elicitation/respond, tools/*
//   - GET /mcp: SSE stream of resource notifications and elicitation requests
//   - DELETE /mcp: end the session and drop its subscriptions
//
// Every request after initialize carries the Mcp-Session-Id header.
//
// # Tools
//
// tools/call offers submit_job, list_jobs and finish_job. With a credential
// manager configured it also offers get_credential, list_credentials and
// delete_credential; get_credential can elicit a missing credential.
//
// # Authentication
//
// When a TokenVerifier is configured every request needs
//
//	Authorization: Bearer <token>
//
// and a session may only be used by the token that created it.
//
// # Elicitation
//
// Server.ElicitationHandler is registered with the elicitation router under
// the mcp target. Requests are pushed to every open SSE stream as
// elicitation/create notifications and answered with elicitation/respond.
// With no connected client the router falls back to fail-safe defaults at
// once.
package mcp
