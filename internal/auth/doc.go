// Package auth provides bearer-token authentication for the deepr MCP server.
//
// # Tokens
//
// Clients authenticate with HS256 JWTs signed with the configured jwt_secret:
//
//	Authorization: Bearer <token>
//
// The "sub" claim names the caller. Tokens are minted by the token command of
// the deepr-mcp binary.
//
// # HTTP Middleware
//
// BearerMiddleware verifies the token and stores the subject in the request
// context, where handlers read it with SubjectFromContext. When no verifier is
// configured the middleware passes requests through unchanged.
package auth
