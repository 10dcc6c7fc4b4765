// Package elicitation asks a human for structured input over whichever
// channel is available, and fails safe when nobody answers.
//
// A Router holds one Handler per Target. Route picks the preferred target if
// it has a handler, otherwise the first registered target in priority order
// (mcp, cli, web). The handler runs under the request timeout; a timeout,
// missing handler or handler error yields DefaultResponse with WasDefault set.
//
// DefaultResponse walks the typed Schema: explicit defaults first, then a
// safe enum value, then the first enum value, then the kind's zero value. A
// schema with a "decision" property always defaults that property to
// "abort".
package elicitation
