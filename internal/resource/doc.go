// Package resource parses and formats deepr resource URIs.
//
// Every piece of job, expert, report and log state is addressed as
//
//	deepr://{type}/{id}/{subresource}
//
// where type is one of campaigns, experts, reports or logs. The base URI
// (deepr://{type}/{id}) addresses every subresource of one entity and is what
// wildcard subscriptions store.
//
// Malformed input is a routine condition, so Parse reports failure with a
// boolean rather than an error.
package resource
