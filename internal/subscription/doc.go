// Package subscription provides the in-memory pub/sub broker for resource
// change notifications.
//
// Subscribers register a Callback on either an exact resource URI or, with
// wildcard set, on a base URI covering every subresource of one entity:
//
//	id, err := mgr.Subscribe("deepr://campaigns/job-1/*", cb, true)
//
// Emit builds a single Notification and invokes every matching callback.
// Callbacks run outside the manager lock and concurrently with each other;
// a failing or panicking callback is logged and does not affect delivery to
// the rest. Delivery is best-effort and at-most-once per Emit.
package subscription
