// Package jobs owns the state machines of long-running research jobs.
//
// # Lifecycle
//
//	queued -> planning -> executing -> synthesizing -> completed
//	                                               \-> failed
//	                                               \-> cancelled
//
// Completed, failed and cancelled are terminal: UpdatePhase refuses to move a
// job out of them with ErrTerminal.
//
// # Mutations and notifications
//
// Every mutation (CreateJob, UpdatePhase, AddBelief, UpdatePlan, ...) commits
// synchronously under the manager mutex, mirrors the result to the optional
// Persister, and schedules a notification for the affected resource URI:
//
//	deepr://campaigns/{id}/status
//	deepr://campaigns/{id}/plan
//	deepr://campaigns/{id}/beliefs
//
// Subscribers of the URI are resolved when the mutation commits. The
// dispatcher then keeps one FIFO and worker per subscriber, so each
// subscriber sees changes to a URI in commit order, a slow subscriber delays
// nobody else and the mutator never waits for delivery. Close drains the dispatcher, or drops whatever is still
// queued once its context expires.
package jobs
