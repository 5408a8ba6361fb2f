// Package engine reconciles a host's sites, applications and application
// pools against declared intents.
//
// # Intents
//
// An Intent is either an InstallIntent or an UninstallIntent. Execute
// dispatches on the concrete type; ExecuteInstall and ExecuteUninstall may
// also be called directly.
//
// # Steps
//
// Verify is an advisory, read-only preflight. It reports Good or Alert
// entries and never commits. Callers may run Execute regardless of what
// Verify reported; uninstalling something that is already gone is a no-op
// that still reports success.
//
// ExecuteUninstall removes the target application, then the application's
// pool if no application on any site of the host still references it, then
// the site if it was left empty. PreservePool and PreserveSite suppress the
// last two. Everything is published with a single commit.
//
// ExecuteInstall creates or updates the pool, the site and the application
// and commits once.
//
// # Errors
//
// Missing targets are reported as entries, never as errors. Failures to open
// or commit a session append a Failure entry and return an *EngineError
// classified for retry decisions:
//
//	result, err := reconciler.ExecuteUninstall(ctx, intent)
//	if IsRetryable(err) {
//	    // the caller may run the whole verify/execute sequence again
//	}
//
// # Concurrency
//
// Calls against the same host are serialized by the Reconciler for the whole
// open, mutate and commit sequence, so the orphan check never sees a
// snapshot that another call of the same Reconciler is about to change.
package engine
