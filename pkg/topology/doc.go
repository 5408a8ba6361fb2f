// Package topology models the hosted web-server topology of a single host and
// defines the accessor contract the reconciliation engine drives.
//
// # Data Model
//
// A host carries a Registry: an ordered table of Sites and a host-wide ordered
// table of ApplicationPools. Each Site owns an ordered list of Applications.
// An Application refers to its pool by name only (ApplicationPoolName), so the
// same pool may serve applications on several sites. Whether a pool is still
// in use is answered by scanning every application on every site for that key.
//
// # Accessor Contract
//
// An Accessor opens one Session per operation:
//
//	sess, err := accessor.Open(ctx, "web01")
//	if err != nil {
//	    return err
//	}
//	defer sess.Close()
//
//	reg := sess.Registry()
//	// ... read and mutate reg ...
//	if err := sess.Commit(ctx); err != nil {
//	    return err
//	}
//
// A Session works on a private copy of the host registry. Commit publishes all
// pending mutations at once so that sessions opened later observe them; Close
// releases the session and discards anything not committed. Sessions are not
// shared between operations and are not safe for concurrent use.
package topology
