// Package deployment provides the reporting model shared by every sitekick
// operation.
//
// A Result is an ordered log of outcome entries. Each entry is one of three
// kinds:
//
//   - Good: a check passed or a change was made (or deliberately not made)
//   - Alert: a precondition did not hold; informational, never fails a run
//   - Failure: the operation could not do what was asked
//
// Entries are kept in append order, which is the order in which the engine
// evaluated them. A Result is successful iff it holds no Failure entries.
//
//	result := deployment.NewResult()
//	result.AddGood("'%s' site exists", site)
//	result.AddAlert("Couldn't find application '%s'", path)
//	if !result.Successful() {
//	    // report failure to the caller
//	}
package deployment
