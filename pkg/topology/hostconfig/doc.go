// Package hostconfig implements topology.Accessor on top of the platform's
// applicationHost.config document.
//
// Sessions read the document through a FileSystem (local disk, or SFTP via
// pkg/transports/ssh), decode the sites, application pools, applications and
// per-application authentication toggles into a topology.Registry, and on
// Commit merge the registry back into the same document and write it out.
// Attributes and elements this package does not model are carried through
// unchanged. Element order inside a handled section is normalised: modelled
// children are written first, unknown children after them.
//
// Commit is optimistic: the document is read again and, if it no longer
// matches what the session started from, the commit fails with
// topology.ErrConflict and nothing is written.
package hostconfig
