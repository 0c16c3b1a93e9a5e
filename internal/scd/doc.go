// Package scd maintains the version history of slowly changing dimensions.
//
// Each entity moves through NEW -> CURRENT -> SUPERSEDED. A change to any
// tracked attribute closes the current version at the effective time and
// opens a new one starting there. Versions are never deleted or reopened:
// returning to an earlier set of attribute values opens a fresh version.
//
// Change detection compares row hashes over the tracked columns only, so
// edits to untracked attributes never create history. Detect is pure; Apply
// writes a Changeset inside the caller's transaction.
package scd
