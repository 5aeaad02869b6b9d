// ABOUTME: Playlist reconciliation package
// ABOUTME: Diffs client snapshots against the server library
// Package reconcile repairs a stale client playlist view after reconnection.
//
// Compute diffs a client snapshot against the authoritative server snapshot;
// Library keeps a consistent playlist and song store on either side and
// applies diffs in place.
//
//	diff, err := lib.Diff(clientSnapshot)
//	if err == nil && !diff.Empty() {
//		local.Apply(diff)
//	}
package reconcile
