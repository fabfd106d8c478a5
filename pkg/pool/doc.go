// Package pool caches engine sessions and their cursors so the cost of
// opening and tearing them down is amortized over many uses.
//
// Invariants:
// - A Session is owned by exactly one goroutine while checked out; the
//   SessionCache is the only thread-safe boundary.
// - A cursor handle is either checked out or present in exactly one
//   cache entry, never both.
// - Once shutdown starts it is only reversed by an explicit Restart.
// - Sessions created before a CloseAll are discarded on release, never
//   re-pooled.
//
// Usage:
//
//	cache := pool.New(conn, pool.Options{})
//	handle, err := cache.GetSession()
//	if err != nil {
//		return err
//	}
//	defer handle.Release()
//	cur, err := handle.Session().NewCursor("table:events", "")
package pool
