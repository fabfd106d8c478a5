// Package engine defines the narrow capability surface the session pool
// requires from an embedded transactional storage engine.
//
// Invariants:
// - A Session is owned by one goroutine at a time; the interfaces carry
//   no internal locking.
// - Adapters wrap ErrNotFound and ErrBusy so callers can classify
//   cursor-open failures with errors.Is.
//
// Usage:
//
//	sess, _ := conn.OpenSession("isolation=snapshot")
//	cur, err := sess.OpenCursor("table:events", "")
//	if errors.Is(err, engine.ErrNotFound) {
//		// table was dropped concurrently
//	}
package engine
