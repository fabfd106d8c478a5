package pool

// SessionHandle is an owning lease on a pooled session. Release must
// be called exactly once; the usual shape is
//
//	handle, err := cache.GetSession()
//	if err != nil { ... }
//	defer handle.Release()
//
// The handle is not safe for concurrent use, same as the session it
// owns.
type SessionHandle struct {
	s        *Session
	cache    *SessionCache
	released bool
}

// Session returns the owned session. Invalid after Release.
func (h *SessionHandle) Session() *Session {
	invariant(!h.released, codeDoubleRelease, "session handle used after release")
	return h.s
}

// Release hands the session back to the cache, which re-pools or
// destroys it. Releasing twice is a programming error.
func (h *SessionHandle) Release() {
	invariant(!h.released, codeDoubleRelease, "session handle released twice")
	h.released = true

	s := h.s
	h.s = nil
	h.cache.releaseSession(s)
}
