package buffer

// Replacer defines the contract for page replacement policies. A policy only
// ever sees frame indices, never page contents, and only frames explicitly
// marked evictable are candidates. Implementations carry no locking of their
// own: the pool serializes every call under its own mutex.
type Replacer interface {
	// RecordAccess notes an access to a frame at the current logical time.
	RecordAccess(frameIdx int)
	// SetEvictable adds or removes a frame from the candidate set.
	SetEvictable(frameIdx int, evictable bool)
	// Evict selects a victim, drops its tracking, and returns its index.
	// Returns false if no frame is evictable.
	Evict() (int, bool)
	// Remove unconditionally drops a frame from tracking.
	Remove(frameIdx int)
	// Size reports how many frames are currently evictable.
	Size() int
}
