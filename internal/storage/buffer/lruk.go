package buffer

import (
	"fmt"
	"math"

	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

// lrukEntry tracks one frame: its last k access timestamps (oldest first)
// and whether it may be evicted.
type lrukEntry struct {
	history   []uint64
	evictable bool
	tracked   bool
}

// LRUKReplacer evicts the frame with the largest backward k-distance: the
// gap between now and a frame's k-th most recent access. Frames with fewer
// than k recorded accesses count as infinitely distant. Ties fall back to
// classic LRU on the earliest recorded access.
type LRUKReplacer struct {
	k       int
	clock   uint64 // logical time, one tick per recorded access
	entries []lrukEntry
	size    int // evictable frame count
}

var _ Replacer = (*LRUKReplacer)(nil)

func NewLRUKReplacer(numFrames, k int) *LRUKReplacer {
	if numFrames <= 0 {
		panic(util.ErrInvalidPoolSize)
	}
	if k <= 0 {
		panic(util.ErrInvalidReplacerK)
	}

	r := &LRUKReplacer{
		k:       k,
		entries: make([]lrukEntry, numFrames),
	}
	for i := range r.entries {
		r.entries[i].history = make([]uint64, 0, k)
	}
	return r
}

func (r *LRUKReplacer) RecordAccess(frameIdx int) {
	e := r.entry(frameIdx)
	r.clock++
	e.tracked = true
	if len(e.history) == r.k {
		copy(e.history, e.history[1:])
		e.history = e.history[:r.k-1]
	}
	e.history = append(e.history, r.clock)
}

func (r *LRUKReplacer) SetEvictable(frameIdx int, evictable bool) {
	e := r.entry(frameIdx)
	if !e.tracked {
		panic(fmt.Sprintf("[lruk] [SetEvictable] frame %d has no recorded access", frameIdx))
	}
	if e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.size++
	} else {
		r.size--
	}
}

func (r *LRUKReplacer) Evict() (int, bool) {
	victim := -1
	var victimDist, victimOldest uint64

	for i := range r.entries {
		e := &r.entries[i]
		if !e.tracked || !e.evictable {
			continue
		}
		dist := uint64(math.MaxUint64) // fewer than k accesses
		if len(e.history) == r.k {
			dist = r.clock - e.history[0]
		}
		oldest := e.history[0]
		if victim == -1 || dist > victimDist || (dist == victimDist && oldest < victimOldest) {
			victim, victimDist, victimOldest = i, dist, oldest
		}
	}

	if victim == -1 {
		return -1, false
	}
	r.drop(victim)
	return victim, true
}

func (r *LRUKReplacer) Remove(frameIdx int) {
	e := r.entry(frameIdx)
	if !e.tracked {
		return
	}
	r.drop(frameIdx)
}

func (r *LRUKReplacer) Size() int {
	return r.size
}

func (r *LRUKReplacer) drop(frameIdx int) {
	e := &r.entries[frameIdx]
	if e.evictable {
		r.size--
	}
	e.history = e.history[:0]
	e.evictable = false
	e.tracked = false
}

func (r *LRUKReplacer) entry(frameIdx int) *lrukEntry {
	if frameIdx < 0 || frameIdx >= len(r.entries) {
		panic(fmt.Sprintf("[lruk] frame index out of bound: %d", frameIdx))
	}
	return &r.entries[frameIdx]
}
