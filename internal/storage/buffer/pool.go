package buffer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/disk"
	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

// frame is one arena slot: the page bytes it currently holds plus the
// bookkeeping that decides its fate. A frame's memory lives for the pool's
// lifetime; only its binding to a page changes. The latch serializes page
// content access for guard holders and is taken only while the frame is
// pinned, never under the pool mutex.
type frame struct {
	page     page.Page
	pinCount int32
	dirty    bool
	latch    sync.RWMutex
}

// poolState is every piece of mutable bookkeeping the pool owns: the frame
// arena, the page table, the FIFO free list, the replacement policy, and the
// page id counter. All of it is guarded by BufferPool.mu and never touched
// outside it.
type poolState struct {
	frames     []frame
	pageToIdx  map[util.PageID]int // Map the pageId to frame index
	freeList   []int
	replacer   Replacer
	nextPageID util.PageID
}

type BufferPool struct {
	dm disk.Manager
	lm *disk.LogManager // durability log collaborator; carried, not consulted here

	mu sync.Mutex
	st poolState

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

func NewBufferPool(opts util.Options, dm disk.Manager, lm *disk.LogManager) *BufferPool {
	if opts.BufferPoolSize <= 0 {
		panic(util.ErrInvalidPoolSize)
	}
	if opts.ReplacerK <= 0 {
		panic(util.ErrInvalidReplacerK)
	}

	size := opts.BufferPoolSize
	bp := &BufferPool{dm: dm, lm: lm}
	bp.st = poolState{
		frames:    make([]frame, size),
		pageToIdx: make(map[util.PageID]int, size),
		freeList:  make([]int, 0, size),
		replacer:  NewLRUKReplacer(size, opts.ReplacerK),
	}
	for i := 0; i < size; i++ {
		bp.st.frames[i].page.Header.PageID = util.InvalidPageID
		bp.st.freeList = append(bp.st.freeList, i)
	}

	return bp
}

// NewPage allocates a fresh page id, binds it to a frame with zeroed
// contents, and returns it pinned once. Fails with ErrNoFreeFrame when the
// free list is empty and nothing is evictable.
func (bp *BufferPool) NewPage() (util.PageID, *page.Page, error) {
	pageID, frameIdx, err := bp.newFrame()
	if err != nil {
		return util.InvalidPageID, nil, err
	}
	return pageID, &bp.st.frames[frameIdx].page, nil
}

// FetchPage returns the requested page pinned once, loading it from disk on
// a miss. The returned pointer is valid only while the caller's pin holds.
func (bp *BufferPool) FetchPage(pageID util.PageID) (*page.Page, error) {
	frameIdx, err := bp.fetchFrame(pageID)
	if err != nil {
		return nil, err
	}
	return &bp.st.frames[frameIdx].page, nil
}

// UnpinPage drops one pin. The dirty hint is sticky: once a holder reports
// dirty, only a flush clears it. Returns false if the page is not resident
// or was not pinned (double unpin is a caller error, not silently ignored).
func (bp *BufferPool) UnpinPage(pageID util.PageID, isDirty bool) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, ok := bp.st.pageToIdx[pageID]
	if !ok {
		return false
	}
	bp.checkBinding(frameIdx, pageID)

	f := &bp.st.frames[frameIdx]
	if f.pinCount <= 0 {
		return false
	}
	if isDirty && !f.dirty {
		f.dirty = true
		f.page.Header.SetDirtyFlag()
	}
	f.pinCount--
	if f.pinCount == 0 {
		_ = f.page.Header.ClearPinnedFlag()
		bp.st.replacer.SetEvictable(frameIdx, true)
	}
	return true
}

// FlushPage writes a resident page to disk regardless of pin state and
// clears its dirty flag. Reports false when the page is not resident; a
// write failure leaves the dirty flag set.
func (bp *BufferPool) FlushPage(pageID util.PageID) (bool, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.flushPage(pageID)
}

// FlushAllPages flushes every resident page, best-effort: one failure does
// not stop the rest. The resident set is snapshotted once; the live page
// table is never walked while flushing.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	ids := make([]util.PageID, 0, len(bp.st.pageToIdx))
	for id := range bp.st.pageToIdx {
		ids = append(ids, id)
	}
	slices.Sort(ids) // deterministic flush order

	var errs error
	for _, id := range ids {
		if _, err := bp.flushPage(id); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// DeletePage evicts a page without writing it back and frees its frame.
// Deleting a non-resident page succeeds trivially. Deleting a pinned page
// fails: a holder must never lose its frame.
func (bp *BufferPool) DeletePage(pageID util.PageID) bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, ok := bp.st.pageToIdx[pageID]
	if !ok {
		return true
	}
	bp.checkBinding(frameIdx, pageID)

	if bp.st.frames[frameIdx].pinCount > 0 {
		return false
	}
	delete(bp.st.pageToIdx, pageID)
	bp.st.replacer.Remove(frameIdx)
	bp.resetFrame(frameIdx)
	bp.st.freeList = append(bp.st.freeList, frameIdx)
	bp.dm.DeallocatePage(pageID)
	return true
}

// AllocatePage hands out the next page id: process-wide monotonic, never
// reused within a run.
func (bp *BufferPool) AllocatePage() util.PageID {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.allocatePage()
}

// Stats reads the pool counters without taking the pool mutex.
func (bp *BufferPool) Stats() Stats {
	return Stats{
		Hits:      bp.hits.Load(),
		Misses:    bp.misses.Load(),
		Evictions: bp.evictions.Load(),
		Flushes:   bp.flushes.Load(),
	}
}

// ===================== HELPER FUNCTION =====================

func (bp *BufferPool) newFrame() (util.PageID, int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	frameIdx, err := bp.acquireFrame()
	if err != nil {
		return util.InvalidPageID, -1, err
	}
	pageID := bp.allocatePage()
	bp.installFrame(frameIdx, pageID)
	return pageID, frameIdx, nil
}

func (bp *BufferPool) fetchFrame(pageID util.PageID) (int, error) {
	if pageID == util.InvalidPageID {
		return -1, util.ErrInvalidPageId
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	if frameIdx, ok := bp.st.pageToIdx[pageID]; ok {
		bp.checkBinding(frameIdx, pageID)
		f := &bp.st.frames[frameIdx]
		f.pinCount++
		if f.pinCount == 1 {
			f.page.Header.SetPinnedFlag()
		}
		bp.st.replacer.RecordAccess(frameIdx)
		bp.st.replacer.SetEvictable(frameIdx, false)
		bp.hits.Add(1)
		return frameIdx, nil
	}
	bp.misses.Add(1)

	frameIdx, err := bp.acquireFrame()
	if err != nil {
		return -1, err
	}

	p, err := bp.dm.ReadPage(pageID)
	if err != nil {
		// Roll back: the frame goes straight back to the free list, no page
		// table residue for the failed id.
		bp.st.freeList = append(bp.st.freeList, frameIdx)
		return -1, fmt.Errorf("fetch page %d: %w", pageID, err)
	}

	bp.st.frames[frameIdx].page = *p
	bp.installFrame(frameIdx, pageID)
	return frameIdx, nil
}

// acquireFrame obtains a reset frame: free list first, eviction second.
// A dirty victim is written out before reuse; if that write fails the
// victim stays resident, dirty, and evictable, and the caller sees the
// error. caller must hold mu.
func (bp *BufferPool) acquireFrame() (int, error) {
	if len(bp.st.freeList) > 0 {
		frameIdx := bp.st.freeList[0]
		bp.st.freeList = bp.st.freeList[1:]
		return frameIdx, nil
	}

	frameIdx, ok := bp.st.replacer.Evict()
	if !ok {
		return -1, util.ErrNoFreeFrame
	}

	f := &bp.st.frames[frameIdx]
	victimID := f.page.Header.PageID
	if victimID == util.InvalidPageID {
		panic(fmt.Sprintf("[pool] [acquireFrame] evicted frame %d is not bound to a page", frameIdx))
	}
	if got, exists := bp.st.pageToIdx[victimID]; !exists || got != frameIdx {
		panic(fmt.Sprintf("[pool] [acquireFrame] frame %d bound to page %d missing from page table", frameIdx, victimID))
	}
	if f.pinCount != 0 {
		panic(fmt.Sprintf("[pool] [acquireFrame] evicting pinned frame %d (pin count %d)", frameIdx, f.pinCount))
	}

	if f.dirty {
		if err := bp.dm.WritePage(&f.page); err != nil {
			// Evict dropped the victim's tracking; reinstate it so the page
			// stays reachable and evictable for a later attempt.
			bp.st.replacer.RecordAccess(frameIdx)
			bp.st.replacer.SetEvictable(frameIdx, true)
			return -1, fmt.Errorf("flush victim page %d: %w", victimID, err)
		}
		f.dirty = false
		_ = f.page.Header.ClearDirtyFlag()
		bp.flushes.Add(1)
	}

	delete(bp.st.pageToIdx, victimID)
	bp.resetFrame(frameIdx)
	bp.evictions.Add(1)
	return frameIdx, nil
}

// installFrame binds a freshly acquired frame to pageID, pinned once.
// caller must hold mu.
func (bp *BufferPool) installFrame(frameIdx int, pageID util.PageID) {
	f := &bp.st.frames[frameIdx]
	f.page.Header.PageID = pageID
	f.pinCount = 1
	f.dirty = false
	f.page.Header.SetPinnedFlag()
	bp.st.pageToIdx[pageID] = frameIdx
	bp.st.replacer.RecordAccess(frameIdx)
	bp.st.replacer.SetEvictable(frameIdx, false)
}

// caller must hold mu.
func (bp *BufferPool) flushPage(pageID util.PageID) (bool, error) {
	frameIdx, ok := bp.st.pageToIdx[pageID]
	if !ok {
		return false, nil
	}
	bp.checkBinding(frameIdx, pageID)

	f := &bp.st.frames[frameIdx]
	if err := bp.dm.WritePage(&f.page); err != nil {
		return false, fmt.Errorf("flush page %d: %w", pageID, err)
	}
	if f.dirty {
		f.dirty = false
		_ = f.page.Header.ClearDirtyFlag()
	}
	bp.flushes.Add(1)
	return true, nil
}

// caller must hold mu.
func (bp *BufferPool) resetFrame(frameIdx int) {
	f := &bp.st.frames[frameIdx]
	f.page.Reset()
	f.page.Header.PageID = util.InvalidPageID
	f.pinCount = 0
	f.dirty = false
}

// caller must hold mu.
func (bp *BufferPool) allocatePage() util.PageID {
	id := bp.st.nextPageID
	bp.st.nextPageID++
	return id
}

// checkBinding panics when the page table and the frame disagree about who
// holds whom. That is a broken invariant, not a recoverable condition.
// caller must hold mu.
func (bp *BufferPool) checkBinding(frameIdx int, pageID util.PageID) {
	if got := bp.st.frames[frameIdx].page.Header.PageID; got != pageID {
		panic(fmt.Sprintf("[pool] page table maps page %d to frame %d holding page %d", pageID, frameIdx, got))
	}
}
