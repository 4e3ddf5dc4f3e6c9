package buffer

import (
	"fmt"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

// PageGuard is the basic page handle: it owns one pin on a fetched or newly
// created page and gives it back exactly once. Release is idempotent and
// safe to defer on every path. A guard does no latching of its own; use
// ReadGuard/WriteGuard when concurrent holders touch the same page. Guard
// methods must not be called after Release.
type PageGuard struct {
	bp       *BufferPool
	frameIdx int
	id       util.PageID
	dirty    bool
	released bool
}

// ReadGuard additionally holds the frame latch shared for its lifetime:
// the page contents cannot change underneath it.
type ReadGuard struct {
	g PageGuard
}

// WriteGuard additionally holds the frame latch exclusive for its lifetime.
// Acquiring a second guard on the same page from the same goroutine while a
// WriteGuard is held will deadlock, as with any exclusive lock.
type WriteGuard struct {
	g PageGuard
}

// NewPageGuarded creates a page and wraps its pin in a basic guard.
func (bp *BufferPool) NewPageGuarded() (*PageGuard, error) {
	pageID, frameIdx, err := bp.newFrame()
	if err != nil {
		return nil, err
	}
	return &PageGuard{bp: bp, frameIdx: frameIdx, id: pageID}, nil
}

// FetchGuard fetches a page and wraps its pin in a basic guard.
func (bp *BufferPool) FetchGuard(pageID util.PageID) (*PageGuard, error) {
	frameIdx, err := bp.fetchFrame(pageID)
	if err != nil {
		return nil, err
	}
	return &PageGuard{bp: bp, frameIdx: frameIdx, id: pageID}, nil
}

// FetchRead fetches a page and latches it shared.
func (bp *BufferPool) FetchRead(pageID util.PageID) (*ReadGuard, error) {
	frameIdx, err := bp.fetchFrame(pageID)
	if err != nil {
		return nil, err
	}
	bp.st.frames[frameIdx].latch.RLock()
	return &ReadGuard{g: PageGuard{bp: bp, frameIdx: frameIdx, id: pageID}}, nil
}

// FetchWrite fetches a page and latches it exclusive.
func (bp *BufferPool) FetchWrite(pageID util.PageID) (*WriteGuard, error) {
	frameIdx, err := bp.fetchFrame(pageID)
	if err != nil {
		return nil, err
	}
	bp.st.frames[frameIdx].latch.Lock()
	return &WriteGuard{g: PageGuard{bp: bp, frameIdx: frameIdx, id: pageID}}, nil
}

func (g *PageGuard) ID() util.PageID {
	return g.id
}

// Data returns a read view of the page payload.
func (g *PageGuard) Data() []byte {
	return g.pageRef().Data[:]
}

// MutData returns a writable view of the page payload and marks the guard
// dirty, so Release reports the mutation to the pool.
func (g *PageGuard) MutData() []byte {
	g.dirty = true
	return g.pageRef().Data[:]
}

// Release gives the pin back. Only the first call takes effect.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.bp.UnpinPage(g.id, g.dirty)
}

func (g *PageGuard) pageRef() *page.Page {
	if g.released {
		panic(fmt.Sprintf("[guard] page %d used after release", g.id))
	}
	return &g.bp.st.frames[g.frameIdx].page
}

func (rg *ReadGuard) ID() util.PageID {
	return rg.g.id
}

func (rg *ReadGuard) Data() []byte {
	return rg.g.Data()
}

func (rg *ReadGuard) Release() {
	if rg.g.released {
		return
	}
	rg.g.bp.st.frames[rg.g.frameIdx].latch.RUnlock()
	rg.g.Release()
}

func (wg *WriteGuard) ID() util.PageID {
	return wg.g.id
}

func (wg *WriteGuard) Data() []byte {
	return wg.g.Data()
}

func (wg *WriteGuard) MutData() []byte {
	return wg.g.MutData()
}

func (wg *WriteGuard) Release() {
	if wg.g.released {
		return
	}
	wg.g.bp.st.frames[wg.g.frameIdx].latch.Unlock()
	wg.g.Release()
}
