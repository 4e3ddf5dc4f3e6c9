package buffer

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/disk"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

func newTestPool(t *testing.T, size, k int) (*BufferPool, *disk.MemManager) {
	t.Helper()
	mm := disk.NewMemManager()
	bp := NewBufferPool(util.Options{BufferPoolSize: size, ReplacerK: k}, mm, nil)
	return bp, mm
}

// mustNewPage creates a page or fails the test.
func mustNewPage(t *testing.T, bp *BufferPool) util.PageID {
	t.Helper()
	id, _, err := bp.NewPage()
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	return id
}

func TestNewBufferPool(t *testing.T) {
	t.Run("InitialState", func(t *testing.T) {
		bp, _ := newTestPool(t, 4, 2)
		assert.Equal(t, 4, len(bp.st.frames), "arena sized to pool")
		assert.Equal(t, 4, len(bp.st.freeList), "every frame starts free")
		assert.Empty(t, bp.st.pageToIdx, "no pages resident")
		for i := range bp.st.frames {
			assert.Equal(t, util.InvalidPageID, bp.st.frames[i].page.Header.PageID, "frame %d unbound", i)
		}
	})

	t.Run("ZeroSize", func(t *testing.T) {
		assert.Panics(t, func() {
			NewBufferPool(util.Options{BufferPoolSize: 0, ReplacerK: 2}, disk.NewMemManager(), nil)
		}, "zero pool size")
	})

	t.Run("ZeroK", func(t *testing.T) {
		assert.Panics(t, func() {
			NewBufferPool(util.Options{BufferPoolSize: 4, ReplacerK: 0}, disk.NewMemManager(), nil)
		}, "zero k")
	})
}

func TestNewPage(t *testing.T) {
	bp, _ := newTestPool(t, 4, 2)

	id0, p0, err := bp.NewPage()
	assert.NoError(t, err, "first page")
	assert.Equal(t, util.PageID(0), id0, "ids start at zero")
	assert.Equal(t, id0, p0.Header.PageID, "page bound to its id")
	assert.True(t, p0.Header.IsPinned(), "returned pinned")
	for _, b := range p0.Data {
		if b != 0 {
			t.Fatal("new page payload not zeroed")
		}
	}

	id1 := mustNewPage(t, bp)
	id2 := mustNewPage(t, bp)
	assert.Equal(t, util.PageID(1), id1, "monotonic ids")
	assert.Equal(t, util.PageID(2), id2, "monotonic ids")
	assert.Equal(t, 1, len(bp.st.freeList), "three frames claimed")

	// Free frames are handed out in FIFO order.
	for i, id := range []util.PageID{id0, id1, id2} {
		assert.Equal(t, i, bp.st.pageToIdx[id], "page %d placement", id)
	}
}

func TestNewPageExhaustion(t *testing.T) {
	bp, _ := newTestPool(t, 2, 2)

	id0 := mustNewPage(t, bp)
	mustNewPage(t, bp)

	// Both frames pinned: no free frame and nothing evictable.
	_, _, err := bp.NewPage()
	assert.ErrorIs(t, err, util.ErrNoFreeFrame, "pool exhausted")

	// The failed attempt must not burn a page id.
	assert.True(t, bp.UnpinPage(id0, false), "unpin")
	id2 := mustNewPage(t, bp)
	assert.Equal(t, util.PageID(2), id2, "id sequence unaffected by the failure")
}

func TestFetchPage(t *testing.T) {
	t.Run("Hit", func(t *testing.T) {
		bp, _ := newTestPool(t, 4, 2)
		id := mustNewPage(t, bp)

		p, err := bp.FetchPage(id)
		assert.NoError(t, err, "resident fetch")
		assert.Equal(t, id, p.Header.PageID, "same page")
		assert.Equal(t, int32(2), bp.st.frames[bp.st.pageToIdx[id]].pinCount, "second pin")
		assert.Equal(t, uint64(1), bp.Stats().Hits, "counted as hit")
	})

	t.Run("MissLoadsFromDisk", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)
		p, err := bp.FetchPage(id)
		assert.NoError(t, err, "fetch")
		p.Data[0] = 0x5A
		bp.UnpinPage(id, true)
		bp.UnpinPage(id, true)

		// Push the page out so the next fetch goes to disk. The fillers
		// stay pinned while they force the eviction.
		n1 := mustNewPage(t, bp)
		n2 := mustNewPage(t, bp)
		_, resident := bp.st.pageToIdx[id]
		assert.False(t, resident, "page evicted")
		assert.Equal(t, 1, mm.Len(), "dirty victim written out")

		bp.UnpinPage(n1, false)
		bp.UnpinPage(n2, false)
		p, err = bp.FetchPage(id)
		assert.NoError(t, err, "fetch after eviction")
		assert.Equal(t, byte(0x5A), p.Data[0], "payload survived the round trip")
		assert.False(t, bp.st.frames[bp.st.pageToIdx[id]].dirty, "loaded page starts clean")
		assert.Equal(t, uint64(1), bp.Stats().Misses, "counted as miss")
	})

	t.Run("InvalidID", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		_, err := bp.FetchPage(util.InvalidPageID)
		assert.ErrorIs(t, err, util.ErrInvalidPageId, "invalid id rejected")
	})
}

func TestFetchMissRollback(t *testing.T) {
	bp, _ := newTestPool(t, 2, 2)

	_, err := bp.FetchPage(99)
	assert.ErrorIs(t, err, util.ErrPageNotFound, "unknown page")

	// The claimed frame goes back to the free list with no table residue.
	assert.Equal(t, 2, len(bp.st.freeList), "frame returned")
	_, resident := bp.st.pageToIdx[99]
	assert.False(t, resident, "no binding for the failed id")

	// The pool still works afterwards.
	mustNewPage(t, bp)
	mustNewPage(t, bp)
}

func TestUnpinPage(t *testing.T) {
	t.Run("DoubleUnpin", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)

		assert.True(t, bp.UnpinPage(id, false), "first unpin")
		assert.False(t, bp.UnpinPage(id, true), "second unpin rejected")

		f := &bp.st.frames[bp.st.pageToIdx[id]]
		assert.Equal(t, int32(0), f.pinCount, "pin count never negative")
		assert.False(t, f.dirty, "rejected unpin must not apply its dirty hint")
		assert.Equal(t, 1, bp.st.replacer.Size(), "evictable exactly once")
	})

	t.Run("NotResident", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		assert.False(t, bp.UnpinPage(7, false), "unknown page")
	})

	t.Run("StickyDirty", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)
		bp.UnpinPage(id, true)

		if _, err := bp.FetchPage(id); err != nil {
			t.Fatalf("fetch: %v", err)
		}
		bp.UnpinPage(id, false)

		f := &bp.st.frames[bp.st.pageToIdx[id]]
		assert.True(t, f.dirty, "a clean unpin cannot launder a dirty page")
		assert.True(t, f.page.Header.IsDirty(), "header flag agrees")
	})

	t.Run("EvictableOnlyAtZero", func(t *testing.T) {
		bp, _ := newTestPool(t, 1, 2)
		id := mustNewPage(t, bp)
		if _, err := bp.FetchPage(id); err != nil {
			t.Fatalf("fetch: %v", err)
		}

		bp.UnpinPage(id, false)
		_, _, err := bp.NewPage()
		assert.ErrorIs(t, err, util.ErrNoFreeFrame, "one pin still held")

		bp.UnpinPage(id, false)
		mustNewPage(t, bp)
	})
}

func TestEvictionPrefersColdPage(t *testing.T) {
	bp, mm := newTestPool(t, 2, 2)

	id0 := mustNewPage(t, bp)
	bp.UnpinPage(id0, false)
	id1 := mustNewPage(t, bp)
	bp.UnpinPage(id1, true)

	// Second access gives id0 a full history; id1 stays at one access and
	// +inf distance, so it is the victim despite being newer.
	if _, err := bp.FetchPage(id0); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	bp.UnpinPage(id0, false)

	mustNewPage(t, bp)
	_, resident := bp.st.pageToIdx[id1]
	assert.False(t, resident, "cold page evicted")
	_, resident = bp.st.pageToIdx[id0]
	assert.True(t, resident, "hot page kept")
	assert.Equal(t, uint64(1), bp.Stats().Evictions, "one eviction")
	assert.Equal(t, 1, mm.Len(), "dirty victim flushed before reuse")
}

func TestEvictionCleanVictimNotWritten(t *testing.T) {
	bp, mm := newTestPool(t, 1, 2)

	id0 := mustNewPage(t, bp)
	bp.UnpinPage(id0, false)
	mustNewPage(t, bp)

	assert.Equal(t, 0, mm.Len(), "clean victim discarded without I/O")
	assert.Equal(t, uint64(0), bp.Stats().Flushes, "no flush recorded")
	assert.Equal(t, uint64(1), bp.Stats().Evictions, "eviction recorded")
}

func TestEvictionFlushFailure(t *testing.T) {
	bp, mm := newTestPool(t, 1, 2)
	errBoom := errors.New("boom")

	id0 := mustNewPage(t, bp)
	bp.UnpinPage(id0, true)

	mm.WriteErr = errBoom
	_, _, err := bp.NewPage()
	assert.ErrorIs(t, err, errBoom, "write failure surfaces")

	// The victim stays resident, dirty, and evictable for a later attempt.
	frameIdx, resident := bp.st.pageToIdx[id0]
	assert.True(t, resident, "victim reinstated")
	assert.True(t, bp.st.frames[frameIdx].dirty, "still dirty")
	assert.Equal(t, 1, bp.st.replacer.Size(), "still evictable")

	mm.WriteErr = nil
	id1 := mustNewPage(t, bp)
	assert.Equal(t, util.PageID(1), id1, "failed attempt burned no id")
	assert.Equal(t, 1, mm.Len(), "victim flushed on retry")
}

func TestFlushPage(t *testing.T) {
	t.Run("WritesAndCleans", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)
		p, err := bp.FetchPage(id)
		assert.NoError(t, err, "fetch")
		p.Data[0] = 0xC4
		bp.UnpinPage(id, true)

		ok, err := bp.FlushPage(id)
		assert.True(t, ok, "resident page flushed")
		assert.NoError(t, err, "flush")

		f := &bp.st.frames[bp.st.pageToIdx[id]]
		assert.False(t, f.dirty, "flush clears dirty")
		assert.False(t, f.page.Header.IsDirty(), "header flag cleared")

		got, err := mm.ReadPage(id)
		assert.NoError(t, err, "read back")
		assert.Equal(t, byte(0xC4), got.Data[0], "disk image matches")
	})

	t.Run("PinnedPageStillFlushes", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)

		ok, err := bp.FlushPage(id)
		assert.True(t, ok, "pin state does not block flushing")
		assert.NoError(t, err, "flush")
		assert.Equal(t, 1, mm.Len(), "written out")
	})

	t.Run("NotResident", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		ok, err := bp.FlushPage(42)
		assert.False(t, ok, "nothing to flush")
		assert.NoError(t, err, "not an error")
	})

	t.Run("WriteFailureKeepsDirty", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		errBoom := errors.New("boom")
		id := mustNewPage(t, bp)
		bp.UnpinPage(id, true)

		mm.WriteErr = errBoom
		ok, err := bp.FlushPage(id)
		assert.False(t, ok, "flush failed")
		assert.ErrorIs(t, err, errBoom, "cause surfaced")
		assert.True(t, bp.st.frames[bp.st.pageToIdx[id]].dirty, "dirty survives the failure")
	})
}

func TestFlushAllPages(t *testing.T) {
	t.Run("FlushesEverything", func(t *testing.T) {
		bp, mm := newTestPool(t, 4, 2)
		for i := 0; i < 3; i++ {
			id := mustNewPage(t, bp)
			bp.UnpinPage(id, true)
		}

		assert.NoError(t, bp.FlushAllPages(), "flush all")
		assert.Equal(t, 3, mm.Len(), "every resident page on disk")
		for i := range bp.st.frames {
			assert.False(t, bp.st.frames[i].dirty, "frame %d clean", i)
		}
	})

	t.Run("CollectsFailures", func(t *testing.T) {
		bp, mm := newTestPool(t, 4, 2)
		errBoom := errors.New("boom")
		for i := 0; i < 2; i++ {
			id := mustNewPage(t, bp)
			bp.UnpinPage(id, true)
		}

		mm.WriteErr = errBoom
		err := bp.FlushAllPages()
		assert.ErrorIs(t, err, errBoom, "failures reported, not swallowed")
	})

	t.Run("Empty", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		assert.NoError(t, bp.FlushAllPages(), "nothing resident")
	})
}

func TestDeletePage(t *testing.T) {
	t.Run("PinnedRefused", func(t *testing.T) {
		bp, _ := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)

		assert.False(t, bp.DeletePage(id), "pinned page kept")
		_, resident := bp.st.pageToIdx[id]
		assert.True(t, resident, "still resident")
	})

	t.Run("FreesFrame", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		id := mustNewPage(t, bp)
		bp.UnpinPage(id, true)

		assert.True(t, bp.DeletePage(id), "unpinned page deleted")
		_, resident := bp.st.pageToIdx[id]
		assert.False(t, resident, "binding removed")
		assert.Equal(t, 2, len(bp.st.freeList), "frame recycled")
		assert.Equal(t, 0, bp.st.replacer.Size(), "no longer an eviction candidate")
		assert.True(t, mm.Deallocated(id), "disk told to drop the page")
		assert.Equal(t, 0, mm.Len(), "dirty contents discarded, not flushed")
	})

	t.Run("NotResidentIsIdempotent", func(t *testing.T) {
		bp, mm := newTestPool(t, 2, 2)
		assert.True(t, bp.DeletePage(9), "deleting an absent page succeeds")
		assert.False(t, mm.Deallocated(9), "no disk call for absent pages")
	})
}

func TestDeleteFreedFrameReusedFirst(t *testing.T) {
	bp, _ := newTestPool(t, 3, 2)

	ids := make([]util.PageID, 0, 3)
	for i := 0; i < 3; i++ {
		id := mustNewPage(t, bp)
		bp.UnpinPage(id, false)
		ids = append(ids, id)
	}
	assert.True(t, bp.DeletePage(ids[1]), "delete middle page")

	// The freed frame satisfies the next request; no resident page pays
	// with an eviction.
	mustNewPage(t, bp)
	assert.Equal(t, uint64(0), bp.Stats().Evictions, "free list served first")
	for _, id := range []util.PageID{ids[0], ids[2]} {
		_, resident := bp.st.pageToIdx[id]
		assert.True(t, resident, "page %d untouched", id)
	}
}

func TestAllocatePage(t *testing.T) {
	bp, _ := newTestPool(t, 2, 2)

	assert.Equal(t, util.PageID(0), bp.AllocatePage(), "first id")
	id := mustNewPage(t, bp)
	assert.Equal(t, util.PageID(1), id, "shared counter")
	assert.Equal(t, util.PageID(2), bp.AllocatePage(), "monotonic")
}

func TestFrameBindingsStayConsistent(t *testing.T) {
	bp, _ := newTestPool(t, 4, 2)

	// Churn pages through a small pool, then check both directions of the
	// page table against the arena.
	for i := 0; i < 12; i++ {
		id := mustNewPage(t, bp)
		bp.UnpinPage(id, i%2 == 0)
	}

	bound := make(map[util.PageID]int)
	for i := range bp.st.frames {
		id := bp.st.frames[i].page.Header.PageID
		if id == util.InvalidPageID {
			continue
		}
		prev, dup := bound[id]
		assert.False(t, dup, "page %d bound to frames %d and %d", id, prev, i)
		bound[id] = i
	}
	assert.Equal(t, len(bp.st.pageToIdx), len(bound), "table and arena agree on residency")
	for id, idx := range bp.st.pageToIdx {
		assert.Equal(t, idx, bound[id], "page %d binding", id)
	}
}

func TestConcurrentPoolAccess(t *testing.T) {
	bp, mm := newTestPool(t, 8, 2)

	const workers = 4
	const rounds = 32

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				id, p, err := bp.NewPage()
				if err != nil {
					t.Errorf("worker %d NewPage: %v", w, err)
					return
				}
				marker := byte(w*rounds + r)
				p.Data[0] = marker
				if !bp.UnpinPage(id, true) {
					t.Errorf("worker %d unpin %d", w, id)
					return
				}

				got, err := bp.FetchPage(id)
				if err != nil {
					t.Errorf("worker %d refetch %d: %v", w, id, err)
					return
				}
				if got.Data[0] != marker {
					t.Errorf("worker %d page %d: marker %d, want %d", w, id, got.Data[0], marker)
				}
				bp.UnpinPage(id, false)
			}
		}()
	}
	wg.Wait()

	if t.Failed() {
		return
	}
	assert.NoError(t, bp.FlushAllPages(), "final flush")
	assert.Equal(t, workers*rounds, mm.Len(), "every page durable")
}

func TestStats(t *testing.T) {
	bp, _ := newTestPool(t, 2, 2)

	id := mustNewPage(t, bp)
	if _, err := bp.FetchPage(id); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := bp.FetchPage(77); err == nil {
		t.Fatal("expected miss failure")
	}

	st := bp.Stats()
	assert.Equal(t, uint64(1), st.Hits, "hits")
	assert.Equal(t, uint64(1), st.Misses, "misses")
}

func TestBindingMismatchPanics(t *testing.T) {
	bp, _ := newTestPool(t, 2, 2)
	id := mustNewPage(t, bp)

	// Corrupt the binding behind the pool's back.
	bp.st.frames[bp.st.pageToIdx[id]].page.Header.PageID = 42

	assert.Panics(t, func() { bp.UnpinPage(id, false) }, "binding mismatch detected")
}
