package disk

import (
	"fmt"
	"sync"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

// MemManager is a map-backed Manager for tests. It stores serialized blocks
// so the codec runs on both sides, records deallocations, and can inject
// read/write faults to exercise I/O failure paths.
type MemManager struct {
	mu          sync.Mutex
	blocks      map[util.PageID][]byte
	deallocated map[util.PageID]bool

	// ReadErr/WriteErr, when set, fail the next calls with that error.
	// Set them only while no pool operation is in flight.
	ReadErr  error
	WriteErr error
}

var _ Manager = (*MemManager)(nil)

func NewMemManager() *MemManager {
	return &MemManager{
		blocks:      make(map[util.PageID][]byte),
		deallocated: make(map[util.PageID]bool),
	}
}

func (m *MemManager) ReadPage(pageId util.PageID) (*page.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	buf, ok := m.blocks[pageId]
	if !ok {
		return nil, fmt.Errorf("read page %d: %w", pageId, util.ErrPageNotFound)
	}
	p, err := page.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("deserialize page %d: %w", pageId, err)
	}
	return p, nil
}

func (m *MemManager) WritePage(p *page.Page) error {
	if p.Header.PageID == util.InvalidPageID {
		return util.ErrInvalidPageId
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.blocks[p.Header.PageID] = p.Serialize()
	return nil
}

func (m *MemManager) DeallocatePage(pageId util.PageID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, pageId)
	m.deallocated[pageId] = true
}

// Deallocated reports whether DeallocatePage was called for pageId.
func (m *MemManager) Deallocated(pageId util.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deallocated[pageId]
}

// Len reports how many pages are currently stored.
func (m *MemManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func (m *MemManager) Close() error {
	return nil
}
