package disk

import (
	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

// Manager is the disk collaborator of the buffer pool: block-addressed
// page reads and writes plus deallocation notice. Read and write failures
// are unrecoverable I/O errors; the pool surfaces them to its caller.
type Manager interface {
	ReadPage(pageId util.PageID) (*page.Page, error)
	WritePage(p *page.Page) error
	// DeallocatePage signals that a page id will not be read again this run.
	// Implementations may reclaim space; none is required to.
	DeallocatePage(pageId util.PageID)
	Close() error
}
