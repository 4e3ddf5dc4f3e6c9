package disk

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

/**
* FileManager stores pages in a single flat file at offset pageId*PageSize.
* The file grows on writes past the current end; reads of grown-but-unwritten
* regions deserialize as zeroed pages.
**/
type FileManager struct {
	mu         sync.Mutex
	file       *os.File
	size       int64
	syncWrites bool
	readOnly   bool
}

var _ Manager = (*FileManager)(nil)

func NewFileManager(opts util.Options) (*FileManager, error) {
	if opts.PageSize != 0 && opts.PageSize != util.PageSize {
		return nil, fmt.Errorf("page size %d: %w", opts.PageSize, util.ErrInvalidPageSize)
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(opts.Path, flag, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	if info.Size()%util.PageSize != 0 {
		f.Close()
		return nil, fmt.Errorf("data file %s has %d bytes, not page aligned", opts.Path, info.Size())
	}

	return &FileManager{
		file:       f,
		size:       info.Size(),
		syncWrites: opts.SyncWrites,
		readOnly:   opts.ReadOnly,
	}, nil
}

/* READ FILE */
func (fm *FileManager) ReadPage(pageId util.PageID) (*page.Page, error) {
	if pageId == util.InvalidPageID {
		return nil, util.ErrInvalidPageId
	}

	offset := int64(pageId) * int64(util.PageSize)
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if offset+util.PageSize > fm.size {
		return nil, fmt.Errorf("read page %d: %w", pageId, util.ErrPageOutOfBounds)
	}

	buf := make([]byte, util.PageSize)
	if _, err := fm.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read page %d: %w", pageId, err)
	}

	p, err := page.Deserialize(buf)
	if err != nil {
		return nil, fmt.Errorf("deserialize page %d: %w", pageId, err)
	}
	if p.Header.PageID != pageId {
		// A hole in the file reads back as the zero page; rebind it to the
		// requested id. A nonzero mismatch is corruption.
		if p.Header.Checksum != 0 || p.Header.PageID != 0 {
			return nil, fmt.Errorf("page %d holds stored id %d: %w", pageId, p.Header.PageID, util.ErrInvalidPageId)
		}
		p.Header.PageID = pageId
	}

	return p, nil
}

/* WRITE FILE */
func (fm *FileManager) WritePage(p *page.Page) error {
	if fm.readOnly {
		return util.ErrReadOnly
	}
	if p.Header.PageID == util.InvalidPageID {
		return util.ErrInvalidPageId
	}

	offset := int64(p.Header.PageID) * int64(util.PageSize)
	buf := p.Serialize()

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if _, err := fm.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write page %d: %w", p.Header.PageID, err)
	}
	fm.size = max(fm.size, offset+int64(util.PageSize))

	if fm.syncWrites {
		if err := fm.file.Sync(); err != nil {
			return fmt.Errorf("sync after page %d: %w", p.Header.PageID, err)
		}
	}
	return nil
}

// DeallocatePage is a no-op: file space is never reclaimed and page ids are
// never reused within a run.
func (fm *FileManager) DeallocatePage(pageId util.PageID) {}

// PageCount reports how many page slots the data file currently covers.
func (fm *FileManager) PageCount() util.PageID {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return util.PageID(fm.size / util.PageSize)
}

/**
* CLOSE FUNCTION
**/
func (fm *FileManager) Close() error {
	if fm == nil {
		return nil // Idempotent
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var err error
	if fm.file != nil {
		if !fm.readOnly {
			if e := fm.file.Sync(); e != nil {
				err = errors.Join(err, fmt.Errorf("sync file: %w", e))
			}
		}
		if e := fm.file.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close file: %w", e))
		}
		fm.file = nil
	}
	return err
}
