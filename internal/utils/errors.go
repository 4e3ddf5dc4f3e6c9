package util

import "errors"

var (
	ErrInvalidPageId    = errors.New("invalid page id")
	ErrInvalidPageSize  = errors.New("invalid page size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrPageNotDirty     = errors.New("page is not dirty")
	ErrPageNotPinned    = errors.New("page is not pinned")
	ErrPageOutOfBounds  = errors.New("page out of bounds")
	ErrPageNotFound     = errors.New("page not found")
	ErrInvalidPoolSize  = errors.New("invalid pool size")
	ErrInvalidReplacerK = errors.New("invalid replacer history depth")
	ErrNoFreeFrame      = errors.New("no free or evictable frames")
	ErrReadOnly         = errors.New("storage is read-only")
)
