// Package kv is a small key-value layer on top of the buffer pool. The whole
// store is one msgpack blob chained across pages from a root page, so it
// exercises every pool operation a real access method would: guarded reads
// and writes, page allocation, deletion, and flushing.
package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bietkhonhungvandi212/drift-db/internal/storage/buffer"
	"github.com/bietkhonhungvandi212/drift-db/internal/storage/page"
	util "github.com/bietkhonhungvandi212/drift-db/internal/utils"
)

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrCorruptChain = errors.New("corrupt store chain")
)

// Page layout. Every chain page starts with the id of the next page
// (InvalidPageID terminates the chain); the root page additionally carries
// the total blob length so Load knows when to stop copying.
const (
	payloadCap     = util.PageSize - page.HEADER_SIZE
	chainHeaderLen = 8
	rootHeaderLen  = chainHeaderLen + 4
)

// Store keeps its working set in memory and persists it as a whole on Save.
// All methods are safe for concurrent use.
type Store struct {
	pool *buffer.BufferPool

	mu    sync.Mutex
	root  util.PageID
	pages []util.PageID // chain in order, pages[0] == root
	data  map[string][]byte
}

// New creates an empty store rooted at a freshly allocated page. The root
// is written with an empty chain so a reopen before the first Save sees an
// empty store, not garbage.
func New(pool *buffer.BufferPool) (*Store, error) {
	g, err := pool.NewPageGuarded()
	if err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	binary.LittleEndian.PutUint64(g.MutData()[0:chainHeaderLen], uint64(util.InvalidPageID))
	root := g.ID()
	g.Release()

	return &Store{
		pool:  pool,
		root:  root,
		pages: []util.PageID{root},
		data:  make(map[string][]byte),
	}, nil
}

// Open loads an existing store from its root page.
func Open(pool *buffer.BufferPool, root util.PageID) (*Store, error) {
	s := &Store{pool: pool, root: root, data: make(map[string][]byte)}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root reports the root page id, the only thing a caller must remember to
// reopen the store.
func (s *Store) Root() util.PageID {
	return s.root
}

// Put stores a copy of value under key.
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = slices.Clone(value)
}

// Get returns a copy of the value under key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
	}
	return slices.Clone(v), nil
}

// Delete removes key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("delete %q: %w", key, ErrKeyNotFound)
	}
	delete(s.data, key)
	return nil
}

// Len reports the number of keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Save encodes the working set and writes it across the chain, growing or
// shrinking the chain as the blob demands, then flushes every chain page.
// After a nil return the store is durable.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := msgpack.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	need := chainLen(len(blob))

	// Grow first. A fresh page gets a terminator write immediately: that
	// marks it dirty, so an eviction before the content pass below still
	// lands it on disk and the later FetchWrite can read it back.
	for len(s.pages) < need {
		g, err := s.pool.NewPageGuarded()
		if err != nil {
			return fmt.Errorf("grow store chain: %w", err)
		}
		binary.LittleEndian.PutUint64(g.MutData()[0:chainHeaderLen], uint64(util.InvalidPageID))
		s.pages = append(s.pages, g.ID())
		g.Release()
	}

	off := 0
	for i := 0; i < need; i++ {
		w, err := s.pool.FetchWrite(s.pages[i])
		if err != nil {
			return fmt.Errorf("write store page %d: %w", s.pages[i], err)
		}

		buf := w.MutData()
		clear(buf)
		next := util.InvalidPageID
		if i+1 < need {
			next = s.pages[i+1]
		}
		binary.LittleEndian.PutUint64(buf[0:chainHeaderLen], uint64(next))
		start := chainHeaderLen
		if i == 0 {
			binary.LittleEndian.PutUint32(buf[chainHeaderLen:rootHeaderLen], uint32(len(blob)))
			start = rootHeaderLen
		}
		off += copy(buf[start:], blob[off:])
		w.Release()
	}

	// Drop chain pages the shrunken blob no longer reaches.
	for len(s.pages) > need {
		last := s.pages[len(s.pages)-1]
		if !s.pool.DeletePage(last) {
			return fmt.Errorf("shrink store chain: page %d still pinned", last)
		}
		s.pages = s.pages[:len(s.pages)-1]
	}

	var errs error
	for _, id := range s.pages {
		if _, err := s.pool.FlushPage(id); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("flush store chain: %w", errs)
	}
	return nil
}

// Load replaces the working set with the chain's contents, discarding any
// unsaved changes.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		blob     []byte
		total    int
		maxChain = 1
	)
	pages := make([]util.PageID, 0, len(s.pages))

	id := s.root
	for id != util.InvalidPageID {
		if len(pages) >= maxChain {
			return fmt.Errorf("chain longer than %d pages from root %d: %w", maxChain, s.root, ErrCorruptChain)
		}

		r, err := s.pool.FetchRead(id)
		if err != nil {
			return fmt.Errorf("load store page %d: %w", id, err)
		}
		buf := r.Data()
		next := util.PageID(binary.LittleEndian.Uint64(buf[0:chainHeaderLen]))
		start := chainHeaderLen
		if len(pages) == 0 {
			total = int(binary.LittleEndian.Uint32(buf[chainHeaderLen:rootHeaderLen]))
			blob = make([]byte, 0, total)
			maxChain = chainLen(total)
			start = rootHeaderLen
		}
		chunk := buf[start:]
		if remain := total - len(blob); remain < len(chunk) {
			chunk = chunk[:remain]
		}
		blob = append(blob, chunk...)
		r.Release()

		pages = append(pages, id)
		id = next
	}

	if len(blob) != total {
		return fmt.Errorf("chain from root %d holds %d of %d bytes: %w", s.root, len(blob), total, ErrCorruptChain)
	}

	data := make(map[string][]byte)
	if total > 0 {
		if err := msgpack.Unmarshal(blob, &data); err != nil {
			return fmt.Errorf("decode store: %w", err)
		}
	}
	s.data = data
	s.pages = pages
	return nil
}

// chainLen reports how many pages a blob of blobLen bytes occupies. An
// empty blob still holds the root.
func chainLen(blobLen int) int {
	rootCap := payloadCap - rootHeaderLen
	if blobLen <= rootCap {
		return 1
	}
	linkCap := payloadCap - chainHeaderLen
	rest := blobLen - rootCap
	return 1 + (rest+linkCap-1)/linkCap
}
