package disk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// LogManager is the durability-log collaborator: an append-only record log.
// The buffer pool carries a handle to it but never consults it; recovery
// tooling owns the read side.
type LogManager struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	nextLSN LSN
}

func NewLogManager(path string) (*LogManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &LogManager{
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Append buffers one length-prefixed record and returns its LSN. Records are
// not durable until Flush.
func (lm *LogManager) Append(record []byte) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(record)))
	if _, err := lm.w.Write(prefix[:]); err != nil {
		return 0, fmt.Errorf("append log record: %w", err)
	}
	if _, err := lm.w.Write(record); err != nil {
		return 0, fmt.Errorf("append log record: %w", err)
	}

	lsn := lm.nextLSN
	lm.nextLSN++
	return lsn, nil
}

// Flush forces buffered records to stable storage.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flush()
}

func (lm *LogManager) flush() error {
	if err := lm.w.Flush(); err != nil {
		return fmt.Errorf("flush log buffer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return nil
}

func (lm *LogManager) Close() error {
	if lm == nil {
		return nil // Idempotent
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var err error
	if lm.file != nil {
		if e := lm.flush(); e != nil {
			err = errors.Join(err, e)
		}
		if e := lm.file.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close log file: %w", e))
		}
		lm.file = nil
	}
	return err
}
