package util

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PageID represents a unique page identifier
type PageID uint64

// InvalidPageID marks "no page": free frames and unset references carry it.
const InvalidPageID PageID = ^PageID(0)

// PageSize represents the standard page size (4KB)
const PageSize = 4096

// Options represents database configuration options
type Options struct {
	Path           string `yaml:"path"`
	PageSize       int    `yaml:"page_size"`
	BufferPoolSize int    `yaml:"buffer_pool_size"`
	ReplacerK      int    `yaml:"replacer_k"`
	SyncWrites     bool   `yaml:"sync_writes"`
	ReadOnly       bool   `yaml:"read_only"`
}

// DefaultOptions returns default database options
func DefaultOptions() Options {
	return Options{
		PageSize:       PageSize,
		BufferPoolSize: 1000, // ~4MB of 4KB frames
		ReplacerK:      2,
		SyncWrites:     false,
		ReadOnly:       false,
	}
}

// LoadOptions reads a YAML config file layered over DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Validate rejects option combinations the engine cannot run with.
func (o Options) Validate() error {
	if o.PageSize != PageSize {
		return fmt.Errorf("page size %d: %w", o.PageSize, ErrInvalidPageSize)
	}
	if o.BufferPoolSize <= 0 {
		return fmt.Errorf("pool size %d: %w", o.BufferPoolSize, ErrInvalidPoolSize)
	}
	if o.ReplacerK <= 0 {
		return fmt.Errorf("replacer k %d: %w", o.ReplacerK, ErrInvalidReplacerK)
	}
	return nil
}
