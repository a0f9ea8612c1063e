package config

import (
	"os"
	"sync"
	"time"
)

// InstructionsCache serves the realtime instructions file, re-reading it
// only when its mtime changes (spec.md §6.2: "cached by mtime").
type InstructionsCache struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	text    string
	err     error
}

func NewInstructionsCache(path string) *InstructionsCache {
	return &InstructionsCache{path: path}
}

// Get returns the cached instructions, reloading from disk if the file's
// mtime has advanced since the last read.
func (c *InstructionsCache) Get() (string, error) {
	info, statErr := os.Stat(c.path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if statErr == nil && !info.ModTime().After(c.modTime) && c.err == nil && c.text != "" {
		return c.text, nil
	}

	text, err := LoadInstructions(c.path)
	c.err = err
	if err == nil {
		c.text = text
		if statErr == nil {
			c.modTime = info.ModTime()
		}
	}
	return c.text, c.err
}
