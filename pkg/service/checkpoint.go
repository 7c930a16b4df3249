package service

import (
	"context"
	"sync"
	"time"
)

// Checkpoint persists the end of the last window the scheduler processed, so
// consecutive ticks on any process never evaluate the same instant twice.
type Checkpoint interface {
	// Load returns the saved instant; ok is false when nothing was saved yet.
	Load(ctx context.Context) (t time.Time, ok bool, err error)
	Save(ctx context.Context, t time.Time) error
}

// MemoryCheckpoint keeps the checkpoint in process memory.
type MemoryCheckpoint struct {
	mu sync.Mutex
	t  time.Time
	ok bool
}

func NewMemoryCheckpoint() *MemoryCheckpoint {
	return &MemoryCheckpoint{}
}

func (c *MemoryCheckpoint) Load(_ context.Context) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t, c.ok, nil
}

func (c *MemoryCheckpoint) Save(_ context.Context, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t, c.ok = t, true
	return nil
}
