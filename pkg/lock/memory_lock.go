package lock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MemoryService implements Service inside one process. Waiters are served in
// arrival order.
type MemoryService struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemoryService() *MemoryService {
	return &MemoryService{locks: make(map[string]chan struct{})}
}

func (s *MemoryService) slot(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

func (s *MemoryService) Acquire(ctx context.Context, name string) (Lease, error) {
	ch := s.slot(name)
	select {
	case ch <- struct{}{}:
		return &memoryLease{name: name, slot: ch}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLease struct {
	name     string
	slot     chan struct{}
	released atomic.Bool
}

func (l *memoryLease) Release(context.Context) error {
	if l.released.Swap(true) {
		return errors.Wrapf(ErrLockLost, "lock %s is not held", l.name)
	}
	<-l.slot
	return nil
}
