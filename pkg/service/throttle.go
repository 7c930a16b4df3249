package service

import (
	"sync/atomic"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Throttle bounds how many stages of each plugin type run concurrently in this
// process. Every type gets its own pool of size permits, so exhausting one type
// never affects another.
type Throttle struct {
	size    int
	pools   map[models.PluginType]*typePool
	logger  Logger
	metrics Metrics
}

type typePool struct {
	sem   *semaphore.Weighted
	inUse atomic.Int64
}

func NewThrottle(size int, logger Logger, metrics Metrics) (*Throttle, error) {
	if size <= 0 {
		return nil, errors.Errorf("throttle size must be positive, got %d", size)
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	t := &Throttle{
		size:    size,
		pools:   make(map[models.PluginType]*typePool),
		logger:  orNop(logger),
		metrics: metrics,
	}
	for _, pt := range models.AllPluginTypes() {
		t.pools[pt] = &typePool{sem: semaphore.NewWeighted(int64(size))}
	}
	return t, nil
}

// TryAcquire takes one permit for pluginType without blocking.
func (t *Throttle) TryAcquire(pluginType models.PluginType) bool {
	p, ok := t.pools[pluginType]
	if !ok {
		t.logger.Warnf("No throttle pool for plugin type %q", pluginType)
		return false
	}
	if !p.sem.TryAcquire(1) {
		return false
	}
	n := p.inUse.Add(1)
	t.metrics.PermitsInUse(pluginType, int(n))
	return true
}

// Release returns a permit taken by TryAcquire. A release with no outstanding
// permit is logged and ignored.
func (t *Throttle) Release(pluginType models.PluginType) {
	p, ok := t.pools[pluginType]
	if !ok {
		t.logger.Warnf("Release for unknown plugin type %q ignored", pluginType)
		return
	}
	for {
		cur := p.inUse.Load()
		if cur <= 0 {
			t.logger.Warnf("Release for %s without outstanding permit ignored", pluginType)
			return
		}
		if p.inUse.CompareAndSwap(cur, cur-1) {
			p.sem.Release(1)
			t.metrics.PermitsInUse(pluginType, int(cur-1))
			return
		}
	}
}

// InUse returns the number of outstanding permits for pluginType.
func (t *Throttle) InUse(pluginType models.PluginType) int {
	p, ok := t.pools[pluginType]
	if !ok {
		return 0
	}
	return int(p.inUse.Load())
}

func (t *Throttle) Size() int {
	return t.size
}
