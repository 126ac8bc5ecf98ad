// Package scocache implements SCOCache: the local on-disk cache of SCOs
// spread across multiple mount points, with admission, eviction, and the
// disposable/non-disposable class distinction of §4.5. The cleaner
// goroutine is grounded on warren's pkg/reconciler.Reconciler run loop
// (ticker + metrics timer + structured logging per decision).
package scocache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/cuemby/voldrv/pkg/voltypes"
)

// Class distinguishes a cached SCO's eviction eligibility. Transitions
// are forward-only for a given (SCONumber, CloneID) — invariant 2.
type Class int

const (
	Open Class = iota
	NonDisposable
	Disposable
)

func (c Class) String() string {
	switch c {
	case Open:
		return "open"
	case NonDisposable:
		return "non_disposable"
	case Disposable:
		return "disposable"
	default:
		return "unknown"
	}
}

// MountPoint is one local-disk cache target with a target fill band
// [TriggerGap, BackoffGap] (free-space thresholds at which the cleaner
// starts, and stops, evicting).
type MountPoint struct {
	Path        string
	CapacityB   int64
	TriggerGap  int64 // cleaner wakes and evicts while free space < TriggerGap
	BackoffGap  int64 // cleaner stops once free space >= BackoffGap
	broken      bool
	usedBytes   int64
	mu          sync.Mutex
}

func (mp *MountPoint) freeBytes() int64 {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.CapacityB - mp.usedBytes
}

func (mp *MountPoint) reserve(n int64) {
	mp.mu.Lock()
	mp.usedBytes += n
	mp.mu.Unlock()
}

func (mp *MountPoint) release(n int64) {
	mp.mu.Lock()
	mp.usedBytes -= n
	if mp.usedBytes < 0 {
		mp.usedBytes = 0
	}
	mp.mu.Unlock()
}

// entry tracks one cached SCO's class, size and last-access time for LRU
// eviction.
type entry struct {
	namespace  string
	name       string // ClusterLocation.SCOName()
	mountPoint *MountPoint
	class      Class
	sizeB      int64
	lastAccess time.Time
}

// Cache is the process-global SCOCache singleton (§9: "process-wide
// singleton with explicit init(config)/teardown() lifecycle").
type Cache struct {
	mu           sync.Mutex
	mountPoints  []*MountPoint
	entries      map[string]*entry // key: namespace + "/" + name
	cleanInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Cache over the given mount points. Call Start to
// launch the cleaner goroutine.
func New(mountPoints []*MountPoint, cleanInterval time.Duration) *Cache {
	if cleanInterval <= 0 {
		cleanInterval = 30 * time.Second
	}
	return &Cache{
		mountPoints:   mountPoints,
		entries:       make(map[string]*entry),
		cleanInterval: cleanInterval,
	}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// Admit registers a newly-sealed SCO of sizeB bytes, choosing the mount
// point with the most free space, and returns the local filesystem path
// it should be written to.
func (c *Cache) Admit(namespace string, loc voltypes.ClusterLocation, sizeB int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *MountPoint
	for _, mp := range c.mountPoints {
		if mp.broken {
			continue
		}
		if best == nil || mp.freeBytes() > best.freeBytes() {
			best = mp
		}
	}
	if best == nil {
		return "", fmt.Errorf("scocache: no available mount point")
	}

	name := loc.SCOName()
	dir := filepath.Join(best.Path, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		best.broken = true
		return "", fmt.Errorf("scocache: mount point %s broken: %w", best.Path, err)
	}

	best.reserve(sizeB)
	c.entries[key(namespace, name)] = &entry{
		namespace:  namespace,
		name:       name,
		mountPoint: best,
		class:      NonDisposable,
		sizeB:      sizeB,
		lastAccess: time.Now(),
	}
	return filepath.Join(dir, name), nil
}

// Path returns the local path of a cached SCO, and whether it is
// present at all.
func (c *Cache) Path(namespace, name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(namespace, name)]
	if !ok {
		return "", false
	}
	e.lastAccess = time.Now()
	return filepath.Join(e.mountPoint.Path, namespace, name), true
}

// MarkDisposable transitions a SCO from non-disposable to disposable
// once its backend upload is acknowledged, making it eligible for
// eviction. Transitions are forward-only (invariant 2): marking an
// already-disposable SCO is a no-op, and a disposable SCO can never
// move back to non-disposable.
func (c *Cache) MarkDisposable(namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key(namespace, name)]
	if !ok {
		return fmt.Errorf("scocache: unknown sco %s/%s", namespace, name)
	}
	if e.class == Disposable {
		return nil
	}
	e.class = Disposable
	return nil
}

// Remove evicts a SCO unconditionally, used by RemoveUpTo-style garbage
// reclaim once a scrub's Garbage set names it.
func (c *Cache) Remove(namespace, name string) error {
	c.mu.Lock()
	e, ok := c.entries[key(namespace, name)]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.entries, key(namespace, name))
	c.mu.Unlock()

	path := filepath.Join(e.mountPoint.Path, namespace, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("scocache: remove %s: %w", path, err)
	}
	e.mountPoint.release(e.sizeB)
	return nil
}

// Start launches the cleaner goroutine.
func (c *Cache) Start() {
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.cleanerLoop()
}

// Stop signals the cleaner goroutine to exit and waits for it.
func (c *Cache) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
}

func (c *Cache) cleanerLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.clean()
		case <-c.stopCh:
			return
		}
	}
}

// clean evicts least-recently-used disposable SCOs on any mount point
// below its TriggerGap, until each is back above its BackoffGap.
func (c *Cache) clean() {
	timer := metrics.NewTimer()
	var evicted int

	c.mu.Lock()
	for _, mp := range c.mountPoints {
		if mp.broken || mp.freeBytes() >= mp.TriggerGap {
			continue
		}
		for mp.freeBytes() < mp.BackoffGap {
			victim := c.lruDisposableLocked(mp)
			if victim == nil {
				break
			}
			delete(c.entries, key(victim.namespace, victim.name))
			path := filepath.Join(mp.Path, victim.namespace, victim.name)
			c.mu.Unlock()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.WithComponent("scocache").Warn().Err(err).Str("path", path).Msg("evict failed")
			} else {
				mp.release(victim.sizeB)
				evicted++
				metrics.SCOCacheEvictionsTotal.Inc()
			}
			c.mu.Lock()
		}
		metrics.SCOCacheFillRatio.WithLabelValues(mp.Path).Set(1 - float64(mp.freeBytes())/float64(mp.CapacityB))
	}
	c.mu.Unlock()

	log.WithComponent("scocache").Debug().Int("evicted", evicted).Dur("elapsed", timer.Duration()).Msg("cleaner cycle complete")
}

func (c *Cache) lruDisposableLocked(mp *MountPoint) *entry {
	var oldest *entry
	for _, e := range c.entries {
		if e.mountPoint != mp || e.class != Disposable {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
		}
	}
	return oldest
}
