// Package gc implements GarbageCollector: a namespace-keyed worker
// pool that deletes backend objects named by scrub-emitted Garbage
// sets, retrying transient failures on an exponential backoff
// schedule (grounded on original_source/src/backend/GarbageCollector.h's
// GarbageCollectorThreadPoolTraits).
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/rs/zerolog"
)

// Garbage is one scrub-emitted deletion unit: a set of backend objects
// (superseded SCOs, typically) that are safe to remove now that no
// live CA references them.
type Garbage struct {
	Namespace   string
	ObjectNames []string
}

// backoffSchedule mirrors wait_microseconds_before_retry_after_error:
// 0,1,2,4,8,15,30,60,120,240 seconds, capped at 300s from error 10 on.
var backoffSchedule = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
}

func backoffFor(errCount int) time.Duration {
	if errCount >= len(backoffSchedule) {
		return 300 * time.Second
	}
	return backoffSchedule[errCount]
}

// job is one queued Garbage plus its retry state.
type job struct {
	garbage   Garbage
	errCount  int
	notBefore time.Time
}

// namespaceQueue runs jobs for one namespace serially, so a barrier on
// that namespace only needs to wait for its own queue to drain
// (may_reorder across namespaces, ordered within one, per the thread
// pool traits' requeue_before_first_barrier_on_error).
type namespaceQueue struct {
	mu      sync.Mutex
	jobs    []*job
	barrier chan chan struct{}
	wake    chan struct{}
}

// Collector is the GarbageCollector: one goroutine per namespace seen
// so far, fed by Queue() and drained by Barrier().
type Collector struct {
	backends backend.Factory
	params   backend.RequestParameters

	mu     sync.Mutex
	queues map[string]*namespaceQueue
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Collector that deletes through backends.
func New(backends backend.Factory) *Collector {
	return &Collector{
		backends: backends,
		params:   backend.DefaultRequestParameters(),
		queues:   make(map[string]*namespaceQueue),
		stopCh:   make(chan struct{}),
	}
}

func (c *Collector) queueFor(namespace string) *namespaceQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[namespace]
	if !ok {
		q = &namespaceQueue{
			barrier: make(chan chan struct{}, 64),
			wake:    make(chan struct{}, 1),
		}
		c.queues[namespace] = q
		c.wg.Add(1)
		go c.runQueue(namespace, q)
	}
	return q
}

// Queue enqueues g for deletion; it runs asynchronously on g's
// namespace queue.
func (c *Collector) Queue(g Garbage) {
	q := c.queueFor(g.Namespace)
	q.mu.Lock()
	q.jobs = append(q.jobs, &job{garbage: g})
	depth := len(q.jobs)
	q.mu.Unlock()
	metrics.GCQueueDepth.WithLabelValues(g.Namespace).Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Barrier returns a channel that closes once every Garbage queued for
// namespace before this call has been deleted (or permanently given
// up on). It lets a caller (e.g. a rescrub of the same range) know it
// is safe to proceed.
func (c *Collector) Barrier(namespace string) <-chan struct{} {
	q := c.queueFor(namespace)
	done := make(chan struct{})
	q.barrier <- done

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return done
}

// Stop signals every namespace queue to stop picking up new work and
// waits for their goroutines to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) runQueue(namespace string, q *namespaceQueue) {
	defer c.wg.Done()
	logger := log.WithNamespace(namespace)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.releaseBarriersIfEmpty(q)
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for c.processNext(namespace, q, logger) {
		}
		c.releaseBarriersIfEmpty(q)
	}
}

// processNext pops the earliest job whose retry deadline has passed
// and attempts its deletions, requeuing with backoff on transient
// failure. It returns true if it made progress (so the caller should
// immediately try again without waiting for the next wake/tick).
func (c *Collector) processNext(namespace string, q *namespaceQueue, logger zerolog.Logger) bool {
	q.mu.Lock()
	var idx = -1
	now := time.Now()
	for i, j := range q.jobs {
		if !j.notBefore.After(now) {
			idx = i
			break
		}
	}
	if idx == -1 {
		q.mu.Unlock()
		return false
	}
	j := q.jobs[idx]
	q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
	q.mu.Unlock()

	if err := c.deleteAll(namespace, j.garbage.ObjectNames); err != nil {
		if errs.IsRetryable(err) {
			j.errCount++
			j.notBefore = time.Now().Add(backoffFor(j.errCount))
			logger.Warn().Err(err).Int("retry", j.errCount).Strs("objects", j.garbage.ObjectNames).
				Msg("garbage deletion failed, will retry")
			metrics.GCRetriesTotal.Inc()

			q.mu.Lock()
			q.jobs = append(q.jobs, j)
			q.mu.Unlock()
		} else {
			logger.Error().Err(err).Strs("objects", j.garbage.ObjectNames).
				Msg("garbage deletion failed permanently, giving up")
			metrics.GCDeletionsTotal.WithLabelValues(namespace, "permanent_error").Inc()
		}
		metrics.GCQueueDepth.WithLabelValues(namespace).Set(float64(len(q.jobs)))
		return true
	}

	metrics.GCDeletionsTotal.WithLabelValues(namespace, "ok").Inc()
	metrics.GCQueueDepth.WithLabelValues(namespace).Set(float64(len(q.jobs)))
	return true
}

func (c *Collector) deleteAll(namespace string, names []string) error {
	store, err := c.backends.Connect(namespace)
	if err != nil {
		return errs.New(errs.BackendTransient, "gc.deleteAll", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.params.Timeout)
	defer cancel()

	for _, name := range names {
		if err := store.Delete(ctx, name, c.params); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) releaseBarriersIfEmpty(q *namespaceQueue) {
	q.mu.Lock()
	empty := len(q.jobs) == 0
	q.mu.Unlock()
	if !empty {
		return
	}
	for {
		select {
		case done := <-q.barrier:
			close(done)
		default:
			return
		}
	}
}
