// Package backendtasks implements BackendTaskRunner: the ordered
// per-namespace queue that uploads SCOs, TLogs, checksum objects and
// snapshot-file publishes to the backend, respecting dependency order
// (§4.8).
package backendtasks

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cuemby/voldrv/pkg/backend"
	"github.com/cuemby/voldrv/pkg/errs"
	"github.com/cuemby/voldrv/pkg/log"
	"github.com/cuemby/voldrv/pkg/metrics"
	"github.com/rs/zerolog"
)

// TaskID identifies one enqueued task, unique within a Runner.
type TaskID uint64

// Kind distinguishes the object a task uploads, which determines its
// dependency rule.
type Kind int

const (
	// KindSCOUpload has no dependency: SCOs are the leaves.
	KindSCOUpload Kind = iota
	// KindTLogUpload depends on every SCO it references having
	// uploaded first.
	KindTLogUpload
	// KindChecksumWrite depends on the object it checksums.
	KindChecksumWrite
	// KindSnapshotPublish depends on its terminal TLog having uploaded.
	KindSnapshotPublish
)

func (k Kind) String() string {
	switch k {
	case KindSCOUpload:
		return "sco_upload"
	case KindTLogUpload:
		return "tlog_upload"
	case KindChecksumWrite:
		return "checksum_write"
	case KindSnapshotPublish:
		return "snapshot_publish"
	default:
		return "unknown"
	}
}

// Task is one unit of upload work.
type Task struct {
	ID         TaskID
	Namespace  string
	Kind       Kind
	ObjectName string
	LocalPath  string
	DependsOn  []TaskID
	OnUploaded func() // called after a successful upload, e.g. DataStore.AckSCOUploaded
}

// ConsistencyReport is BackendTaskRunner's contribution to
// checkConsistency: whether this namespace's queue is stuck behind a
// poisoned task, and if so which one.
type ConsistencyReport struct {
	Poisoned          bool
	FirstPoisonedTask *TaskID
}

type taskState struct {
	task      Task
	done      bool
	errCount  int
	notBefore time.Time
}

type namespaceQueue struct {
	mu       sync.Mutex
	tasks    map[TaskID]*taskState
	order    []TaskID // FIFO enqueue order
	poisoned *TaskID
	wake     chan struct{}
}

// Runner uploads tasks to the backend, one namespace queue at a time,
// preserving FIFO order and dependency ordering within a namespace.
type Runner struct {
	backends backend.Factory
	params   backend.RequestParameters

	mu     sync.Mutex
	queues map[string]*namespaceQueue
	nextID uint64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Runner that uploads through backends.
func New(backends backend.Factory) *Runner {
	return &Runner{
		backends: backends,
		params:   backend.DefaultRequestParameters(),
		queues:   make(map[string]*namespaceQueue),
		stopCh:   make(chan struct{}),
	}
}

func (r *Runner) queueFor(namespace string) *namespaceQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[namespace]
	if !ok {
		q = &namespaceQueue{
			tasks: make(map[TaskID]*taskState),
			wake:  make(chan struct{}, 1),
		}
		r.queues[namespace] = q
		r.wg.Add(1)
		go r.runQueue(namespace, q)
	}
	return q
}

// Enqueue appends task to its namespace queue and returns the TaskID
// assigned to it, for use in a later task's DependsOn.
func (r *Runner) Enqueue(namespace string, kind Kind, objectName, localPath string, dependsOn []TaskID, onUploaded func()) TaskID {
	r.mu.Lock()
	r.nextID++
	id := TaskID(r.nextID)
	r.mu.Unlock()

	task := Task{
		ID:         id,
		Namespace:  namespace,
		Kind:       kind,
		ObjectName: objectName,
		LocalPath:  localPath,
		DependsOn:  dependsOn,
		OnUploaded: onUploaded,
	}

	q := r.queueFor(namespace)
	q.mu.Lock()
	q.tasks[id] = &taskState{task: task}
	q.order = append(q.order, id)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id
}

// CheckConsistency reports whether namespace's queue is stuck behind a
// poisoned task.
func (r *Runner) CheckConsistency(namespace string) ConsistencyReport {
	q := r.queueFor(namespace)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.poisoned == nil {
		return ConsistencyReport{}
	}
	id := *q.poisoned
	return ConsistencyReport{Poisoned: true, FirstPoisonedTask: &id}
}

// ClearPoison is the operator-only unblock: it drops the poisoned task
// entirely (it is presumed handled or abandoned out of band) and lets
// the queue resume processing tasks after it.
func (r *Runner) ClearPoison(namespace string, id TaskID) {
	q := r.queueFor(namespace)
	q.mu.Lock()
	delete(q.tasks, id)
	if q.poisoned != nil && *q.poisoned == id {
		q.poisoned = nil
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop signals every namespace queue to stop and waits for their
// goroutines to exit.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) runQueue(namespace string, q *namespaceQueue) {
	defer r.wg.Done()
	logger := log.WithNamespace(namespace)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}

		for r.processNext(namespace, q, logger) {
		}
	}
}

func (r *Runner) processNext(namespace string, q *namespaceQueue, logger zerolog.Logger) bool {
	q.mu.Lock()
	if q.poisoned != nil {
		q.mu.Unlock()
		return false
	}

	var next *taskState
	for _, id := range q.order {
		ts := q.tasks[id]
		if ts == nil || ts.done {
			continue
		}
		if ts.notBefore.After(time.Now()) {
			continue
		}
		if !r.dependenciesMetLocked(q, ts.task.DependsOn) {
			continue
		}
		next = ts
		break
	}
	if next == nil {
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()

	err := r.upload(next.task)
	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		next.done = true
		if next.task.OnUploaded != nil {
			next.task.OnUploaded()
		}
		return true
	}

	if errs.IsRetryable(err) {
		next.errCount++
		next.notBefore = time.Now().Add(backoffFor(next.errCount))
		logger.Warn().Err(err).Str("object", next.task.ObjectName).Int("retry", next.errCount).
			Msg("backend task failed, will retry")
		return true
	}

	id := next.task.ID
	q.poisoned = &id
	logger.Error().Err(err).Str("object", next.task.ObjectName).
		Msg("backend task poisoned, blocking namespace queue until operator clears it")
	metrics.BackendTasksPoisoned.Set(1)
	return true
}

func (r *Runner) dependenciesMetLocked(q *namespaceQueue, deps []TaskID) bool {
	for _, dep := range deps {
		ts, ok := q.tasks[dep]
		if !ok || !ts.done {
			return false
		}
	}
	return true
}

func (r *Runner) upload(task Task) error {
	store, err := r.backends.Connect(task.Namespace)
	if err != nil {
		return errs.New(errs.BackendTransient, "backendtasks.upload", err)
	}
	defer store.Close()

	f, err := os.Open(task.LocalPath)
	if err != nil {
		return errs.New(errs.BackendPermanent, "backendtasks.upload", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.params.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	err = store.Write(ctx, task.ObjectName, f, true, r.params)
	timer.ObserveDurationVec(metrics.BackendTaskDuration, task.Kind.String())
	return err
}

// backoffSchedule mirrors the same exponential backoff gc uses,
// since both are per-namespace retry loops against the same backend.
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
