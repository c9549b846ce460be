// Package dispatcher implements the Download Dispatcher (§4.1): a single
// cooperative admission loop that moves requests from the PendingQueue into
// the bounded Worker Pool subject to global and per-task limits.
//
// The admission loop itself is grounded on the teacher's
// pkg/wallpaper/downloader.go (serialize-per-query, wake-on-notify shape);
// the per-task min_interval_ms gate is implemented with
// golang.org/x/time/rate limiters keyed per task (one limiter, burst 1, rate
// = 1/min_interval), generalizing CloudPull's MultiTenantRateLimiter
// (internal/api/ratelimiter.go) which keys the same idea by tenant instead
// of task. With a rate.Limiter of burst 1, the first admission for a task
// is never gated, and every later one waits out the configured interval
// since the previous admission. The interval is counted between admissions,
// not from when the task's last download finished, so a download's
// completion time does not move the gate.
package dispatcher

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/ports"
	"github.com/kabegame/kabegame/internal/util/log"
)

const (
	starvationWarnRotations = 20
	starvationWarnCooldown  = 30 * time.Second
)

// PoolView is the subset of workerpool.Pool the Dispatcher needs; kept as a
// narrow interface so dispatcher does not import workerpool, avoiding an
// import cycle with the orchestrator that wires both together.
type PoolView interface {
	InFlight() int
	Enqueue(req model.DownloadRequest)
}

type taskRuntimeState struct {
	inFlight     int
	lastFinished time.Time
	canceled     bool
	limiter      *rate.Limiter
	rotations    int
	lastWarnedAt time.Time
}

// Dispatcher is the §4.1 admission loop.
type Dispatcher struct {
	settings ports.Settings
	events   ports.EventSink
	pool     PoolView

	mu      sync.Mutex
	pending *list.List // of model.DownloadRequest
	tasks   map[string]*taskRuntimeState
	dedup   map[string]bool // "taskID|url|startTimeUnixMilli" in-flight keys

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates a Dispatcher. Call Run in its own goroutine to start the
// admission loop.
func New(settings ports.Settings, events ports.EventSink, pool PoolView) *Dispatcher {
	return &Dispatcher{
		settings: settings,
		events:   events,
		pool:     pool,
		pending:  list.New(),
		tasks:    make(map[string]*taskRuntimeState),
		dedup:    make(map[string]bool),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func dedupKey(taskID, url string, startTime time.Time) string {
	return fmt.Sprintf("%s|%s|%d", taskID, url, startTime.UnixMilli())
}

// Submit pushes a request to PendingQueue and wakes the dispatcher. It
// refuses (without enqueueing) a request whose task is already canceled, or
// a request that duplicates an in-flight (task_id, url, start_time) triple
// (§8 idempotence: the second submission must not double-increment
// counters).
func (d *Dispatcher) Submit(req model.DownloadRequest) error {
	d.mu.Lock()
	ts := d.taskStateLocked(req.TaskID)
	if ts.canceled {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: task %s is canceled", req.TaskID)
	}
	key := dedupKey(req.TaskID, req.URL, req.StartTime)
	if d.dedup[key] {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: duplicate request %s already in flight", key)
	}
	d.dedup[key] = true
	d.pending.PushBack(req)
	size := d.pending.Len()
	d.mu.Unlock()

	d.events.Emit("pending-queue-change", map[string]any{"size": size})
	d.wake()
	return nil
}

// CancelTask marks a task canceled; subsequent scheduling decisions drop or
// short-circuit its requests (§3 invariants).
func (d *Dispatcher) CancelTask(taskID string) {
	d.mu.Lock()
	d.taskStateLocked(taskID).canceled = true
	d.mu.Unlock()
	d.wake()
}

// OnTerminal is called exactly once by the worker pool handler for every
// request that reaches a terminal state. It releases the task's in-flight
// slot, records last_finished, clears the dedup key, and wakes the
// dispatcher so a newly-freed slot is reconsidered immediately (§4.2 step
// 8).
func (d *Dispatcher) OnTerminal(req model.DownloadRequest) {
	d.mu.Lock()
	ts := d.taskStateLocked(req.TaskID)
	if ts.inFlight > 0 {
		ts.inFlight--
	}
	ts.lastFinished = time.Now()
	delete(d.dedup, dedupKey(req.TaskID, req.URL, req.StartTime))
	d.mu.Unlock()
	d.wake()
}

func (d *Dispatcher) taskStateLocked(taskID string) *taskRuntimeState {
	ts, ok := d.tasks[taskID]
	if !ok {
		ts = &taskRuntimeState{}
		d.tasks[taskID] = ts
	}
	return ts
}

func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Stop terminates the admission loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// Run is the single cooperative admission loop (§4.1). It must run in its
// own goroutine; it returns when Stop is called.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for {
		wait := d.drainOnce()
		if wait < 0 {
			select {
			case <-d.stop:
				return
			case <-d.notify:
			}
			continue
		}
		select {
		case <-d.stop:
			return
		case <-d.notify:
		case <-time.After(wait):
		}
	}
}

// drainOnce walks the pending queue once, admitting every request whose
// gates currently pass and rotating the rest to the tail. It returns the
// minimum remaining wait across interval-gated tasks, or -1 if there is
// nothing more it can do without an external wake (queue empty, or every
// remaining head is blocked on pool capacity rather than a timed interval).
func (d *Dispatcher) drainOnce() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	desired := d.settings.MaxConcurrentDownloads()
	remaining := d.pending.Len()
	minWait := time.Duration(-1)

	for remaining > 0 {
		remaining--
		el := d.pending.Front()
		if el == nil {
			break
		}
		req := el.Value.(model.DownloadRequest)
		ts := d.taskStateLocked(req.TaskID)

		if ts.canceled {
			d.pending.Remove(el)
			delete(d.dedup, dedupKey(req.TaskID, req.URL, req.StartTime))
			continue
		}

		limit := d.settings.TaskRateLimit(req.TaskID)
		poolOK := d.pool.InFlight() < desired
		concurrencyOK := limit.MaxConcurrency <= 0 || ts.inFlight < limit.MaxConcurrency
		intervalOK, retryAfter := d.intervalGate(ts, limit)

		if poolOK && concurrencyOK && intervalOK {
			d.pending.Remove(el)
			ts.inFlight++
			ts.rotations = 0
			d.pool.Enqueue(req)
			continue
		}

		// Blocked: rotate to the tail so this task does not head-of-line
		// block others (§4.1).
		d.pending.MoveToBack(el)
		ts.rotations++
		d.maybeWarnStarvation(req.TaskID, ts)

		if !poolOK || !concurrencyOK {
			// Not a timed wait; only an external event (a completion) can
			// unblock this, so it doesn't contribute to minWait.
			continue
		}
		if minWait < 0 || retryAfter < minWait {
			minWait = retryAfter
		}
	}

	queueSize := d.pending.Len()
	d.events.Emit("pending-queue-change", map[string]any{"size": queueSize})
	return minWait
}

// intervalGate reports whether the task's min_interval_ms gate currently
// passes, lazily creating a per-task rate.Limiter (burst 1) the first time a
// positive interval is configured.
func (d *Dispatcher) intervalGate(ts *taskRuntimeState, limit model.TaskRateLimit) (bool, time.Duration) {
	if limit.MinIntervalMS <= 0 {
		return true, 0
	}
	if ts.limiter == nil || ts.limiter.Limit() != rate.Every(time.Duration(limit.MinIntervalMS)*time.Millisecond) {
		ts.limiter = rate.NewLimiter(rate.Every(time.Duration(limit.MinIntervalMS)*time.Millisecond), 1)
	}
	if ts.limiter.Allow() {
		return true, 0
	}
	return false, time.Duration(limit.MinIntervalMS) * time.Millisecond
}

func (d *Dispatcher) maybeWarnStarvation(taskID string, ts *taskRuntimeState) {
	if ts.rotations < starvationWarnRotations {
		return
	}
	if time.Since(ts.lastWarnedAt) < starvationWarnCooldown {
		return
	}
	ts.lastWarnedAt = time.Now()
	log.Printf("dispatcher: task %s has rotated %d times without admission", taskID, ts.rotations)
	d.events.Emit("task-log", map[string]any{
		"taskId":  taskID,
		"level":   "warn",
		"message": fmt.Sprintf("task has been rate-limited for %d scheduling rotations without progress", ts.rotations),
	})
}
