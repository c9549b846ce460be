// Package workerpool implements the bounded worker population that executes
// admitted DownloadRequests (§4.2). It is a generalization of the teacher's
// pipeline.go: a buffered job channel plus a dynamic set of worker
// goroutines, but the "shrink" scaling policy and the explicit in-flight
// counters are adapted from CloudPull's WorkerPool (internal/sync/worker.go)
// since the teacher's own Pipeline never resizes at runtime.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kabegame/kabegame/internal/model"
	"github.com/kabegame/kabegame/internal/util"
	"github.com/kabegame/kabegame/internal/util/log"
)

// Handler executes one admitted request. It must itself honor ctx
// cancellation and must always call release exactly once when done,
// regardless of outcome (§4.2 step 8).
type Handler func(ctx context.Context, req model.DownloadRequest, release func())

// Pool is the dynamic worker population described in §4.2.
type Pool struct {
	queue   chan model.DownloadRequest
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	target  int32 // desired_workers
	running int32 // current worker goroutine count

	inFlight *util.SafeCounter
}

// New creates a Pool. queueCapacity bounds pool.queue (§3 DownloadPoolState);
// it should comfortably exceed desired_workers so admitted requests never
// block the dispatcher.
func New(handler Handler, queueCapacity int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    make(chan model.DownloadRequest, queueCapacity),
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		inFlight: util.NewSafeInt(),
	}
}

// InFlight returns pool.in_flight.
func (p *Pool) InFlight() int {
	return p.inFlight.Value()
}

// QueueLen returns the length of pool.queue (ready requests awaiting a
// worker), used for the admission invariant in §8.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// Enqueue places an admitted request onto pool.queue and increments
// in_flight. Called by the Dispatcher only after all gates pass.
func (p *Pool) Enqueue(req model.DownloadRequest) {
	p.inFlight.Increment()
	select {
	case p.queue <- req:
	case <-p.ctx.Done():
		p.inFlight.Decrement()
	}
}

// SetTarget changes desired_workers. Increases spawn new workers
// immediately; decreases rely on workers observing running > target on
// their next iteration and exiting (the "shrink" notification, §4.2).
func (p *Pool) SetTarget(target int) {
	if target < 0 {
		target = 0
	}
	atomic.StoreInt32(&p.target, int32(target))
	for atomic.LoadInt32(&p.running) < atomic.LoadInt32(&p.target) {
		p.spawnWorker()
	}
}

func (p *Pool) spawnWorker() {
	atomic.AddInt32(&p.running, 1)
	p.wg.Add(1)
	go p.workerLoop()
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	defer atomic.AddInt32(&p.running, -1)

	for {
		if atomic.LoadInt32(&p.running) > atomic.LoadInt32(&p.target) {
			return // shrink: this worker observed count > target
		}
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.queue:
			released := false
			release := func() {
				if released {
					return
				}
				released = true
				p.inFlight.Decrement()
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("workerpool: handler panicked: %v", r)
						release()
					}
				}()
				p.handler(p.ctx, req, release)
			}()
			release() // idempotent: guarantees release even if the handler forgot
		}
	}
}

// Stop cancels all workers and waits for them to exit. Workers never exit
// mid-request (they finish the handler call above before observing ctx.Done
// at their next loop iteration is moot; the handler itself must check ctx).
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
