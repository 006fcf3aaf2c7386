// Package scheduler provides named priority queues with per-queue
// concurrency, plus the cron, folder-watch, and webhook triggers that feed
// them. Priority 1 is highest; FIFO within a priority; a saturated queue
// holds arrivals in a bounded backlog and rejects overflow with QUEUE_FULL.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"github.com/deskflow-io/deskflow/pkg/contracts"
	"github.com/deskflow-io/deskflow/pkg/metrics"
)

// Job is one unit of work: execute a template as a run.
type Job struct {
	ID        string
	Template  string
	Queue     string
	Priority  int // 1..9, 1 = highest
	Variables map[string]any
	Trigger   string // manual | cron | watch | webhook
	seq       uint64
}

// QueueConfig configures one named queue.
type QueueConfig struct {
	Name          string `yaml:"name"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxQueued     int    `yaml:"max_queued"`
}

// RunFunc executes a dequeued job. Workers call it synchronously; one
// worker runs one job to completion or suspension.
type RunFunc func(ctx context.Context, job Job)

// jobHeap orders by priority (ascending: 1 first) then arrival sequence.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type runQueue struct {
	cfg     QueueConfig
	mu      sync.Mutex
	cond    *sync.Cond
	backlog jobHeap
	running int
	closed  bool
}

func newRunQueue(cfg QueueConfig) *runQueue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 100
	}
	q := &runQueue{cfg: cfg}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Orchestrator owns the queues and their worker pools.
type Orchestrator struct {
	mu      sync.Mutex
	queues  map[string]*runQueue
	run     RunFunc
	metrics *metrics.Collector
	log     *slog.Logger
	seq     uint64
	wg      sync.WaitGroup
	started bool
}

// NewOrchestrator builds queues from config. A "default" queue always
// exists.
func NewOrchestrator(cfgs []QueueConfig, run RunFunc, collector *metrics.Collector) *Orchestrator {
	o := &Orchestrator{
		queues:  map[string]*runQueue{},
		run:     run,
		metrics: collector,
		log:     slog.Default().With("component", "scheduler"),
	}
	for _, cfg := range cfgs {
		o.queues[cfg.Name] = newRunQueue(cfg)
	}
	if _, ok := o.queues["default"]; !ok {
		o.queues["default"] = newRunQueue(QueueConfig{Name: "default"})
	}
	return o
}

// Submit enqueues a job. Unknown queues fall back to default; overflow
// returns QUEUE_FULL.
func (o *Orchestrator) Submit(job Job) error {
	o.mu.Lock()
	q, ok := o.queues[job.Queue]
	if !ok {
		q = o.queues["default"]
	}
	o.seq++
	job.seq = o.seq
	o.mu.Unlock()

	if job.Priority <= 0 {
		job.Priority = 5
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return contracts.NewError(contracts.ErrCancelled, "queue %q is shut down", q.cfg.Name)
	}
	if len(q.backlog) >= q.cfg.MaxQueued {
		return contracts.NewError(contracts.ErrQueueFull, "queue %q backlog full (%d)", q.cfg.Name, q.cfg.MaxQueued)
	}
	heap.Push(&q.backlog, job)
	o.metrics.ObserveQueueDepth(len(q.backlog))
	q.cond.Signal()
	return nil
}

// Start launches the worker pools. Each queue runs at most MaxConcurrent
// jobs simultaneously; within a queue the highest-priority ready item runs
// first.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	for _, q := range o.queues {
		for i := 0; i < q.cfg.MaxConcurrent; i++ {
			o.wg.Add(1)
			go o.worker(ctx, q)
		}
	}
	// Wake all workers when the context dies.
	go func() {
		<-ctx.Done()
		for _, q := range o.snapshotQueues() {
			q.mu.Lock()
			q.closed = true
			q.cond.Broadcast()
			q.mu.Unlock()
		}
	}()
}

func (o *Orchestrator) snapshotQueues() []*runQueue {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*runQueue, 0, len(o.queues))
	for _, q := range o.queues {
		out = append(out, q)
	}
	return out
}

// Wait blocks until all workers exit (after ctx cancellation).
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) worker(ctx context.Context, q *runQueue) {
	defer o.wg.Done()
	for {
		q.mu.Lock()
		for len(q.backlog) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.backlog).(Job)
		q.running++
		q.mu.Unlock()

		o.run(ctx, job)

		q.mu.Lock()
		q.running--
		q.mu.Unlock()
	}
}

// Depth reports backlog plus running count for a queue.
func (o *Orchestrator) Depth(queue string) int {
	o.mu.Lock()
	q, ok := o.queues[queue]
	o.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) + q.running
}
