// Package worker runs fire-and-forget jobs on a bounded pool while keeping
// jobs that share a key strictly ordered: a key never has two jobs in flight
// and its jobs run in submission order.
package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrDispatcherBusy = errors.New("dispatcher busy")
	ErrClosed         = errors.New("dispatcher closed")
)

const defaultKey = "_"

// Job is one unit of background work.
type Job struct {
	// Key serializes jobs, e.g. a conversation id.
	Key  string
	Name string
	Run  func(ctx context.Context) error

	stop bool
}

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// OnError observes failed jobs after they are logged.
	OnError func(Job, error)
}

type keyQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool
}

// Dispatcher is a per-key FIFO scheduler with LRU fairness across keys.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	onError func(Job, error)
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue storing keys with runnable jobs
	positions map[string]*list.Element
	pending   int
	drained   []chan struct{}
	closed    bool
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		JobQueue:  make(chan Job, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "worker"),
		onError:   cfg.OnError,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.execute)

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.Run == nil {
		return errors.New("job has no run func")
	}
	if job.Key == "" {
		job.Key = defaultKey
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.mu.Lock()
		d.donePendingLocked(1)
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
}

// Wait blocks until every submitted job has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	if d.pending == 0 {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.drained = append(d.drained, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports jobs submitted but not finished.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Workers reports live worker goroutines.
func (d *Dispatcher) Workers() int {
	return d.pool.size()
}

// CancelKey drops jobs queued for key. A job already running finishes.
func (d *Dispatcher) CancelKey(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[key]
	if q == nil {
		return 0
	}
	dropped := len(q.jobs)
	q.jobs = nil
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
		q.enqueued = false
	}
	if !q.running {
		delete(d.queues, key)
	}
	d.donePendingLocked(dropped)
	if dropped > 0 {
		debugLog("[dispatcher] dropped %d queued jobs for %s", dropped, key)
	}
	return dropped
}

// Close stops accepting work and cancels the context handed to running jobs.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.quit)
		d.cancel()
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key in the front of LRU queue
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			d.abandon()
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		// either waiting its turn or will be re-queued when the running job ends
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne hands the front key's next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, key)
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		d.complete(job, ErrClosed)
		return false
	}
	debugLog("[dispatcher] assign job %s for key %s", job.Name, key)
	workerChan <- job
	return true
}

// execute runs on a worker goroutine.
func (d *Dispatcher) execute(job Job) {
	err := d.safeRun(job)
	d.complete(job, err)
}

func (d *Dispatcher) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(d.ctx)
}

func (d *Dispatcher) complete(job Job, err error) {
	if err != nil && !errors.Is(err, ErrClosed) {
		d.logger.Warn("background job failed", "job", job.Name, "key", job.Key, "error", err)
		if d.onError != nil {
			d.onError(job, err)
		}
	}

	d.mu.Lock()
	if q := d.queues[job.Key]; q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			q.enqueued = true
			d.positions[job.Key] = d.ready.PushBack(job.Key)
		} else {
			delete(d.queues, job.Key)
		}
	}
	d.donePendingLocked(1)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// abandon releases Wait callers for jobs that will never run.
func (d *Dispatcher) abandon() {
	for {
		select {
		case <-d.JobQueue:
			d.mu.Lock()
			d.donePendingLocked(1)
			d.mu.Unlock()
		default:
			d.mu.Lock()
			dropped := 0
			for key, q := range d.queues {
				dropped += len(q.jobs)
				q.jobs = nil
				if !q.running {
					delete(d.queues, key)
				}
			}
			d.ready.Init()
			d.positions = make(map[string]*list.Element)
			d.donePendingLocked(dropped)
			d.mu.Unlock()
			return
		}
	}
}

func (d *Dispatcher) donePendingLocked(n int) {
	d.pending -= n
	if d.pending > 0 {
		return
	}
	d.pending = 0
	for _, ch := range d.drained {
		close(ch)
	}
	d.drained = nil
}
