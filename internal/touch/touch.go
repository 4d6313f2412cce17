// Package touch implements the worker half of the toucher: one
// goroutine per worker, each pinned to its OS thread, waiting on a
// condition variable for a job descriptor and then walking partitioned
// cache-line rings forever until cancelled.
package touch

import (
	"errors"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/llcset/llcset/internal/cacheline"
	"github.com/llcset/llcset/internal/llcalloc"
	"github.com/llcset/llcset/internal/timing"
)

// pollutionSink absorbs every line load during the pollute loop so the
// compiler can't prove the reads are dead.
var pollutionSink uint64

// Op selects what a dispatched Job does with its partitioned lines.
type Op int

const (
	OpTouch Op = iota
	OpFlush
	OpStop
)

// ErrBusy is returned by Worker.SendJob when the worker is already
// running a job (spec.md §4.8 step 1: try_lock, raise Busy).
var ErrBusy = errors.New("touch: worker busy")

// Job is one dispatched job descriptor (spec.md §3's touch job shape).
type Job struct {
	BeginSet, EndSet  uint64
	LinesPerSet       int
	Partitions        int
	DisableInterrupts bool
	FlushBefore       bool
	FlushAfter        bool
	Op                Op
}

// touchForever is the process-wide cooperative cancellation flag every
// worker's pollute loop reads. It is advisory (spec.md §5): writes may
// be observed with bounded delay, typically one partition stride.
var touchForever int32 // accessed only via atomic helpers in touch_forever.go

// Worker owns one OS thread's (mutex, condvar) pair and the partition
// heads handed off by its last successful SendJob. Not safe for
// concurrent SendJob calls from multiple goroutines; the controller
// drives all workers from its own dispatch goroutine, one call per
// worker.
type Worker struct {
	id       int
	alloc    *llcalloc.Allocator
	log      *logrus.Logger
	mu       sync.Mutex
	cond     *sync.Cond
	job      Job
	heads    []cacheline.Handle
	pending  bool
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewWorker returns a worker bound to alloc; call Start once before
// the first SendJob.
func NewWorker(id int, alloc *llcalloc.Allocator, log *logrus.Logger) *Worker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Worker{id: id, alloc: alloc, log: log, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the worker's goroutine, locked to its own OS thread
// for the lifetime of the pollute loop (spec.md §4.8: "one thread per
// worker").
func (w *Worker) Start() {
	if w.started {
		return
	}
	w.started = true
	go w.run()
}

// LockForTest and UnlockForTest hold and release a worker's mutex so
// other packages' tests can simulate SendJob contention (ErrBusy)
// without a live allocator.
func (w *Worker) LockForTest()   { w.mu.Lock() }
func (w *Worker) UnlockForTest() { w.mu.Unlock() }

// Stop unblocks a worker parked forever with no pending job, letting
// its goroutine exit. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
}

func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for !w.pending {
			select {
			case <-w.done:
				return
			default:
			}
			w.cond.Wait()
			select {
			case <-w.done:
				return
			default:
			}
		}
		job := w.job
		heads := w.heads
		w.pending = false

		w.mu.Unlock()
		w.execute(job, heads)
		w.mu.Lock()
	}
}

// SendJob resolves the requested line range, partitions it, and wakes
// the worker. Returns ErrBusy if the worker's mutex is contended,
// matching the original's try_lock semantics (spec.md §4.8).
func (w *Worker) SendJob(j Job) error {
	if !w.mu.TryLock() {
		return ErrBusy
	}
	defer w.mu.Unlock()

	if j.Op == OpStop {
		SetTouchForever(false)
		return nil
	}

	list, err := w.alloc.GetSets(j.BeginSet, j.EndSet, j.LinesPerSet)
	if err != nil {
		return err
	}
	parts, err := list.Partition(j.Partitions)
	if err != nil {
		return err
	}
	heads := make([]cacheline.Handle, len(parts))
	for i, p := range parts {
		heads[i] = p.Head()
	}

	w.job = j
	w.heads = heads
	w.pending = true
	w.cond.Signal()

	w.log.WithFields(logrus.Fields{
		"worker": w.id,
		"length": list.Len(),
	}).Info("touch: job dispatched")
	return nil
}

// flushHeads flushes every line reachable from each partition head,
// matching flush_partitions()'s full-ring sweep.
func (w *Worker) flushHeads(heads []cacheline.Handle) {
	arena := w.alloc.Arena()
	for _, h := range heads {
		if h == cacheline.NoHandle {
			continue
		}
		start := h
		cur := h
		for {
			line := arena.Get(cur)
			timing.CLFlush(line.VirtAddr())
			cur = arena.Next(cur)
			if cur == start {
				break
			}
		}
	}
	timing.MFENCE()
}

func (w *Worker) execute(j Job, heads []cacheline.Handle) {
	switch j.Op {
	case OpFlush:
		w.flushHeads(heads)
	case OpTouch:
		start := timing.Now()
		if j.FlushBefore {
			w.flushHeads(heads)
		}
		w.pollute(heads, j.DisableInterrupts)
		if j.FlushAfter {
			w.flushHeads(heads)
		}
		w.log.WithFields(logrus.Fields{
			"worker":   w.id,
			"duration": timing.Since(start),
		}).Info("touch: run finished")
	default:
	}
}

// pollute busy-walks every partition ring in round-robin, one stride
// per outer iteration, until TouchForever() is cleared (spec.md
// §4.8). Interrupt disabling, when requested, brackets the whole loop
// rather than each stride, never spanning a system call.
func (w *Worker) pollute(heads []cacheline.Handle, disableInterrupts bool) {
	arena := w.alloc.Arena()
	cur := append([]cacheline.Handle(nil), heads...)
	SetTouchForever(true)

	walk := func() {
		for TouchForever() {
			for i, h := range cur {
				if h == cacheline.NoHandle {
					continue
				}
				pollutionSink += *(*uint64)(unsafe.Pointer(arena.Get(h).VirtAddr()))
				cur[i] = arena.Next(h)
			}
		}
	}

	if disableInterrupts {
		if err := timing.WithInterruptsDisabled(walk); err != nil {
			w.log.WithError(err).Warn("touch: interrupt disable unavailable, running without it")
			walk()
		}
		return
	}
	walk()
}
