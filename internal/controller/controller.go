// Package controller runs the command dispatch loop: read one FIFO
// message, parse it, and either terminate, trim every bucket, or fan a
// touch job out across the worker pool, matching plumber.cpp's
// top-level message loop in spirit if not in literal shape.
package controller

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/llcset/llcset/internal/fifocmd"
	"github.com/llcset/llcset/internal/llcalloc"
	"github.com/llcset/llcset/internal/touch"
)

// Controller owns the FIFO, the allocator, and the worker pool, and
// drives the read-parse-dispatch loop from a single goroutine
// (spec.md §5: "exactly one controller thread reads the command
// FIFO").
type Controller struct {
	queue   *fifocmd.Queue
	alloc   *llcalloc.Allocator
	workers []*touch.Worker
	log     *logrus.Logger
}

// New wires a Controller around an already-open queue, a fully
// allocated Allocator, and workers started by the caller.
func New(queue *fifocmd.Queue, alloc *llcalloc.Allocator, workers []*touch.Worker, log *logrus.Logger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{queue: queue, alloc: alloc, workers: workers, log: log}
}

// Run reads commands until a quit command arrives or ReadCommand
// returns a fatal queue error. Per-command errors (UnknownOperation,
// OutOfTokens, Busy) are logged and the loop continues, matching the
// original's per-message try/catch around the dispatch switch.
func (c *Controller) Run() error {
	for {
		cmd, err := c.queue.ReadCommand()
		if err != nil {
			if errors.Is(err, fifocmd.ErrQueue) {
				return fmt.Errorf("controller: %w", err)
			}
			c.log.WithError(err).Warn("controller: message error")
			continue
		}

		switch cmd.Kind {
		case fifocmd.KindQuit:
			c.log.Info("controller: quit received")
			return nil
		case fifocmd.KindClean:
			c.alloc.Clean(cmd.Clean)
			c.log.WithField("max_per_set", cmd.Clean).Info("controller: clean completed")
		case fifocmd.KindTouch:
			c.dispatchTouch(cmd)
		}
	}
}

// dispatchTouch fans a touch job out across cmd.Multi workers
// (defaulting to 1), splitting [begin_set, end_set] into that many
// equal chunks per spec.md §4.8's "M workers" rule. A worker reporting
// Busy gets a force-stop by clearing the shared TouchForever flag
// rather than a retry, matching the original's "worker contention raises Busy and
// the controller force-stops the ongoing job" (spec.md §4.9).
func (c *Controller) dispatchTouch(cmd fifocmd.Command) {
	m := cmd.Multi
	if m < 1 {
		m = 1
	}
	if m > len(c.workers) {
		m = len(c.workers)
	}
	if m == 0 {
		c.log.Warn("controller: touch dispatch requested with no workers available")
		return
	}

	if cmd.Job.Op == touch.OpStop {
		touch.SetTouchForever(false)
		return
	}

	span := cmd.Job.EndSet - cmd.Job.BeginSet + 1
	chunk := span / uint64(m)
	if chunk == 0 {
		chunk = 1
	}

	for i, w := range c.workers[:m] {
		begin := cmd.Job.BeginSet + uint64(i)*chunk
		end := begin + chunk - 1
		if i == m-1 {
			end = cmd.Job.EndSet
		}

		job := cmd.Job
		job.BeginSet = begin
		job.EndSet = end

		if err := w.SendJob(job); err != nil {
			if errors.Is(err, touch.ErrBusy) {
				c.log.WithField("worker", i).Warn("controller: worker busy, forcing stop")
				touch.SetTouchForever(false)
				continue
			}
			c.log.WithError(err).WithField("worker", i).Error("controller: send job failed")
		}
	}
}
