// Package dispatch decouples the webhook HTTP response from strategy
// execution: admitted signals go onto a bounded queue and a fixed worker pool
// drains it. A full queue rejects new work instead of growing without bound.
package dispatch

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/model"
	"signalbridge/src/webhook"
)

// Job is one admitted signal waiting for execution.
type Job struct {
	Webhook    *model.Webhook
	Signal     *webhook.Signal
	ClientIP   string
	ReceivedAt time.Time
}

// JobProcessor is what the workers run; satisfied by webhook.Processor.
type JobProcessor interface {
	Process(ctx context.Context, wh *model.Webhook, signal *webhook.Signal, clientIP string, receivedAt time.Time) *webhook.Outcome
}

type Dispatcher struct {
	processor JobProcessor
	queue     chan Job
	workers   int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewDispatcher(processor JobProcessor, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		processor: processor,
		queue:     make(chan Job, queueSize),
		workers:   workers,
	}
}

// Start launches the worker pool. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		logger.WithFields(map[string]interface{}{
			"component": "Dispatcher",
			"workers":   d.workers,
			"queue_cap": cap(d.queue),
		}).Info("Dispatcher started")

		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Enqueue hands a job to the pool without blocking. It reports false when the
// queue is full; the caller decides how to answer the webhook sender.
func (d *Dispatcher) Enqueue(job Job) bool {
	select {
	case d.queue <- job:
		return true
	default:
		logger.WithFields(map[string]interface{}{
			"component":  "Dispatcher",
			"webhook_id": job.Webhook.ID,
		}).Warn("Dispatch queue full, dropping signal")
		return false
	}
}

// Stop closes the queue and waits for in-flight jobs to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
		d.wg.Wait()
		logger.Info("Dispatcher drained and stopped")
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for job := range d.queue {
		if ctx.Err() != nil {
			// Context gone: keep draining the channel so Stop returns, but
			// skip execution.
			continue
		}
		d.processor.Process(ctx, job.Webhook, job.Signal, job.ClientIP, job.ReceivedAt)
	}
}

// QueueDepth reports the jobs currently waiting, for the health endpoint.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}
