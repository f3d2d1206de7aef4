package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"signalbridge/src/model"
	"signalbridge/src/webhook"
)

type countingProcessor struct {
	mu    sync.Mutex
	count int
	delay time.Duration
}

func (p *countingProcessor) Process(ctx context.Context, wh *model.Webhook, signal *webhook.Signal, clientIP string, receivedAt time.Time) *webhook.Outcome {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
	return &webhook.Outcome{WebhookID: wh.ID}
}

func (p *countingProcessor) processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func testJob() Job {
	signal := &webhook.Signal{Action: "BUY", Symbol: "MES"}
	_ = signal.Normalize()
	return Job{
		Webhook:    &model.Webhook{ID: 1, Token: "tok"},
		Signal:     signal,
		ClientIP:   "9.9.9.9",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestDispatcherProcessesEnqueuedJobs(t *testing.T) {
	processor := &countingProcessor{}
	dispatcher := NewDispatcher(processor, 2, 16)
	dispatcher.Start(context.Background())

	for i := 0; i < 5; i++ {
		if !dispatcher.Enqueue(testJob()) {
			t.Fatalf("enqueue %d rejected unexpectedly", i)
		}
	}

	dispatcher.Stop()

	if processor.processed() != 5 {
		t.Fatalf("expected 5 processed jobs, got %d", processor.processed())
	}
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	processor := &countingProcessor{delay: 200 * time.Millisecond}
	dispatcher := NewDispatcher(processor, 1, 2)
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	accepted := 0
	for i := 0; i < 10; i++ {
		if dispatcher.Enqueue(testJob()) {
			accepted++
		}
	}

	// 1 in flight + 2 queued is the most that can be accepted instantly.
	if accepted > 3 {
		t.Fatalf("expected bounded acceptance, got %d", accepted)
	}
	if accepted == 10 {
		t.Fatalf("full queue must reject")
	}
}

func TestDispatcherStopDrainsInFlightWork(t *testing.T) {
	processor := &countingProcessor{delay: 20 * time.Millisecond}
	dispatcher := NewDispatcher(processor, 2, 16)
	dispatcher.Start(context.Background())

	for i := 0; i < 8; i++ {
		dispatcher.Enqueue(testJob())
	}
	dispatcher.Stop()

	if processor.processed() != 8 {
		t.Fatalf("stop must drain the queue, processed %d of 8", processor.processed())
	}

	// Stop is idempotent.
	dispatcher.Stop()
}
