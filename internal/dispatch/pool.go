package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
)

// Pool delivers accepted orders upstream from a fixed set of in-process workers.
type Pool struct {
	jobs     chan OrderAcceptedEvent
	sender   Sender
	recorder audit.Recorder
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with a queue of bufferSize jobs.
func NewPool(bufferSize int, sender Sender, recorder audit.Recorder, logger *slog.Logger) *Pool {
	if recorder == nil {
		recorder = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		jobs:     make(chan OrderAcceptedEvent, bufferSize),
		sender:   sender,
		recorder: recorder,
		logger:   logger,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) {
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		_ = deliver(context.Background(), p.sender, p.recorder, p.logger, job)
	}
}

// Submit enqueues a job without blocking. It reports false when the queue
// is full or the pool has been shut down.
func (p *Pool) Submit(job OrderAcceptedEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Dispatch implements domain.Dispatcher. A dropped job leaves the order in
// Processing for reconciliation.
func (p *Pool) Dispatch(ctx context.Context, order *domain.Order) {
	job := NewOrderAcceptedEvent(ctx, order)
	if !p.Submit(job) {
		p.logger.Warn("dispatch queue full or closed, order not forwarded",
			"request_id", job.RequestID,
			"reference_id", job.ReferenceID,
		)
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
