package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/models"
)

// Handler processes one work item. It owns all outcome recording for the item.
type Handler func(ctx context.Context, workerID int, item *models.WorkItem)

// WorkerPool runs a fixed number of workers fed through an unbuffered queue, so an
// item is only handed over once a worker is free to start it
type WorkerPool struct {
	handler    Handler
	logger     arbor.ILogger
	numWorkers int
	queue      chan *models.WorkItem
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewWorkerPool(handler Handler, logger arbor.ILogger, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		handler:    handler,
		logger:     logger,
		numWorkers: numWorkers,
		queue:      make(chan *models.WorkItem),
	}
}

// Start starts the workers. ctx is passed to every handler call.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true

	wp.logger.Debug().
		Int("num_workers", wp.numWorkers).
		Msg("Starting worker pool")

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Submit blocks until a worker accepts item or ctx ends. It returns false when the item
// was not handed over. Submit and Stop must be called from the same goroutine.
func (wp *WorkerPool) Submit(ctx context.Context, item *models.WorkItem) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case wp.queue <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes the queue and waits for in-flight items to finish
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	close(wp.queue)
	wp.wg.Wait()
	wp.logger.Debug().Msg("Worker pool stopped")
}

func (wp *WorkerPool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	for item := range wp.queue {
		wp.handle(ctx, workerID, item)
	}
}

// handle contains a panicking handler to the one item
func (wp *WorkerPool) handle(ctx context.Context, workerID int, item *models.WorkItem) {
	defer common.RecoverPanic(wp.logger, fmt.Sprintf("worker-%d:%s", workerID, item.ID))
	wp.handler(ctx, workerID, item)
}
