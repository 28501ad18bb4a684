// Package processing runs generation jobs in-process on a bounded pool of
// goroutines. It replaces Redis and the worker binary for single-binary
// development setups.
package processing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
)

// ErrQueueFull is returned by Dispatch when every slot in the buffer is taken.
var ErrQueueFull = errors.New("processing queue full")

// ErrStopped is returned by Dispatch after the pool has been stopped.
var ErrStopped = errors.New("processing pool stopped")

// Handler runs one job. *worker.Processor's Process method fits.
type Handler func(ctx context.Context, payload queue.GeneratePayload) error

// Pool consumes dispatched jobs with a fixed number of workers. A job that
// was accepted is always handed to either handle or abandon, so no record
// is left behind when the pool shuts down.
type Pool struct {
	handle  Handler
	abandon Handler
	queue   chan queue.GeneratePayload
	workers int
	logger  zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count. abandon receives
// jobs still queued once the Start context is cancelled; it may be nil.
func New(handle, abandon Handler, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		handle:  handle,
		abandon: abandon,
		queue:   make(chan queue.GeneratePayload, workers*4),
		workers: workers,
		logger:  logger.With().Str("component", "processing").Logger(),
	}
}

// Start launches worker goroutines. Cancelling ctx cancels running jobs and
// turns the rest of the queue over to abandon; the goroutines exit once Stop
// has closed the queue and it is drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Dispatch queues a job without blocking.
func (p *Pool) Dispatch(ctx context.Context, payload queue.GeneratePayload) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn().Str("redesign_id", payload.RedesignID).Msg("processing: queue full")
		return ErrQueueFull
	}
}

// Stop refuses new jobs and waits for queued and running jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for payload := range p.queue {
		log := p.logger.With().Str("redesign_id", payload.RedesignID).Logger()
		if ctx.Err() != nil {
			if p.abandon == nil {
				log.Error().Msg("processing: dropping queued job on shutdown")
				continue
			}
			if err := p.abandon(ctx, payload); err != nil {
				log.Error().Err(err).Msg("processing: abandon job failed")
			}
			continue
		}
		if err := p.handle(ctx, payload); err != nil {
			log.Error().Err(err).Msg("processing: job failed")
		}
	}
}
