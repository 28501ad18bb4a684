package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/RoomRedesign/internal/queue"
)

// Handler registers the generate task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.GenerateRedesignTask, p.handleGenerate)
	return mux
}

// handleGenerate never asks asynq to retry: a generation job that failed has
// already been recorded on its record.
func (p *Processor) handleGenerate(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.Decode(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.Process(ctx, payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
