package service

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
)

// TaskHandler executes one queued task. A returned error reschedules the
// task after the retry delay.
type TaskHandler func(ctx context.Context, body map[string]any) error

// TaskProcessor polls for ready tasks and dispatches them by type.
type TaskProcessor struct {
	store      registrystore.ContentStore
	handlers   map[string]TaskHandler
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewTaskProcessor creates a processor with no handlers. Zero durations and
// sizes fall back to one minute, ten minutes and 100.
func NewTaskProcessor(store registrystore.ContentStore, interval, retryDelay time.Duration, batchSize int) *TaskProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	if retryDelay <= 0 {
		retryDelay = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TaskProcessor{
		store:      store,
		handlers:   map[string]TaskHandler{},
		interval:   interval,
		retryDelay: retryDelay,
		batchSize:  batchSize,
	}
}

// Handle registers h for taskType. Call before Start.
func (p *TaskProcessor) Handle(taskType string, h TaskHandler) *TaskProcessor {
	p.handlers[taskType] = h
	return p
}

// Start begins the periodic task processing loop. Returns when ctx is cancelled.
func (p *TaskProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and runs one batch of ready tasks and returns how many
// completed.
func (p *TaskProcessor) ProcessBatch(ctx context.Context) int {
	tasks, err := p.store.ClaimReadyTasks(ctx, p.batchSize)
	if err != nil {
		log.Error("TaskProcessor: claim tasks failed", "err", err)
		return 0
	}
	done := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return done
		}
		if err := p.executeTask(ctx, task.TaskType, task.TaskBody); err != nil {
			log.Error("TaskProcessor: task failed", "taskId", task.ID, "type", task.TaskType, "retries", task.RetryCount, "err", err)
			if fErr := p.store.FailTask(ctx, task.ID, err.Error(), p.retryDelay); fErr != nil {
				log.Error("TaskProcessor: fail task record failed", "taskId", task.ID, "err", fErr)
			}
			continue
		}
		if dErr := p.store.DeleteTask(ctx, task.ID); dErr != nil {
			log.Error("TaskProcessor: delete task failed", "taskId", task.ID, "err", dErr)
			continue
		}
		done++
	}
	return done
}

func (p *TaskProcessor) executeTask(ctx context.Context, taskType string, body map[string]any) error {
	h, ok := p.handlers[taskType]
	if !ok {
		return fmt.Errorf("unknown task type: %s", taskType)
	}
	return h(ctx, body)
}
