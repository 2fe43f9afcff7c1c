package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/soyeahso/agentsync/internal/domain"
	"github.com/soyeahso/agentsync/internal/logging"
	"github.com/soyeahso/agentsync/internal/store"
)

const laneBuffer = 100

// ErrQueueStopped is returned by Enqueue before Start or after Stop.
var ErrQueueStopped = errors.New("patch queue not running")

// Job is one decoded patch waiting to be applied.
type Job struct {
	Patch domain.ConfigPatch
	Meta  store.PatchMeta
}

// Processor applies a job. Errors are logged; the lane moves on.
type Processor func(ctx context.Context, job Job) error

// Queue gives every agent its own FIFO lane so patches to one agent apply
// in arrival order, while the semaphore bounds how many agents are being
// written at once.
type Queue struct {
	lanes     map[string]chan Job
	semaphore *semaphore.Weighted
	processor Processor
	log       *logging.Logger
	pending   atomic.Int64 // enqueued and not yet finished

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewQueue creates a Queue that processes up to maxConcurrent agents at a time.
func NewQueue(maxConcurrent int64, processor Processor, log *logging.Logger) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[string]chan Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		processor: processor,
		log:       log.Sub("queue"),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight work, closes all lanes and waits for their
// goroutines. Queued jobs that have not started are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds job to its agent's lane, creating the lane on first use.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.stopped {
		return ErrQueueStopped
	}

	agentID := job.Patch.AgentID
	lane, ok := q.lanes[agentID]
	if !ok {
		lane = make(chan Job, laneBuffer)
		q.lanes[agentID] = lane
		q.wg.Add(1)
		go q.processLane(agentID, lane)
	}

	q.pending.Add(1)
	select {
	case lane <- job:
		return nil
	default:
		q.pending.Add(-1)
		return fmt.Errorf("queue full for agent %s", agentID)
	}
}

func (q *Queue) processLane(agentID string, lane chan Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			if err := q.processor(q.ctx, job); err != nil {
				q.log.Error().Err(err).
					Str("agentId", agentID).
					Str("field", string(job.Patch.Field)).
					Str("envelopeId", job.Meta.EnvelopeID).
					Msg("patch failed")
			}
			q.pending.Add(-1)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

// Lanes returns the number of agents that have had patches queued.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// WaitIdle blocks until every enqueued job has finished, or the timeout
// expires. It reports whether the queue went idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
