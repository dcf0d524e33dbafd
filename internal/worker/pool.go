// Package worker runs the step execution pool: it polls the schedule queue
// for due work, fans items out to dispatch workers, and rebuilds the queue
// from Postgres after a cold start.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/dispatch"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/pkg/distlock"
	"github.com/fitpulse/campaign-engine/internal/schedule"
)

const (
	// DefaultPollInterval is how often the pool checks for due work.
	DefaultPollInterval = 5 * time.Second

	// DefaultBatchSize is how many due items one poll claims.
	DefaultBatchSize = 100

	// rebuildLockKey serializes cold-start queue reconstruction across
	// instances.
	rebuildLockKey = "campaign:schedule:rebuild"
)

// Queue is the slice of the schedule queue the pool drives.
type Queue interface {
	PopDue(ctx context.Context, now time.Time, limit int) ([]schedule.Item, error)
	Restore(ctx context.Context, item schedule.Item) error
	ScheduleIfAbsent(ctx context.Context, enrollmentID uuid.UUID, stepID string, dueAt time.Time) error
}

// Processor executes one claimed work item.
type Processor interface {
	ProcessItem(ctx context.Context, item schedule.Item) (dispatch.Disposition, error)
}

// Enrollments lists active enrollments for queue reconstruction.
type Enrollments interface {
	ListActive(ctx context.Context) ([]enrollment.PendingWork, error)
}

// Campaigns resolves definitions during reconstruction.
type Campaigns interface {
	Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
}

// Pool polls for due step work and processes it concurrently. Ordering per
// enrollment is enforced by the dispatcher's per-enrollment lock, so the pool
// itself can fan out freely.
type Pool struct {
	queue       Queue
	processor   Processor
	enrollments Enrollments
	campaigns   Campaigns
	redisClient *redis.Client

	workers      int
	pollInterval time.Duration
	batchSize    int

	// Stats
	processed int64
	sent      int64
	skipped   int64
	dropped   int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewPool creates a pool. Zero values get defaults.
func NewPool(queue Queue, processor Processor, enrollments Enrollments, campaigns Campaigns, redisClient *redis.Client, workers int, pollInterval time.Duration, batchSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pool{
		queue:        queue,
		processor:    processor,
		enrollments:  enrollments,
		campaigns:    campaigns,
		redisClient:  redisClient,
		workers:      workers,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Start rebuilds the queue and begins the poll loop.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[Pool] Starting %d workers, poll interval %v", p.workers, p.pollInterval)

	if err := p.rebuild(p.ctx); err != nil {
		log.Printf("[Pool] Schedule rebuild failed: %v", err)
	}

	p.wg.Add(1)
	go p.pollLoop()

	return nil
}

// Stop drains in-flight work and stops the pool.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	log.Printf("[Pool] Stopping...")
	p.cancel()
	p.wg.Wait()
	log.Printf("[Pool] Stopped. Processed: %d (sent: %d, skipped: %d, dropped: %d, failed: %d)",
		atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.sent),
		atomic.LoadInt64(&p.skipped), atomic.LoadInt64(&p.dropped), atomic.LoadInt64(&p.failed))
}

func (p *Pool) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainDue()
		}
	}
}

// drainDue claims and processes due work until the queue yields nothing, so a
// backlog clears faster than one batch per tick.
func (p *Pool) drainDue() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		items, err := p.queue.PopDue(p.ctx, time.Now().UTC(), p.batchSize)
		if err != nil {
			log.Printf("[Pool] Poll failed: %v", err)
			return
		}
		if len(items) == 0 {
			return
		}

		work := make(chan schedule.Item)
		var batch sync.WaitGroup
		for i := 0; i < p.workers; i++ {
			batch.Add(1)
			go func() {
				defer batch.Done()
				for item := range work {
					p.processOne(item)
				}
			}()
		}
		for _, item := range items {
			work <- item
		}
		close(work)
		batch.Wait()

		if len(items) < p.batchSize {
			return
		}
	}
}

func (p *Pool) processOne(item schedule.Item) {
	atomic.AddInt64(&p.processed, 1)

	disp, err := p.processor.ProcessItem(p.ctx, item)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.Printf("[Pool] Processing failed for %s step %s, restoring: %v", item.EnrollmentID, item.StepID, err)
		if rerr := p.queue.Restore(p.ctx, item); rerr != nil {
			log.Printf("[Pool] Restore failed for %s step %s: %v", item.EnrollmentID, item.StepID, rerr)
		}
		return
	}

	switch disp {
	case dispatch.DispositionSent:
		atomic.AddInt64(&p.sent, 1)
	case dispatch.DispositionSkipped:
		atomic.AddInt64(&p.skipped, 1)
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// rebuild reconstructs the queue from Postgres: every active enrollment gets
// its next step scheduled at last_resolved_at + delay, unless a schedule for
// that step already exists. Runs under a distributed lock so only one
// instance rebuilds after a fleet restart.
func (p *Pool) rebuild(ctx context.Context) error {
	if p.redisClient == nil {
		return p.rebuildLocked(ctx)
	}
	held, err := distlock.WithLock(ctx, p.redisClient, rebuildLockKey, time.Minute, p.rebuildLocked)
	if err != nil {
		return err
	}
	if !held {
		log.Printf("[Pool] Schedule rebuild already running elsewhere, skipping")
	}
	return nil
}

func (p *Pool) rebuildLocked(ctx context.Context) error {
	work, err := p.enrollments.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active enrollments: %w", err)
	}

	var restored int
	for _, w := range work {
		c, err := p.campaigns.Get(ctx, w.CampaignID)
		if err != nil {
			log.Printf("[Pool] Rebuild: campaign %s unavailable, skipping enrollment %s: %v", w.CampaignID, w.EnrollmentID, err)
			continue
		}
		if w.Cursor >= len(c.Steps) {
			continue
		}
		step := c.Steps[w.Cursor]
		dueAt := w.LastResolvedAt.Add(step.Delay.Duration())
		if err := p.queue.ScheduleIfAbsent(ctx, w.EnrollmentID, step.ID, dueAt); err != nil {
			return err
		}
		restored++
	}
	if restored > 0 {
		log.Printf("[Pool] Schedule rebuild done: %d enrollments checked, %d scheduled", len(work), restored)
	}
	return nil
}

// Stats is a point-in-time snapshot for the health surface.
type Stats struct {
	Processed int64 `json:"processed"`
	Sent      int64 `json:"sent"`
	Skipped   int64 `json:"skipped"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// GetStats returns the pool counters.
func (p *Pool) GetStats() Stats {
	return Stats{
		Processed: atomic.LoadInt64(&p.processed),
		Sent:      atomic.LoadInt64(&p.sent),
		Skipped:   atomic.LoadInt64(&p.skipped),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}
