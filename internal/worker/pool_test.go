package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/dispatch"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/schedule"
)

type fakeQueue struct {
	mu       sync.Mutex
	due      []schedule.Item
	restored []schedule.Item
	absent   []schedule.Item
}

func (f *fakeQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]schedule.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.due)
	if n > limit {
		n = limit
	}
	out := f.due[:n]
	f.due = f.due[n:]
	return out, nil
}

func (f *fakeQueue) Restore(ctx context.Context, item schedule.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, item)
	return nil
}

func (f *fakeQueue) ScheduleIfAbsent(ctx context.Context, enrollmentID uuid.UUID, stepID string, dueAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.absent = append(f.absent, schedule.Item{EnrollmentID: enrollmentID, StepID: stepID, DueAt: dueAt})
	return nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	processed []schedule.Item
	fail      map[uuid.UUID]bool
}

func (f *fakeProcessor) ProcessItem(ctx context.Context, item schedule.Item) (dispatch.Disposition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, item)
	if f.fail[item.EnrollmentID] {
		return "", errors.New("storage down")
	}
	return dispatch.DispositionSent, nil
}

type fakeLister struct {
	work []enrollment.PendingWork
}

func (f *fakeLister) ListActive(ctx context.Context) ([]enrollment.PendingWork, error) {
	return f.work, nil
}

type fakeCampaigns struct {
	byID map[uuid.UUID]*campaign.Campaign
}

func (f *fakeCampaigns) Get(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return c, nil
}

func TestDrainDue_ProcessesAllItemsAndRestoresFailures(t *testing.T) {
	good := uuid.New()
	bad := uuid.New()

	queue := &fakeQueue{due: []schedule.Item{
		{EnrollmentID: good, StepID: "welcome"},
		{EnrollmentID: bad, StepID: "welcome"},
	}}
	processor := &fakeProcessor{fail: map[uuid.UUID]bool{bad: true}}

	p := NewPool(queue, processor, &fakeLister{}, &fakeCampaigns{}, nil, 2, time.Hour, 10)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	defer p.cancel()

	p.drainDue()

	if len(processor.processed) != 2 {
		t.Fatalf("processed = %d, want 2", len(processor.processed))
	}
	if len(queue.restored) != 1 || queue.restored[0].EnrollmentID != bad {
		t.Errorf("failed item not restored: %+v", queue.restored)
	}

	stats := p.GetStats()
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDrainDue_KeepsClaimingWhileBatchesAreFull(t *testing.T) {
	queue := &fakeQueue{}
	for i := 0; i < 5; i++ {
		queue.due = append(queue.due, schedule.Item{EnrollmentID: uuid.New(), StepID: "s"})
	}
	processor := &fakeProcessor{}

	// Batch size 2 forces three pops to clear the backlog.
	p := NewPool(queue, processor, &fakeLister{}, &fakeCampaigns{}, nil, 1, time.Hour, 2)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	defer p.cancel()

	p.drainDue()

	if len(processor.processed) != 5 {
		t.Errorf("processed = %d, want the whole backlog", len(processor.processed))
	}
}

func TestRebuild_SchedulesNextStepWithoutMovingPending(t *testing.T) {
	c := &campaign.Campaign{
		ID:       uuid.New(),
		IsActive: true,
		Steps: []campaign.Step{
			{ID: "welcome", TemplateID: uuid.New(), Delay: campaign.Delay{Amount: 1, Unit: campaign.DelayHours}},
			{ID: "day-two", TemplateID: uuid.New(), Delay: campaign.Delay{Amount: 2, Unit: campaign.DelayDays}},
		},
	}

	resolvedAt := time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)
	midway := enrollment.PendingWork{
		EnrollmentID:   uuid.New(),
		CampaignID:     c.ID,
		Cursor:         1,
		LastResolvedAt: resolvedAt,
	}
	// An enrollment whose cursor already passed the last step needs nothing.
	done := enrollment.PendingWork{
		EnrollmentID:   uuid.New(),
		CampaignID:     c.ID,
		Cursor:         2,
		LastResolvedAt: resolvedAt,
	}

	queue := &fakeQueue{}
	p := NewPool(queue, &fakeProcessor{}, &fakeLister{work: []enrollment.PendingWork{midway, done}},
		&fakeCampaigns{byID: map[uuid.UUID]*campaign.Campaign{c.ID: c}}, nil, 1, time.Hour, 10)

	if err := p.rebuildLocked(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(queue.absent) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(queue.absent))
	}
	got := queue.absent[0]
	if got.EnrollmentID != midway.EnrollmentID || got.StepID != "day-two" {
		t.Errorf("wrong item scheduled: %+v", got)
	}
	if want := resolvedAt.Add(48 * time.Hour); !got.DueAt.Equal(want) {
		t.Errorf("due at %v, want %v", got.DueAt, want)
	}
}

func TestRebuild_SkipsUnresolvableCampaigns(t *testing.T) {
	queue := &fakeQueue{}
	w := enrollment.PendingWork{EnrollmentID: uuid.New(), CampaignID: uuid.New(), Cursor: 0}
	p := NewPool(queue, &fakeProcessor{}, &fakeLister{work: []enrollment.PendingWork{w}},
		&fakeCampaigns{byID: map[uuid.UUID]*campaign.Campaign{}}, nil, 1, time.Hour, 10)

	if err := p.rebuildLocked(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(queue.absent) != 0 {
		t.Errorf("unresolvable campaign must not schedule work: %+v", queue.absent)
	}
}

func TestPoolStartStop(t *testing.T) {
	queue := &fakeQueue{}
	p := NewPool(queue, &fakeProcessor{}, &fakeLister{}, &fakeCampaigns{}, nil, 1, 10*time.Millisecond, 10)

	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err == nil {
		t.Error("double start must fail")
	}
	p.Stop()
	p.Stop() // idempotent
}
