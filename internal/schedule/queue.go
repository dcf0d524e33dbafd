// Package schedule implements the engine's durable, time-ordered work queue
// on a Redis sorted set. It owns no business logic beyond "is this due yet":
// items never fire before their due time, and due-but-unprocessed items stay
// queued until a worker pops them.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted-set key holding pending step work.
const DefaultKey = "campaign:schedule"

// Item is one unit of scheduled work: a step of an enrollment and the time
// it becomes due.
type Item struct {
	EnrollmentID uuid.UUID
	StepID       string
	DueAt        time.Time
}

// Queue is the Redis-backed work queue. The member is "<enrollmentID>:<stepID>"
// and the score is the due time in unix milliseconds, so equal due times
// order deterministically by enrollment id.
type Queue struct {
	client *redis.Client
	key    string
}

// NewQueue creates a queue on the default key.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: DefaultKey}
}

func member(enrollmentID uuid.UUID, stepID string) string {
	return enrollmentID.String() + ":" + stepID
}

func parseMember(m string) (uuid.UUID, string, error) {
	parts := strings.SplitN(m, ":", 2)
	if len(parts) != 2 {
		return uuid.Nil, "", fmt.Errorf("malformed work item %q", m)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("malformed work item %q: %w", m, err)
	}
	return id, parts[1], nil
}

// ScheduleAt queues a step for the enrollment at the given due time,
// replacing any earlier schedule for the same step.
func (q *Queue) ScheduleAt(ctx context.Context, enrollmentID uuid.UUID, stepID string, dueAt time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: member(enrollmentID, stepID),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule work: %w", err)
	}
	return nil
}

// ScheduleIfAbsent queues a step only when no schedule for it exists. Used by
// the rebuild path so reconstruction never moves an already-pending item.
func (q *Queue) ScheduleIfAbsent(ctx context.Context, enrollmentID uuid.UUID, stepID string, dueAt time.Time) error {
	err := q.client.ZAddNX(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: member(enrollmentID, stepID),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule work: %w", err)
	}
	return nil
}

// Cancel removes all pending work for an enrollment.
func (q *Queue) Cancel(ctx context.Context, enrollmentID uuid.UUID) error {
	prefix := enrollmentID.String() + ":*"
	var cursor uint64
	for {
		members, next, err := q.client.ZScan(ctx, q.key, cursor, prefix, 100).Result()
		if err != nil {
			return fmt.Errorf("scan pending work: %w", err)
		}
		// ZScan yields member, score pairs; drop the scores.
		toRemove := make([]interface{}, 0, len(members)/2)
		for i := 0; i < len(members); i += 2 {
			toRemove = append(toRemove, members[i])
		}
		if len(toRemove) > 0 {
			if err := q.client.ZRem(ctx, q.key, toRemove...).Err(); err != nil {
				return fmt.Errorf("remove pending work: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// popScript atomically takes up to ARGV[2] items with score <= ARGV[1].
// Popping and removing in one script means two worker processes never claim
// the same item.
var popScript = redis.NewScript(`
	local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "WITHSCORES", "LIMIT", 0, tonumber(ARGV[2]))
	local i = 1
	while i <= #items do
		redis.call("ZREM", KEYS[1], items[i])
		i = i + 2
	end
	return items
`)

// PopDue claims up to limit items due at or before now, in (dueAt,
// enrollment id) order. Claimed items are no longer pending; a worker that
// cannot finish one must Restore it.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]Item, error) {
	raw, err := popScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop due work: %w", err)
	}

	items := make([]Item, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		m, ok := raw[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected pop reply %T", raw[i])
		}
		enrollmentID, stepID, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		score, err := parseScore(raw[i+1])
		if err != nil {
			return nil, err
		}
		items = append(items, Item{
			EnrollmentID: enrollmentID,
			StepID:       stepID,
			DueAt:        time.UnixMilli(score).UTC(),
		})
	}
	return items, nil
}

func parseScore(v interface{}) (int64, error) {
	switch s := v.(type) {
	case string:
		var f float64
		if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
			return 0, fmt.Errorf("bad score %q: %w", s, err)
		}
		return int64(f), nil
	case int64:
		return s, nil
	case float64:
		return int64(s), nil
	default:
		return 0, fmt.Errorf("unexpected score type %T", v)
	}
}

// Restore puts a claimed item back without moving its due time. Used when a
// storage failure prevented processing.
func (q *Queue) Restore(ctx context.Context, item Item) error {
	return q.ScheduleIfAbsent(ctx, item.EnrollmentID, item.StepID, item.DueAt)
}

// PendingCount reports how many items are queued. Health surface.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
