package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a campaign id does not exist.
var ErrNotFound = errors.New("campaign not found")

type cacheEntry struct {
	campaign  *Campaign
	fetchedAt time.Time
}

// Store reads campaign definitions from Postgres. Definitions are read-mostly
// so Get is served from a short-TTL per-process cache; the authoring service
// calls Invalidate (or just waits out the TTL) after an edit.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]cacheEntry
}

// NewStore creates a campaign store with the given cache TTL.
func NewStore(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Store{
		db:    db,
		ttl:   ttl,
		cache: make(map[uuid.UUID]cacheEntry),
	}
}

const campaignColumns = `id, name, description, trigger_type, trigger_marathon_id, trigger_day_number, steps, is_active`

// Get returns the campaign with the given id, from cache when fresh.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	s.mu.RLock()
	entry, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		return entry.campaign, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[id] = cacheEntry{campaign: c, fetchedAt: time.Now()}
	s.mu.Unlock()
	return c, nil
}

// ListActiveByTrigger returns all active campaigns with the given trigger
// type. Uncached: event intake is low-rate compared to dispatch.
func (s *Store) ListActiveByTrigger(ctx context.Context, t TriggerType) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE is_active AND trigger_type = $1 ORDER BY created_at`, string(t))
	if err != nil {
		return nil, fmt.Errorf("list campaigns by trigger: %w", err)
	}
	defer rows.Close()

	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Invalidate drops a cached definition after an edit.
func (s *Store) Invalidate(id uuid.UUID) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c          Campaign
		marathonID sql.NullString
		dayNumber  sql.NullInt64
		stepsJSON  []byte
	)
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Trigger.Type, &marathonID, &dayNumber, &stepsJSON, &c.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan campaign: %w", err)
	}

	if marathonID.Valid {
		id, err := uuid.Parse(marathonID.String)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: bad marathon id: %w", c.ID, err)
		}
		c.Trigger.MarathonID = &id
	}
	if dayNumber.Valid {
		n := int(dayNumber.Int64)
		c.Trigger.DayNumber = &n
	}
	if err := json.Unmarshal(stepsJSON, &c.Steps); err != nil {
		return nil, fmt.Errorf("campaign %s: bad steps document: %w", c.ID, err)
	}
	return &c, nil
}
