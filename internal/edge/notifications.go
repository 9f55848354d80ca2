package edge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NotificationCenter tracks the notifications currently displayed and hands
// them to the Display. A record with a non-empty tag replaces the displayed
// record carrying the same tag.
type NotificationCenter struct {
	display Display
	now     func() time.Time
	log     zerolog.Logger

	mu   sync.Mutex
	byID map[string]NotificationRecord
}

func NewNotificationCenter(display Display, log zerolog.Logger) *NotificationCenter {
	return &NotificationCenter{
		display: display,
		now:     time.Now,
		log:     log,
		byID:    map[string]NotificationRecord{},
	}
}

// Show displays rec, assigning its id and timestamp. The record is only kept
// once the display accepted it.
func (c *NotificationCenter) Show(ctx context.Context, rec *NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.ShownAt = c.now().UTC()

	if c.display != nil {
		if err := c.display.Show(ctx, *rec); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.Tag != "" {
		for id, cur := range c.byID {
			if cur.Tag == rec.Tag {
				delete(c.byID, id)
			}
		}
	}
	c.byID[rec.ID] = *rec
	return nil
}

// Close removes the record and dismisses it on the display.
func (c *NotificationCenter) Close(ctx context.Context, id string) (NotificationRecord, bool) {
	c.mu.Lock()
	rec, ok := c.byID[id]
	delete(c.byID, id)
	c.mu.Unlock()
	if !ok {
		return NotificationRecord{}, false
	}
	if c.display != nil {
		if err := c.display.Close(ctx, id); err != nil {
			c.log.Debug().Err(err).Str("notification", id).Msg("dismiss on display")
		}
	}
	return rec, true
}

func (c *NotificationCenter) Get(id string) (NotificationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	return rec, ok
}

// List returns the displayed records, oldest first.
func (c *NotificationCenter) List() []NotificationRecord {
	c.mu.Lock()
	out := make([]NotificationRecord, 0, len(c.byID))
	for _, rec := range c.byID {
		out = append(out, rec)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}
