package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lexisync/lexisync/internal/entity"
	"github.com/lexisync/lexisync/internal/model"
	"github.com/lexisync/lexisync/internal/store"
)

// Item pairs a decoded payload with the record that carries it, so callers
// keep access to sync metadata (status, version, local ID) without touching
// raw JSON.
type Item[P entity.Payload] struct {
	Record  *model.Record
	Payload P
}

// Collection is a typed view over one entity type. It adds nothing beyond
// encode/decode on top of [Repository]; mixing typed and untyped access to
// the same records is fine.
type Collection[P entity.Payload] struct {
	repo       *Repository
	entityType string
}

// NewCollection derives the entity type from P's zero value.
func NewCollection[P entity.Payload](r *Repository) *Collection[P] {
	var zero P
	return &Collection[P]{repo: r, entityType: zero.EntityType()}
}

func (c *Collection[P]) Create(ctx context.Context, payload P, refs map[string]string) (Item[P], error) {
	rec, err := c.repo.Create(ctx, payload, refs)
	if err != nil {
		return Item[P]{}, err
	}
	return Item[P]{Record: rec, Payload: payload}, nil
}

func (c *Collection[P]) Update(ctx context.Context, localID string, payload P) (Item[P], error) {
	rec, err := c.repo.Update(ctx, localID, payload)
	if err != nil {
		return Item[P]{}, err
	}
	return Item[P]{Record: rec, Payload: payload}, nil
}

func (c *Collection[P]) Delete(ctx context.Context, localID string) error {
	return c.repo.Delete(ctx, localID)
}

// Get returns the decoded record, or a zero Item when it does not exist.
func (c *Collection[P]) Get(ctx context.Context, localID string) (Item[P], bool, error) {
	rec, err := c.repo.Get(ctx, localID)
	if err != nil || rec == nil {
		return Item[P]{}, false, err
	}
	if rec.EntityType != c.entityType {
		return Item[P]{}, false, fmt.Errorf("record %q is a %s, not a %s", localID, rec.EntityType, c.entityType)
	}
	item, err := c.decode(rec)
	if err != nil {
		return Item[P]{}, false, err
	}
	return item, true, nil
}

// Find returns all live records of the collection's entity type.
func (c *Collection[P]) Find(ctx context.Context) ([]Item[P], error) {
	recs, err := c.repo.Find(ctx, store.Query{EntityType: c.entityType})
	if err != nil {
		return nil, err
	}
	return c.decodeAll(recs)
}

// Observe wraps [Repository.Observe] with payload decoding. Records whose
// payload fails to decode are dropped from the snapshot.
func (c *Collection[P]) Observe(ctx context.Context) <-chan []Item[P] {
	in := c.repo.Observe(ctx, store.Query{EntityType: c.entityType})
	out := make(chan []Item[P], 1)
	go func() {
		defer close(out)
		for recs := range in {
			items := make([]Item[P], 0, len(recs))
			for _, rec := range recs {
				item, err := c.decode(rec)
				if err != nil {
					c.repo.log.Warn("dropping undecodable record", "entity", c.entityType, "local_id", rec.LocalID, "error", err)
					continue
				}
				items = append(items, item)
			}
			select {
			case out <- items:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Collection[P]) decode(rec *model.Record) (Item[P], error) {
	var payload P
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return Item[P]{}, fmt.Errorf("decoding %s %q: %w", c.entityType, rec.LocalID, err)
	}
	return Item[P]{Record: rec, Payload: payload}, nil
}

func (c *Collection[P]) decodeAll(recs []*model.Record) ([]Item[P], error) {
	items := make([]Item[P], 0, len(recs))
	for _, rec := range recs {
		item, err := c.decode(rec)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
