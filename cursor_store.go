package eventsourced

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aneshas/eventsourced/broker"
)

const cursorsBucket = "cursors"

// Cursor is the persisted progress of a projection. Position is the last
// processed SeqNo for entity scoped projections and the last processed store
// position for type scoped ones.
type Cursor struct {
	Projection string    `json:"-"`
	Position   uint64    `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewCursorStore constructs a projection cursor store on top of a broker bucket
func NewCursorStore(kv broker.KV, opts ...Option) *CursorStore {
	cfg := newCfg(opts)

	return &CursorStore{
		kv:     kv,
		cfg:    cfg,
		bucket: cfg.bucket(cursorsBucket),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CursorStore persists projection cursors
type CursorStore struct {
	kv     broker.KV
	cfg    Cfg
	bucket string
	now    func() time.Time
}

// Load returns the persisted cursor of a projection. ok is false if it never saved one.
func (s *CursorStore) Load(ctx context.Context, projection string) (Cursor, bool, error) {
	if projection == "" {
		return Cursor{}, false, fmt.Errorf("%w: projection name must be set", ErrInvalidArgument)
	}

	cctx, cancel := s.cfg.callCtx(ctx)
	defer cancel()

	data, err := s.kv.Get(cctx, s.bucket, projection)
	if errors.Is(err, broker.ErrNotFound) {
		return Cursor{Projection: projection}, false, nil
	}

	if err != nil {
		return Cursor{}, false, unavailable(ctx, ErrStoreUnavailable, err)
	}

	var c Cursor

	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, false, corrupt("cursor %s: %v", projection, err)
	}

	c.Projection = projection

	return c, true, nil
}

// Save persists c, overwriting the previous cursor of the projection
func (s *CursorStore) Save(ctx context.Context, c Cursor) error {
	if c.Projection == "" {
		return fmt.Errorf("%w: projection name must be set", ErrInvalidArgument)
	}

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	cctx, cancel := s.cfg.callCtx(ctx)
	defer cancel()

	if err := s.kv.Put(cctx, s.bucket, c.Projection, data); err != nil {
		return unavailable(ctx, ErrStoreUnavailable, err)
	}

	return nil
}
