package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/formsync/formsync/internal/cache"
	"github.com/formsync/formsync/pkg/logger"
)

const (
	labelKeyPrefix  = "field:"
	defaultLabelTTL = 30 * time.Minute
	defaultMissTTL  = time.Minute

	// missMarker is stored for field ids the source does not know.
	missMarker = "\x00"
)

// LabelSource resolves a field id to its label from the system of record.
type LabelSource interface {
	GetFieldLabel(ctx context.Context, fieldID string) (string, bool, error)
}

// CachedLabels fronts a LabelSource with the shared cache. Labels are fixed
// when a field is created, so entries only expire to bound memory. Unknown
// field ids are remembered for a shorter miss TTL so a field added after the
// first lookup is picked up soon after.
type CachedLabels struct {
	source  LabelSource
	cache   cache.Store
	ttl     time.Duration
	missTTL time.Duration
	log     *zap.Logger
}

// LabelOption customises a CachedLabels.
type LabelOption func(*CachedLabels)

// WithMissTTL sets how long a lookup that found no label is cached.
func WithMissTTL(ttl time.Duration) LabelOption {
	return func(c *CachedLabels) {
		if ttl > 0 {
			c.missTTL = ttl
		}
	}
}

// NewCachedLabels wraps source. A nil cache disables caching.
func NewCachedLabels(source LabelSource, store cache.Store, ttl time.Duration, opts ...LabelOption) *CachedLabels {
	if ttl <= 0 {
		ttl = defaultLabelTTL
	}
	c := &CachedLabels{
		source:  source,
		cache:   store,
		ttl:     ttl,
		missTTL: defaultMissTTL,
		log:     logger.WithModule("labels"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetFieldLabel satisfies LabelSource. Cache failures degrade to a direct
// lookup; only source errors are returned.
func (c *CachedLabels) GetFieldLabel(ctx context.Context, fieldID string) (string, bool, error) {
	key := labelKeyPrefix + fieldID

	if c.cache != nil {
		value, ok, err := c.cache.Get(ctx, key)
		switch {
		case err != nil:
			c.log.Warn("label cache read failed", zap.String("field_id", fieldID), zap.Error(err))
		case ok && string(value) == missMarker:
			return "", false, nil
		case ok:
			return string(value), true, nil
		}
	}

	label, ok, err := c.source.GetFieldLabel(ctx, fieldID)
	if err != nil {
		return label, ok, err
	}
	if !ok {
		c.store(ctx, fieldID, missMarker, c.missTTL)
		return "", false, nil
	}
	c.store(ctx, fieldID, label, c.ttl)
	return label, true, nil
}

func (c *CachedLabels) store(ctx context.Context, fieldID, value string, ttl time.Duration) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, labelKeyPrefix+fieldID, []byte(value), ttl); err != nil {
		c.log.Warn("label cache write failed", zap.String("field_id", fieldID), zap.Error(err))
	}
}
