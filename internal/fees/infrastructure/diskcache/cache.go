package diskcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	fees "feesync/internal/fees/domain"
)

const defaultMaxAge = 24 * time.Hour

type document struct {
	FetchedAt   time.Time          `json:"fetched_at"`
	RecordCount int                `json:"record_count"`
	Items       []fees.RawFeeEvent `json:"items"`
}

// Cache keeps the last successful record set in a JSON file.
type Cache struct {
	path   string
	maxAge time.Duration
	clock  fees.Clock
	logger *zap.Logger
	mu     sync.Mutex
}

// Option configures Cache.
type Option func(*Cache)

// WithClock overrides the clock used to age entries.
func WithClock(clock fees.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New builds a cache stored at path. Entries older than maxAge are ignored.
func New(path string, maxAge time.Duration, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if path == "" {
		return nil, errors.New("diskcache: empty path")
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{path: path, maxAge: maxAge, clock: fees.SystemClock{}, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Load returns the cached set, or fees.ErrCacheMiss when the file is missing, unreadable or too old.
func (c *Cache) Load(ctx context.Context) (fees.CachedRecords, error) {
	if err := ctx.Err(); err != nil {
		return fees.CachedRecords{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return fees.CachedRecords{}, fees.ErrCacheMiss
	}
	if err != nil {
		return fees.CachedRecords{}, fmt.Errorf("diskcache: read %s: %w", c.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		c.logger.Warn("fee disk cache unreadable", zap.String("path", c.path), zap.Error(err))
		return fees.CachedRecords{}, fees.ErrCacheMiss
	}
	age := c.clock.Now().Sub(doc.FetchedAt)
	if doc.FetchedAt.IsZero() || age > c.maxAge {
		c.logger.Info("fee disk cache expired", zap.String("path", c.path), zap.Duration("age", age))
		return fees.CachedRecords{}, fees.ErrCacheMiss
	}
	return fees.CachedRecords{FetchedAt: doc.FetchedAt, Records: doc.Items}, nil
}

// Save replaces the file atomically.
func (c *Cache) Save(ctx context.Context, records fees.CachedRecords) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fetched := records.FetchedAt
	if fetched.IsZero() {
		fetched = c.clock.Now()
	}
	data, err := json.Marshal(document{
		FetchedAt:   fetched.UTC(),
		RecordCount: len(records.Records),
		Items:       records.Records,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("diskcache: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("diskcache: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("diskcache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("diskcache: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("diskcache: rename: %w", err)
	}
	return nil
}
