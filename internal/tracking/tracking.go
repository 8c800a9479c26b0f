// Package tracking keeps the last known position of moving responders.
// Entries expire after a TTL; a missing entry means the position is unknown.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lifeline/dispatch/internal/geo"
	"lifeline/dispatch/internal/responder"
)

const DefaultTTL = 5 * time.Minute

// Fix is a position report.
type Fix struct {
	Location   geo.Point `json:"location"`
	ReportedAt time.Time `json:"reported_at"`
}

type Locator interface {
	SetLocation(ctx context.Context, kind responder.Kind, id string, p geo.Point) error
	Location(ctx context.Context, kind responder.Kind, id string) (Fix, bool, error)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Cache stores fixes in redis. A Cache without a client is disabled and reports every
// position as unknown.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewCache(client *redis.Client, prefix string, ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "lifeline"
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl, now: now}
}

func (c *Cache) Enabled() bool { return c.client != nil }

func (c *Cache) key(kind responder.Kind, id string) string {
	return c.prefix + ":location:" + string(kind) + ":" + id
}

func (c *Cache) SetLocation(ctx context.Context, kind responder.Kind, id string, p geo.Point) error {
	if !c.Enabled() {
		return nil
	}
	data, err := json.Marshal(Fix{Location: p, ReportedAt: c.now().UTC()})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(kind, id), data, c.ttl).Err()
}

func (c *Cache) Location(ctx context.Context, kind responder.Kind, id string) (Fix, bool, error) {
	if !c.Enabled() {
		return Fix{}, false, nil
	}
	data, err := c.client.Get(ctx, c.key(kind, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Fix{}, false, nil
		}
		return Fix{}, false, err
	}

	var fix Fix
	if err := json.Unmarshal(data, &fix); err != nil {
		return Fix{}, false, fmt.Errorf("decode location %s: %w", c.key(kind, id), err)
	}
	return fix, true, nil
}

func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Memory is an in-process Locator honoring the same TTL contract.
type Memory struct {
	mu    sync.RWMutex
	fixes map[string]Fix
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{fixes: make(map[string]Fix), ttl: ttl, now: now}
}

func (m *Memory) SetLocation(_ context.Context, kind responder.Kind, id string, p geo.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixes[string(kind)+":"+id] = Fix{Location: p, ReportedAt: m.now().UTC()}
	return nil
}

func (m *Memory) Location(_ context.Context, kind responder.Kind, id string) (Fix, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fix, ok := m.fixes[string(kind)+":"+id]
	if !ok || m.now().Sub(fix.ReportedAt) >= m.ttl {
		return Fix{}, false, nil
	}
	return fix, true, nil
}
