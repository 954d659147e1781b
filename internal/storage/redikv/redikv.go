// Package redikv provides the Redis-backed key-value adapter used by the
// active-context tier. The per-session window is a Redis list: append,
// trim, and TTL refresh execute in a single MULTI/EXEC pipeline so
// concurrent writers to one session cannot lose updates or double-trim.
package redikv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/antoniostano/mnemo/internal/storage"
)

const backendName = "redis"

func init() {
	storage.RegisterDriver("redis", func(ctx context.Context, url string) (storage.Adapter, error) {
		return New(Options{URL: url})
	})
}

// Options configures the Redis connection.
type Options struct {
	URL            string
	KeyPrefix      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Adapter implements storage.Adapter and storage.WindowStore over Redis.
type Adapter struct {
	client *redis.Client
	prefix string

	stores    atomic.Int64
	retrieves atomic.Int64
	searches  atomic.Int64
	deletes   atomic.Int64
	failures  atomic.Int64
}

// New builds an adapter; Connect performs the reachability check.
func New(opts Options) (*Adapter, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "mnemo"
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	return &Adapter{
		client: redis.NewClient(redisOpts),
		prefix: opts.KeyPrefix,
	}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Adapter {
	if prefix == "" {
		prefix = "mnemo"
	}
	return &Adapter{client: client, prefix: prefix}
}

func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return a.wrap("connect", err)
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	return a.client.Close()
}

func (a *Adapter) recordKey(id string) string  { return a.prefix + ":rec:" + id }
func (a *Adapter) windowKey(sid string) string { return a.prefix + ":win:" + sid }

func (a *Adapter) Store(ctx context.Context, rec storage.Record) (string, error) {
	a.stores.Add(1)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := a.client.Set(ctx, a.recordKey(rec.ID), rec.Payload, 0).Err(); err != nil {
		return "", a.wrap("store", err)
	}
	return rec.ID, nil
}

func (a *Adapter) Retrieve(ctx context.Context, id string) (storage.Record, error) {
	a.retrieves.Add(1)
	payload, err := a.client.Get(ctx, a.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, a.wrap("retrieve", err)
	}
	return storage.Record{ID: id, Payload: payload}, nil
}

// Search is unsupported on the key-value backend; the active-context tier
// reads through Window instead.
func (a *Adapter) Search(_ context.Context, _ storage.Query) ([]storage.Record, error) {
	a.searches.Add(1)
	return nil, storage.NewError(storage.KindQuery, backendName, "search",
		errors.New("key-value backend does not support search"))
}

func (a *Adapter) Delete(ctx context.Context, id string) (bool, error) {
	a.deletes.Add(1)
	n, err := a.client.Del(ctx, a.recordKey(id)).Result()
	if err != nil {
		return false, a.wrap("delete", err)
	}
	return n > 0, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) storage.Health {
	if err := a.client.Ping(ctx).Err(); err != nil {
		return storage.Health{State: storage.Unhealthy, Message: err.Error()}
	}
	return storage.Health{State: storage.Healthy, Message: "redis reachable"}
}

func (a *Adapter) Metrics() storage.Metrics {
	return storage.Metrics{
		Stores:    a.stores.Load(),
		Retrieves: a.retrieves.Load(),
		Searches:  a.searches.Load(),
		Deletes:   a.deletes.Load(),
		Errors:    a.failures.Load(),
	}
}

// AppendTrim pushes the newest payload, trims the list to windowSize, and
// refreshes the TTL atomically.
func (a *Adapter) AppendTrim(ctx context.Context, sessionID string, payload []byte, windowSize int, ttl time.Duration) error {
	key := a.windowKey(sessionID)
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		if windowSize > 0 {
			pipe.LTrim(ctx, key, 0, int64(windowSize-1))
		}
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return a.wrap("append_trim", err)
	}
	a.stores.Add(1)
	return nil
}

// Window returns up to limit payloads, newest first.
func (a *Adapter) Window(ctx context.Context, sessionID string, limit int) ([][]byte, error) {
	a.retrieves.Add(1)
	end := int64(-1)
	if limit > 0 {
		end = int64(limit - 1)
	}
	vals, err := a.client.LRange(ctx, a.windowKey(sessionID), 0, end).Result()
	if err != nil {
		return nil, a.wrap("window", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (a *Adapter) DropWindow(ctx context.Context, sessionID string) error {
	if err := a.client.Del(ctx, a.windowKey(sessionID)).Err(); err != nil {
		return a.wrap("drop_window", err)
	}
	return nil
}

func (a *Adapter) wrap(op string, err error) error {
	a.failures.Add(1)
	kind := storage.KindConnection
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = storage.KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = storage.KindTimeout
	}
	return storage.NewError(kind, backendName, op, err)
}

var (
	_ storage.Adapter     = (*Adapter)(nil)
	_ storage.WindowStore = (*Adapter)(nil)
)
