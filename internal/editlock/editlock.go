// Package editlock serializes editing of a project. Only one editor
// session may hold a project's lock at a time; the lock expires on its
// own if the holder disappears without releasing it.
package editlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when a different session already holds the lock.
var ErrHeld = fmt.Errorf("project is being edited in another session")

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var refreshScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*Locker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, ttl), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, prefix: "editlock:", ttl: ttl}
}

func (l *Locker) key(projectID string) string {
	return l.prefix + projectID
}

// Acquire takes the project lock for holder. Re-acquiring a lock the
// same holder already owns succeeds and extends the expiry.
func (l *Locker) Acquire(ctx context.Context, projectID, holder string) error {
	ok, err := l.client.SetNX(ctx, l.key(projectID), holder, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire edit lock: %w", err)
	}
	if ok {
		return nil
	}
	current, err := l.client.Get(ctx, l.key(projectID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inspect edit lock: %w", err)
	}
	if current == holder {
		return l.Refresh(ctx, projectID, holder)
	}
	return ErrHeld
}

// Refresh extends the expiry of a lock the holder still owns.
func (l *Locker) Refresh(ctx context.Context, projectID, holder string) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(projectID)}, holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh edit lock: %w", err)
	}
	if n == 0 {
		return ErrHeld
	}
	return nil
}

// Release drops the lock if holder still owns it. Releasing a lock that
// expired or was taken over is not an error.
func (l *Locker) Release(ctx context.Context, projectID, holder string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(projectID)}, holder).Int(); err != nil {
		return fmt.Errorf("release edit lock: %w", err)
	}
	return nil
}

// Holder reports who currently owns the project lock, if anyone.
func (l *Locker) Holder(ctx context.Context, projectID string) (string, error) {
	holder, err := l.client.Get(ctx, l.key(projectID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read edit lock: %w", err)
	}
	return holder, nil
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *Locker) Close() error {
	return l.client.Close()
}
