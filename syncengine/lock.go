package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Locker enforces at most one pass per object pair. Lock never waits: a held key
// fails with ErrPassInProgress.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is a keyed single-flight guard for one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) Lock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrPassInProgress
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker holds a redislock lease on lock:sync:{source}:{target} and keeps refreshing
// it until released.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func LockKey(key string) string {
	return "lock:sync:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, LockKey(key), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrPassInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain sync lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			_ = lock.Release(context.Background())
		})
	}, nil
}

// MySQLLocker uses GET_LOCK. The lock is connection-scoped, so a dedicated connection is
// held for the lifetime of the pass.
type MySQLLocker struct {
	db *sql.DB
}

func NewMySQLLocker(db *sql.DB) *MySQLLocker {
	return &MySQLLocker{db: db}
}

func (l *MySQLLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync lock connection: %w", err)
	}
	name := LockKey(key)
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("get sync lock %s: %w", key, err)
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, ErrPassInProgress
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			var released sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", name).Scan(&released)
			_ = conn.Close()
		})
	}, nil
}
