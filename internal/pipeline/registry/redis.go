package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
)

// KeyStore is the subset of the Redis client the lease needs.
type KeyStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// RedisRegistry stores the active run ID under a single key with a TTL. The
// holder renews the TTL while the run is active so a crashed process frees
// the lease after at most one TTL.
type RedisRegistry struct {
	store  KeyStore
	key    string
	ttl    time.Duration
	isNil  func(error) bool
	logger *slog.Logger
}

// NewRedisRegistry keeps the lease under key. isNil reports a missing key
// error from store.Get.
func NewRedisRegistry(store KeyStore, key string, ttl time.Duration, isNil func(error) bool) *RedisRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRegistry{
		store:  store,
		key:    key,
		ttl:    ttl,
		isNil:  isNil,
		logger: slog.Default().With("component", "run-registry", "key", key),
	}
}

func (r *RedisRegistry) Acquire(ctx context.Context, runID string) (Lease, error) {
	ok, err := r.store.SetNX(ctx, r.key, runID, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lease: %w", err)
	}
	if !ok {
		holder, _, _ := r.Active(ctx)
		return nil, apperrors.Newf(apperrors.ErrRunActive, 409, "run %s is active", holder)
	}
	l := &redisLease{
		reg:   r,
		runID: runID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go l.renew()
	return l, nil
}

func (r *RedisRegistry) Active(ctx context.Context) (string, bool, error) {
	id, err := r.store.Get(ctx, r.key)
	if err != nil {
		if r.isNil != nil && r.isNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading run lease: %w", err)
	}
	return id, true, nil
}

type redisLease struct {
	reg   *RedisRegistry
	runID string
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
	lost  chan struct{}
}

func (l *redisLease) RunID() string { return l.runID }

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) renew() {
	defer close(l.done)
	ticker := time.NewTicker(l.reg.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.reg.ttl/3)
			ok, err := l.reg.store.ExpireIfEquals(ctx, l.reg.key, l.runID, l.reg.ttl)
			cancel()
			if err != nil {
				l.reg.logger.Warn("lease renewal failed", "run_id", l.runID, "error", err)
				continue
			}
			if !ok {
				l.reg.logger.Error("lease lost", "run_id", l.runID)
				close(l.lost)
				return
			}
		}
	}
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		var ok bool
		ok, err = l.reg.store.DeleteIfEquals(ctx, l.reg.key, l.runID)
		if err != nil {
			err = fmt.Errorf("releasing run lease: %w", err)
			return
		}
		if !ok {
			l.reg.logger.Warn("lease already gone on release", "run_id", l.runID)
		}
	})
	return err
}
