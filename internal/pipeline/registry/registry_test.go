package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/redis"
	"github.com/alicebob/miniredis/v2"
)

func newRedisRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	if err != nil {
		t.Fatalf("connecting to miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewRedisRegistry(client, "apod:test:lease", ttl, redis.IsNilError), mr
}

func registries(t *testing.T) map[string]Registry {
	reg, _ := newRedisRegistry(t, time.Minute)
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  reg,
	}
}

func TestRegistryExclusive(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lease, err := reg.Acquire(ctx, "run-1")
			if err != nil {
				t.Fatalf("first acquire: %v", err)
			}
			if _, err := reg.Acquire(ctx, "run-2"); !errors.Is(err, apperrors.ErrRunActive) {
				t.Fatalf("expected ErrRunActive, got %v", err)
			}
			id, ok, err := reg.Active(ctx)
			if err != nil || !ok || id != "run-1" {
				t.Fatalf("Active = %q, %v, %v", id, ok, err)
			}
			if err := lease.Release(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
			if err := lease.Release(ctx); err != nil {
				t.Fatalf("second release should be a no-op, got %v", err)
			}
			if _, ok, _ := reg.Active(ctx); ok {
				t.Fatal("expected no active run after release")
			}
			next, err := reg.Acquire(ctx, "run-3")
			if err != nil {
				t.Fatalf("acquire after release: %v", err)
			}
			next.Release(ctx)
		})
	}
}

func TestRegistryConcurrentAcquire(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var won atomic.Int32
			var wg sync.WaitGroup
			leases := make(chan Lease, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					l, err := reg.Acquire(ctx, "run-"+string(rune('a'+i)))
					if err == nil {
						won.Add(1)
						leases <- l
					}
				}(i)
			}
			wg.Wait()
			close(leases)
			if won.Load() != 1 {
				t.Fatalf("expected exactly one winner, got %d", won.Load())
			}
			for l := range leases {
				l.Release(ctx)
			}
		})
	}
}

func TestRedisLeaseExpiresWhenHolderDisappears(t *testing.T) {
	reg, mr := newRedisRegistry(t, time.Minute)
	ctx := context.Background()
	if err := mr.Set("apod:test:lease", "crashed-run"); err != nil {
		t.Fatal(err)
	}
	mr.SetTTL("apod:test:lease", time.Minute)
	if _, err := reg.Acquire(ctx, "run-2"); !errors.Is(err, apperrors.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	mr.FastForward(2 * time.Minute)
	lease, err := reg.Acquire(ctx, "run-2")
	if err != nil {
		t.Fatalf("expected lease after TTL expiry, got %v", err)
	}
	lease.Release(ctx)
}

func TestRedisReleaseDoesNotDeleteForeignLease(t *testing.T) {
	reg, mr := newRedisRegistry(t, time.Minute)
	ctx := context.Background()
	lease, err := reg.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate expiry followed by another process taking over.
	mr.Set("apod:test:lease", "run-2")
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := mr.Get("apod:test:lease")
	if got != "run-2" {
		t.Fatalf("foreign lease was removed, key now %q", got)
	}
}

func TestRedisLeaseIsRenewed(t *testing.T) {
	reg, mr := newRedisRegistry(t, 150*time.Millisecond)
	ctx := context.Background()
	lease, err := reg.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	mr.SetTTL("apod:test:lease", 10*time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.TTL("apod:test:lease") > 10*time.Millisecond {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("lease TTL was not renewed, ttl=%v", mr.TTL("apod:test:lease"))
}

func TestRedisLeaseSignalsLoss(t *testing.T) {
	reg, mr := newRedisRegistry(t, 150*time.Millisecond)
	ctx := context.Background()
	lease, err := reg.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	mr.Set("apod:test:lease", "run-2")
	select {
	case <-lease.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was never signalled")
	}
}

func TestMemoryLeaseIsNeverLost(t *testing.T) {
	lease, err := NewMemoryRegistry().Acquire(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if lease.Lost() != nil {
		t.Fatal("memory lease should not expose a loss signal")
	}
}
