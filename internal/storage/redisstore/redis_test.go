package redisstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), &config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "lgw:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(context.Background(), &config.RedisConfig{})
	assert.Error(t, err)
}

func TestNew_UnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), &config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestStore_GetPut(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "ratelimit:u1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, "ratelimit:u1", []byte(`{"count":1}`)))

	got, found, err := s.Get(ctx, "ratelimit:u1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"count":1}`, string(got))

	// keys are namespaced by the configured prefix
	raw, err := mr.Get("lgw:ratelimit:u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1}`, raw)
}

func TestStore_UpdateConcurrentIncrements(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "n", func(cur []byte, found bool) ([]byte, error) {
				n := 0
				if found {
					n, _ = strconv.Atoi(string(cur))
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			if err != nil && !errors.Is(err, storage.ErrConflict) {
				t.Errorf("Update() error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, found, err := s.Get(ctx, "n")
	require.NoError(t, err)
	require.True(t, found)
	n, err := strconv.Atoi(string(got))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, workers)
	assert.Positive(t, n)
}

func TestStore_UpdateWithTTLExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	one := func([]byte, bool) ([]byte, error) { return []byte("1"), nil }

	require.NoError(t, storage.UpdateWithTTL(ctx, s, "ratelimit:u1", 2*time.Minute, one))
	require.NoError(t, storage.Update(ctx, s, "audit:entries", one))

	assert.Equal(t, 2*time.Minute, mr.TTL("lgw:ratelimit:u1"))
	assert.Zero(t, mr.TTL("lgw:audit:entries"))

	mr.FastForward(2*time.Minute + time.Second)

	_, found, err := s.Get(ctx, "ratelimit:u1")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get(ctx, "audit:entries")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_UpdateFnErrorLeavesValue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("keep")))

	err := s.Update(ctx, "k", func([]byte, bool) ([]byte, error) {
		return nil, errors.New("abort")
	})
	require.Error(t, err)

	got, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "keep", string(got))
}

func TestStore_GetErrorWhenServerDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestStore_Ping(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
