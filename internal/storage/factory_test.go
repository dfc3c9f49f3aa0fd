package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/storage"
)

// ---------------------------------------------------------------------------
// Minimal map-backed Store without Updater
// ---------------------------------------------------------------------------

type mapStore struct {
	data   map[string][]byte
	getErr error
	puts   int
}

func newMapStore() *mapStore { return &mapStore{data: map[string][]byte{}} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Put(_ context.Context, key string, value []byte) error {
	m.puts++
	m.data[key] = value
	return nil
}

type casStore struct {
	*mapStore
	updates int
}

func (c *casStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	c.updates++
	cur, found, _ := c.Get(ctx, key)
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	return c.Put(ctx, key, next)
}

// ---------------------------------------------------------------------------
// Register / New
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	storage.Register("test-backend", func(_ *config.Config) (storage.Store, error) {
		return newMapStore(), nil
	})

	cfg := &config.Config{}
	cfg.Store.Backend = "test-backend"

	s, err := storage.New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s == nil {
		t.Fatal("New() returned nil")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = "completely-unknown-backend"

	_, err := storage.New(cfg)
	if err == nil {
		t.Fatal("New() expected error for unknown backend, got nil")
	}
	if !strings.Contains(err.Error(), "completely-unknown-backend") {
		t.Errorf("error %q should name the backend", err)
	}
}

func TestNew_FactoryErrorPropagates(t *testing.T) {
	storage.Register("failing-backend", func(_ *config.Config) (storage.Store, error) {
		return nil, errors.New("boom")
	})

	cfg := &config.Config{}
	cfg.Store.Backend = "failing-backend"

	if _, err := storage.New(cfg); err == nil || err.Error() != "boom" {
		t.Errorf("New() error = %v, want boom", err)
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdate_ReadModifyWriteFallback(t *testing.T) {
	s := newMapStore()
	s.data["k"] = []byte("1")

	err := storage.Update(context.Background(), s, "k", func(cur []byte, found bool) ([]byte, error) {
		if !found || string(cur) != "1" {
			t.Errorf("fn got (%q, %v), want (\"1\", true)", cur, found)
		}
		return []byte("2"), nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if string(s.data["k"]) != "2" {
		t.Errorf("value = %q, want 2", s.data["k"])
	}
}

func TestUpdate_PrefersUpdater(t *testing.T) {
	s := &casStore{mapStore: newMapStore()}

	err := storage.Update(context.Background(), s, "k", func(cur []byte, found bool) ([]byte, error) {
		if found {
			t.Error("fn reported found for a missing key")
		}
		return []byte("x"), nil
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if s.updates != 1 {
		t.Errorf("Updater.Update called %d times, want 1", s.updates)
	}
}

func TestUpdate_FnErrorSkipsWrite(t *testing.T) {
	s := newMapStore()
	wantErr := errors.New("nope")

	err := storage.Update(context.Background(), s, "k", func([]byte, bool) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update() error = %v, want %v", err, wantErr)
	}
	if s.puts != 0 {
		t.Errorf("Put called %d times, want 0", s.puts)
	}
}

func TestUpdate_GetErrorPropagates(t *testing.T) {
	s := newMapStore()
	s.getErr = errors.New("unavailable")

	err := storage.Update(context.Background(), s, "k", func([]byte, bool) ([]byte, error) {
		t.Error("fn must not run when Get fails")
		return nil, nil
	})
	if err == nil {
		t.Fatal("Update() expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Ping
// ---------------------------------------------------------------------------

type pingStore struct {
	*mapStore
	err error
}

func (p *pingStore) Ping(context.Context) error { return p.err }

func TestPing(t *testing.T) {
	ctx := context.Background()
	if err := storage.Ping(ctx, newMapStore()); err != nil {
		t.Errorf("Ping() on in-process store = %v, want nil", err)
	}

	down := errors.New("connection refused")
	if err := storage.Ping(ctx, &pingStore{mapStore: newMapStore(), err: down}); !errors.Is(err, down) {
		t.Errorf("Ping() = %v, want %v", err, down)
	}
}
