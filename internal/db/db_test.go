package db

import (
	"io"
	"strings"
	"testing"
)

func TestMigrationSource_FirstMigrationCreatesKVStore(t *testing.T) {
	src, err := migrationSource()
	if err != nil {
		t.Fatalf("migrationSource() error: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	if first != 1 {
		t.Errorf("first migration version = %d, want 1", first)
	}

	up, _, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("ReadUp(%d) error: %v", first, err)
	}
	defer up.Close()
	body, err := io.ReadAll(up)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !strings.Contains(string(body), "CREATE TABLE IF NOT EXISTS kv_store") {
		t.Errorf("up migration does not create kv_store:\n%s", body)
	}
}

func TestMigrationSource_EveryUpHasDown(t *testing.T) {
	src, err := migrationSource()
	if err != nil {
		t.Fatalf("migrationSource() error: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	for {
		down, _, err := src.ReadDown(version)
		if err != nil {
			t.Errorf("migration %d has no down file: %v", version, err)
		} else {
			down.Close()
		}

		next, err := src.Next(version)
		if err != nil {
			break
		}
		version = next
	}
}

func TestRunMigrations_InvalidDirection(t *testing.T) {
	err := RunMigrations(nil, "sideways")
	if err == nil || !strings.Contains(err.Error(), "invalid migration direction") {
		t.Errorf("RunMigrations() error = %v, want invalid direction", err)
	}
}
