// Package main is a diagnostic tool for the configured durable store. It opens
// the store backend the server would use, checks connectivity and prints a
// summary of the audit trail, exiting non-zero on any failure so it can gate
// deployments on a reachable store.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/storage"

	_ "github.com/logwarden/logwarden/internal/storage/memory"
	_ "github.com/logwarden/logwarden/internal/storage/postgres"
	_ "github.com/logwarden/logwarden/internal/storage/redisstore"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	if err := storage.Ping(ctx, store); err != nil {
		log.Fatalf("Store ping failed: %v", err)
	}
	fmt.Printf("Store backend: %s (reachable)\n", cfg.Store.Backend)

	page, err := audit.NewTrail(store).Read(ctx, 0, 10, audit.Filters{})
	if err != nil {
		log.Fatalf("Failed to read audit trail: %v", err)
	}

	fmt.Println("\n=== AUDIT TRAIL ===")
	fmt.Printf("Entries: %d\n", page.Total)
	for _, e := range page.Entries {
		fmt.Printf("%s  %-8s %-24s user=%s reason=%s\n",
			e.Timestamp.Format(time.RFC3339), e.Outcome, e.Action, e.UserID, e.Reason)
	}
	if page.Total == 0 {
		fmt.Println("No audit entries found.")
	}
}
