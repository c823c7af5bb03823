package main

import (
	"flag"
	"fmt"
	"log"
	"messenger-hub/internal"
	"messenger-hub/repositories"
	"net/http"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
)

func main() {
	// 1. Load config: only the store path is needed here
	_ = godotenv.Load()
	dbPath := flag.String("db", os.Getenv("BADGER_FILEPATH"), "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan")
	port := flag.Int("port", 0, "Serve the inspector over HTTP instead of printing once")
	flag.Parse()
	if *dbPath == "" {
		log.Fatal("BADGER_FILEPATH or -db is required")
	}

	// 2. Open Badger in Read-Only mode
	// Note: BypassLockGuard allows opening while the hub holds the lock
	opts := badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	stats := func() map[string]any {
		return map[string]any{
			"status": "viewer mode (read-only)",
			"time":   time.Now().Format(time.RFC822),
		}
	}
	inspector := internal.NewInspector(db, repositories.InspectMapper, stats)

	if *port == 0 {
		if err := inspector.Render(os.Stdout, *prefix); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		return
	}

	fmt.Printf("Viewer started at http://localhost:%d/inspect?prefix=%s\n", *port, *prefix)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), inspector))
}
