// Command ticketmigrate imports a legacy messages.json into the thread
// store. Each player's thread is replaced and marked read.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/you/gnasty-tickets/internal/config"
	"github.com/you/gnasty-tickets/internal/threadstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		inPath   string
		storeURI string
		envFile  string
		dryRun   bool
	)
	flag.StringVar(&inPath, "in", "messages.json", "Legacy messages.json to import")
	flag.StringVar(&storeURI, "store", "", "Thread store URI (defaults to TICKETS_STORE_URI or MONGO_URI)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.BoolVar(&dryRun, "dry-run", false, "Parse and report without writing")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("ticketmigrate: load %s: %v", envFile, err)
	}
	if strings.TrimSpace(storeURI) == "" {
		storeURI = config.Load().Store.URI
	}
	if storeURI == "" && !dryRun {
		log.Fatal("ticketmigrate: store uri required (-store, TICKETS_STORE_URI or MONGO_URI)")
	}

	f, err := os.Open(inPath)
	if err != nil {
		log.Fatalf("ticketmigrate: %v", err)
	}
	batches, warnings, err := parseLegacy(f)
	f.Close()
	if err != nil {
		log.Fatalf("ticketmigrate: %v", err)
	}
	for _, w := range warnings {
		log.Printf("ticketmigrate: %s", w)
	}
	if dryRun {
		for _, b := range batches {
			log.Printf("ticketmigrate: would import %s (%d messages)", b.PlayerID, len(b.Messages))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	store, err := threadstore.Open(ctx, storeURI)
	if err != nil {
		log.Fatalf("ticketmigrate: open store: %v", err)
	}
	defer store.Close(context.Background())

	imported, failed := 0, 0
	for _, b := range batches {
		if err := store.ImportThread(ctx, b.PlayerID, b.Messages); err != nil {
			failed++
			log.Printf("ticketmigrate: import %s: %v", b.PlayerID, err)
			continue
		}
		imported++
		log.Printf("ticketmigrate: migrated %s (%d messages)", b.PlayerID, len(b.Messages))
	}
	log.Printf("ticketmigrate: done (imported=%d failed=%d backend=%s)", imported, failed, threadstore.Backend(storeURI))
	if failed > 0 {
		os.Exit(1)
	}
}
