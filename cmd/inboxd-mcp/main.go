package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openinbox/inboxd/internal/inbox"
	"github.com/openinbox/inboxd/internal/mcpserver"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	store, err := inbox.Open(inbox.StoreOptions{DSN: databaseDSNFromEnv()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var syncer *inbox.Syncer
	if strings.ToLower(strings.TrimSpace(os.Getenv("INBOXD_PLATFORM_MODE"))) != "none" {
		syncer = inbox.NewSyncer(store, inbox.NewDemoClients()...)
	}

	server := mcpserver.NewServer(store, syncer, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
		_ = store.Close()
		os.Exit(0)
	}()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func databaseDSNFromEnv() string {
	if dsn := strings.TrimSpace(os.Getenv("INBOXD_DB_DSN")); dsn != "" {
		return dsn
	}
	dataDir := strings.TrimSpace(os.Getenv("INBOXD_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".inboxd"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data dir %s: %v\n", dataDir, err)
		os.Exit(1)
	}
	return filepath.Join(dataDir, "inbox.db")
}
