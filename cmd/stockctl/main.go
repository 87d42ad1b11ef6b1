package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safar/go-card-fulfillment/internal/cache"
	"github.com/safar/go-card-fulfillment/internal/config"
	"github.com/safar/go-card-fulfillment/internal/database"
)

func main() {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	r := &runner{
		db:          db,
		staleWindow: cfg.Fulfillment.StaleWindow,
		open:        openSource,
		out:         os.Stdout,
		now:         time.Now,
	}
	if cfg.Redis.Addr != "" {
		client := cache.New(cfg.Redis.Addr)
		defer client.Close()
		r.stock = cache.NewStockCache(client, cfg.Redis.StockTTL)
	}

	if err := r.run(ctx, cmd); err != nil {
		log.Fatalf("%s: %v", cmd.name, err)
	}
}

// openSource opens a key file; "-" is stdin.
func openSource(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}
