package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/safar/go-card-fulfillment/internal/cache"
	"github.com/safar/go-card-fulfillment/internal/config"
	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/fulfillment"
	"github.com/safar/go-card-fulfillment/internal/store"
	"github.com/safar/go-card-fulfillment/internal/worker"
)

func main() {
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

	log.Printf("Connected to database successfully (driver %s)", cfg.Database.Driver)

	repo := store.NewRepository(db)

	reservations, err := repo.SupportsReservations(ctx)
	if err != nil {
		log.Fatalf("Probe reservation support: %v", err)
	}
	if !reservations {
		if cfg.Fulfillment.StrictReservations {
			log.Fatalf("cards table has no reservation columns and FULFILLMENT_STRICT_RESERVATIONS is set")
		}
		log.Printf("cards table has no reservation columns, claiming from pool only")
	}

	opts := fulfillment.Options{
		StaleWindow:         cfg.Fulfillment.StaleWindow,
		AmountTolerance:     cfg.Fulfillment.AmountTolerance,
		MaxClaimRounds:      cfg.Fulfillment.MaxClaimRounds,
		PaymentCategory:     cfg.Fulfillment.PaymentCategory,
		ReservationTracking: reservations,
	}

	count := func(ctx context.Context, productID int64) (int, error) {
		return store.CountUnusedCards(ctx, db, productID)
	}

	if cfg.Redis.Addr != "" {
		rdb := cache.New(cfg.Redis.Addr)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("Redis at %s not reachable, stock reads fall through to the database: %v", cfg.Redis.Addr, err)
		} else {
			log.Printf("Connected to redis at %s", cfg.Redis.Addr)
		}

		stock := cache.NewStockCache(rdb, cfg.Redis.StockTTL)
		opts.Stock = stock
		count = func(ctx context.Context, productID int64) (int, error) {
			return stock.Available(ctx, productID, func(ctx context.Context) (int, error) {
				return store.CountUnusedCards(ctx, db, productID)
			})
		}
	}

	svc := fulfillment.NewService(repo, opts)

	var wg sync.WaitGroup
	if cfg.Resync.Interval > 0 {
		rw := worker.NewResyncWorker(repo, svc, cfg.Resync.Interval, cfg.Resync.BatchSize, cfg.Fulfillment.PaymentCategory)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw.Run(ctx)
		}()
	}

	h := &handler{
		service: svc,
		health: func(ctx context.Context) map[string]string {
			return database.Health(ctx, db)
		},
		product: func(ctx context.Context, id int64) error {
			_, err := repo.FindProduct(ctx, id)
			return err
		},
		stock: count,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	log.Println("HTTP server stopped")

	wg.Wait()
	log.Println("Workers stopped")
}
