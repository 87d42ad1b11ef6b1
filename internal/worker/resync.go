package worker

import (
	"context"
	"log"
	"time"

	"github.com/safar/go-card-fulfillment/internal/fulfillment"
	"github.com/safar/go-card-fulfillment/internal/store"
)

type OrderLister interface {
	ListAwaitingStock(ctx context.Context, cursor string, limit int, excludeCategory string) (*store.CursorPage, error)
}

type Resyncer interface {
	Resync(ctx context.Context, orderID string) (fulfillment.Result, error)
}

// ResyncWorker periodically retries delivery for paid orders that were left
// waiting for stock.
type ResyncWorker struct {
	orders          OrderLister
	service         Resyncer
	interval        time.Duration
	batchSize       int
	excludeCategory string
}

func NewResyncWorker(orders OrderLister, service Resyncer, interval time.Duration, batchSize int, excludeCategory string) *ResyncWorker {
	if batchSize < 1 {
		batchSize = 50
	}
	return &ResyncWorker{
		orders:          orders,
		service:         service,
		interval:        interval,
		batchSize:       batchSize,
		excludeCategory: excludeCategory,
	}
}

func (rw *ResyncWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	log.Printf("Resync worker started (every %s)", rw.interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Resync worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.process(ctx); err != nil {
				log.Printf("Resync failed: %v", err)
			}
		}
	}
}

// process walks every awaiting order once and returns how many were delivered.
// A failing order is logged and left for the next sweep.
func (rw *ResyncWorker) process(ctx context.Context) (int, error) {
	delivered := 0
	cursor := ""

	for {
		page, err := rw.orders.ListAwaitingStock(ctx, cursor, rw.batchSize, rw.excludeCategory)
		if err != nil {
			return delivered, err
		}

		for _, order := range page.Items {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}

			res, err := rw.service.Resync(ctx, order.OrderID)
			if err != nil {
				log.Printf("Resync order %s: %v", order.OrderID, err)
				continue
			}
			if res.Status == fulfillment.StatusProcessed && res.Delivered > 0 {
				delivered++
			}
		}

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if delivered > 0 {
		log.Printf("Resync delivered %d awaiting orders", delivered)
	}

	return delivered, nil
}
