package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
)

// Repository binds the store functions to one pool. Single-row writes are
// retried only on failures that guarantee the statement did not commit.
type Repository struct {
	db    *sql.DB
	retry database.RetryOptions
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, retry: database.DefaultRetryOptions()}
}

func (r *Repository) FindOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return GetOrderByOrderID(ctx, r.db, orderID)
}

func (r *Repository) FindProduct(ctx context.Context, id int64) (*models.Product, error) {
	return GetProduct(ctx, r.db, id)
}

func (r *Repository) SelectUnusedCards(ctx context.Context, f CardFilter) ([]models.Card, error) {
	return SelectUnusedCards(ctx, r.db, f)
}

func (r *Repository) CountUnusedCards(ctx context.Context, productID int64) (int, error) {
	return CountUnusedCards(ctx, r.db, productID)
}

func (r *Repository) ClaimCard(ctx context.Context, id int64, c ClaimCondition) (bool, error) {
	var claimed bool
	err := database.Retry(ctx, r.retry, func() error {
		var err error
		claimed, err = ClaimCard(ctx, r.db, id, c)
		return err
	})
	return claimed, err
}

func (r *Repository) ReleaseCard(ctx context.Context, id int64, usedAt time.Time) (bool, error) {
	var released bool
	err := database.Retry(ctx, r.retry, func() error {
		var err error
		released, err = ReleaseCard(ctx, r.db, id, usedAt)
		return err
	})
	return released, err
}

func (r *Repository) UpdateOrder(ctx context.Context, orderID string, u OrderUpdate) (bool, error) {
	var matched bool
	err := database.Retry(ctx, r.retry, func() error {
		var err error
		matched, err = UpdateOrder(ctx, r.db, orderID, u)
		return err
	})
	return matched, err
}

func (r *Repository) ListAwaitingStock(ctx context.Context, cursor string, limit int, excludeCategory string) (*CursorPage, error) {
	return ListAwaitingStock(ctx, r.db, cursor, limit, excludeCategory)
}

func (r *Repository) SupportsReservations(ctx context.Context) (bool, error) {
	return SupportsReservations(ctx, r.db)
}
