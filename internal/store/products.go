package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

func CreateProduct(ctx context.Context, db *sql.DB, name, category string, isShared bool, price decimal.Decimal) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (name, category, is_shared, price, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, name, category, is_shared, price, created_at`

	err := db.QueryRowContext(ctx, query, name, category, isShared, price).Scan(
		&product.ID,
		&product.Name,
		&product.Category,
		&product.IsShared,
		&product.Price,
		&product.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, name, category, COALESCE(is_shared, false), price, created_at
		FROM products
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.Category,
		&product.IsShared,
		&product.Price,
		&product.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}
