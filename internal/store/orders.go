package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, order_id, product_id, amount, quantity, status, paid_at, delivered_at,
		       trade_no, card_key, current_payment_id, created_at, updated_at`

type CreateOrderRequest struct {
	OrderID          string
	ProductID        int64
	Amount           decimal.Decimal
	Quantity         int
	Status           string
	CurrentPaymentID string
}

// OrderUpdate describes one conditional write to an order row. The write only
// lands when the row is still in one of FromStatuses (and, with
// RequireEmptyCardKey, has nothing delivered yet).
type OrderUpdate struct {
	Status              string
	FromStatuses        []string
	RequireEmptyCardKey bool
	PaidAt              *time.Time
	TradeNo             *string
	DeliveredAt         *time.Time
	CardKey             *string
	ClearCurrentPayment bool
}

func scanOrder(row interface{ Scan(...any) error }, order *models.Order) error {
	return row.Scan(
		&order.ID,
		&order.OrderID,
		&order.ProductID,
		&order.Amount,
		&order.Quantity,
		&order.Status,
		&order.PaidAt,
		&order.DeliveredAt,
		&order.TradeNo,
		&order.CardKey,
		&order.CurrentPaymentID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
}

func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}
	status := req.Status
	if status == "" {
		status = models.OrderStatusPending
	}

	var currentPayment *string
	if req.CurrentPaymentID != "" {
		currentPayment = &req.CurrentPaymentID
	}

	order := &models.Order{}
	query := `
		INSERT INTO orders (order_id, product_id, amount, quantity, status, current_payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING ` + orderColumns

	row := db.QueryRowContext(ctx, query, req.OrderID, req.ProductID, req.Amount, quantity, status, currentPayment)
	if err := scanOrder(row, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	return order, nil
}

func GetOrderByOrderID(ctx context.Context, db *sql.DB, orderID string) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE order_id = $1`

	if err := scanOrder(db.QueryRowContext(ctx, query, orderID), order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return order, nil
}

// UpdateOrder applies u to a single order row and reports whether the row
// matched its guard.
func UpdateOrder(ctx context.Context, db *sql.DB, orderID string, u OrderUpdate) (bool, error) {
	args := []any{orderID, u.Status}
	set := []string{"status = $2", "updated_at = NOW()"}

	addSet := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.PaidAt != nil {
		addSet("paid_at", *u.PaidAt)
	}
	if u.TradeNo != nil {
		addSet("trade_no", *u.TradeNo)
	}
	if u.DeliveredAt != nil {
		addSet("delivered_at", *u.DeliveredAt)
	}
	if u.CardKey != nil {
		addSet("card_key", *u.CardKey)
	}
	if u.ClearCurrentPayment {
		set = append(set, "current_payment_id = NULL")
	}

	where := []string{"order_id = $1"}
	if len(u.FromStatuses) > 0 {
		placeholders := make([]string, 0, len(u.FromStatuses))
		for _, s := range u.FromStatuses {
			args = append(args, s)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if u.RequireEmptyCardKey {
		where = append(where, "(card_key IS NULL OR card_key = '')")
	}

	query := "UPDATE orders SET " + strings.Join(set, ", ") + " WHERE " + strings.Join(where, " AND ")

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update order: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ListAwaitingStock pages through paid orders that have nothing delivered,
// oldest first. Orders for products in excludeCategory are skipped.
func ListAwaitingStock(ctx context.Context, db *sql.DB, cursor string, limit int, excludeCategory string) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT o.id, o.order_id, o.product_id, o.amount, o.quantity, o.status, o.paid_at, o.delivered_at,
		       o.trade_no, o.card_key, o.current_payment_id, o.created_at, o.updated_at
		FROM orders o
		JOIN products p ON p.id = o.product_id
		WHERE o.status = $1
		  AND (o.card_key IS NULL OR o.card_key = '')
		  AND p.category <> $2
		  AND (o.created_at, o.id) > ($3, $4)
		ORDER BY o.created_at, o.id
		LIMIT $5`

	rows, err := db.QueryContext(ctx, query,
		models.OrderStatusPaid, excludeCategory, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list awaiting stock: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
