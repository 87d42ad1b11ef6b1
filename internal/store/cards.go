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
)

// CardFilter narrows a scan of unused cards. Unset is_used counts as unused.
type CardFilter struct {
	ProductID int64
	// ReservedFor restricts the scan to cards soft-reserved by this order.
	ReservedFor string
	// StaleBefore admits only cards that are unreserved or whose reservation
	// started before the cutoff.
	StaleBefore *time.Time
	Offset      int
	Limit       int
}

// ClaimCondition is re-checked by the claiming UPDATE itself, so a card that
// changed after it was selected is left alone.
type ClaimCondition struct {
	ReservedFor      string
	StaleBefore      *time.Time
	ClearReservation bool
	UsedAt           time.Time
}

func (f CardFilter) where(args []any) (string, []any) {
	conds := []string{"COALESCE(is_used, false) = false"}

	if f.ProductID != 0 {
		args = append(args, f.ProductID)
		conds = append(conds, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if f.ReservedFor != "" {
		args = append(args, f.ReservedFor)
		conds = append(conds, fmt.Sprintf("reserved_order_id = $%d", len(args)))
	}
	if f.StaleBefore != nil {
		args = append(args, *f.StaleBefore)
		conds = append(conds, fmt.Sprintf("(reserved_at IS NULL OR reserved_at < $%d)", len(args)))
	}

	return strings.Join(conds, " AND "), args
}

func SelectUnusedCards(ctx context.Context, db *sql.DB, f CardFilter) ([]models.Card, error) {
	where, args := f.where(nil)

	query := `SELECT id, product_id, card_key, used_at, created_at FROM cards WHERE ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select unused cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Card
	for rows.Next() {
		var card models.Card
		if err := rows.Scan(&card.ID, &card.ProductID, &card.CardKey, &card.UsedAt, &card.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return cards, nil
}

func CountUnusedCards(ctx context.Context, db *sql.DB, productID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cards WHERE product_id = $1 AND COALESCE(is_used, false) = false`,
		productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unused cards: %w", err)
	}
	return n, nil
}

// ClaimCard marks one card used. It reports false when another claimant got
// there first or the card no longer satisfies c.
func ClaimCard(ctx context.Context, db *sql.DB, id int64, c ClaimCondition) (bool, error) {
	args := []any{id, c.UsedAt}
	set := "is_used = true, used_at = $2"
	if c.ClearReservation {
		set += ", reserved_order_id = NULL, reserved_at = NULL"
	}

	where, args := CardFilter{ReservedFor: c.ReservedFor, StaleBefore: c.StaleBefore}.where(args)

	result, err := db.ExecContext(ctx, `UPDATE cards SET `+set+` WHERE id = $1 AND `+where, args...)
	if err != nil {
		return false, fmt.Errorf("claim card %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ReleaseCard hands back a card claimed at usedAt that never reached an order.
// It only matches while the claim is still the one made at usedAt.
func ReleaseCard(ctx context.Context, db *sql.DB, id int64, usedAt time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE cards
		SET is_used = false, used_at = NULL
		WHERE id = $1 AND is_used = true AND used_at = $2`,
		id, usedAt)
	if err != nil {
		return false, fmt.Errorf("release card %d: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ReserveCards soft-reserves up to n free cards of a product for an order and
// returns how many it got. Reservations older than staleBefore are taken over.
func ReserveCards(ctx context.Context, db *sql.DB, orderID string, productID int64, n int, staleBefore, at time.Time) (int, error) {
	candidates, err := SelectUnusedCards(ctx, db, CardFilter{
		ProductID:   productID,
		StaleBefore: &staleBefore,
		Limit:       n,
	})
	if err != nil {
		return 0, err
	}

	reserved := 0
	for _, card := range candidates {
		result, err := db.ExecContext(ctx, `
			UPDATE cards
			SET reserved_order_id = $2, reserved_at = $3
			WHERE id = $1
			  AND COALESCE(is_used, false) = false
			  AND (reserved_at IS NULL OR reserved_at < $4)`,
			card.ID, orderID, at, staleBefore)
		if err != nil {
			return reserved, fmt.Errorf("reserve card %d: %w", card.ID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return reserved, fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 1 {
			reserved++
		}
	}

	return reserved, nil
}

// SupportsReservations reports whether the cards table carries the soft
// reservation columns.
func SupportsReservations(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		  AND table_name = 'cards'
		  AND column_name IN ('reserved_order_id', 'reserved_at')`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("probe reservation columns: %w", err)
	}
	return n == 2, nil
}

// CreateCards loads a batch of keys for a product in one transaction.
func CreateCards(ctx context.Context, db *sql.DB, productID int64, keys []string) ([]models.Card, error) {
	if len(keys) == 0 {
		return nil, database.ErrEmptyBatch
	}

	cards := make([]models.Card, 0, len(keys))

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)",
			productID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check product exists: %w", err)
		}
		if !exists {
			return database.ErrProductNotFound
		}

		for _, key := range keys {
			card := models.Card{ProductID: productID, CardKey: key}
			err := tx.QueryRowContext(ctx, `
				INSERT INTO cards (product_id, card_key, is_used, created_at)
				VALUES ($1, $2, false, NOW())
				RETURNING id, created_at`,
				productID, key).Scan(&card.ID, &card.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert card: %w", err)
			}
			cards = append(cards, card)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return cards, nil
}

// GetCard reads the full card row, reservation columns included.
func GetCard(ctx context.Context, db *sql.DB, id int64) (*models.Card, error) {
	card := &models.Card{}

	err := db.QueryRowContext(ctx, `
		SELECT id, product_id, card_key, COALESCE(is_used, false), used_at, reserved_order_id, reserved_at, created_at
		FROM cards
		WHERE id = $1`, id).Scan(
		&card.ID,
		&card.ProductID,
		&card.CardKey,
		&card.IsUsed,
		&card.UsedAt,
		&card.ReservedOrderID,
		&card.ReservedAt,
		&card.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("card %d: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("get card: %w", err)
	}

	return card, nil
}
