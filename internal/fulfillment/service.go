package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
	"github.com/safar/go-card-fulfillment/internal/store"
	"github.com/shopspring/decimal"
)

const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
)

var (
	ErrNotFound       = database.ErrOrderNotFound
	ErrAmountMismatch = errors.New("paid amount does not match order amount")
	// ErrReservationTrackingUnavailable is recovered inside allocation; it
	// never reaches Fulfill's caller.
	ErrReservationTrackingUnavailable = errors.New("reservation tracking unavailable")
)

// Store is the persistence surface fulfillment depends on. Every write
// targets exactly one row and reports whether its guard matched.
type Store interface {
	FindOrder(ctx context.Context, orderID string) (*models.Order, error)
	FindProduct(ctx context.Context, id int64) (*models.Product, error)
	SelectUnusedCards(ctx context.Context, f store.CardFilter) ([]models.Card, error)
	CountUnusedCards(ctx context.Context, productID int64) (int, error)
	ClaimCard(ctx context.Context, id int64, c store.ClaimCondition) (bool, error)
	ReleaseCard(ctx context.Context, id int64, usedAt time.Time) (bool, error)
	UpdateOrder(ctx context.Context, orderID string, u store.OrderUpdate) (bool, error)
}

// StockInvalidator is told when a product's unused card count changed.
type StockInvalidator interface {
	Invalidate(ctx context.Context, productID int64) error
}

type Options struct {
	StaleWindow     time.Duration
	AmountTolerance decimal.Decimal
	MaxClaimRounds  int
	PaymentCategory string
	// ReservationTracking is resolved once at startup from the schema.
	ReservationTracking bool

	Stock   StockInvalidator
	Now     func() time.Time
	NewRand func() *rand.Rand
}

func DefaultOptions() Options {
	return Options{
		StaleWindow:         60 * time.Second,
		AmountTolerance:     decimal.NewFromFloat(0.01),
		MaxClaimRounds:      5,
		PaymentCategory:     "payment",
		ReservationTracking: true,
	}
}

type Result struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
}

type Service struct {
	store     Store
	allocator *Allocator
	opts      Options
}

func NewService(st Store, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClaimRounds < 1 {
		opts.MaxClaimRounds = 1
	}

	return &Service{
		store:     st,
		allocator: NewAllocator(st, opts),
		opts:      opts,
	}
}

// Fulfill applies a confirmed payment to an order and delivers its cards.
// Cards are claimed while the order is still pending or cancelled; the order
// row is then written once, to delivered or (without stock) to paid. Repeated
// calls for an order that is already paid or delivered report
// already_processed and change nothing.
func (s *Service) Fulfill(ctx context.Context, orderID string, paidAmount decimal.Decimal, tradeNo string) (Result, error) {
	order, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("find order %s: %w", orderID, err)
	}

	if paidAmount.Sub(order.Amount).Abs().GreaterThan(s.opts.AmountTolerance) {
		return Result{}, fmt.Errorf("%w: order %s expects %s, paid %s",
			ErrAmountMismatch, orderID, order.Amount.StringFixed(2), paidAmount.String())
	}

	product, err := s.store.FindProduct(ctx, order.ProductID)
	if err != nil {
		return Result{}, fmt.Errorf("find product %d: %w", order.ProductID, err)
	}

	if product.Category == s.opts.PaymentCategory {
		if order.Fulfillable() {
			if _, err := s.markPaid(ctx, order, tradeNo); err != nil {
				return Result{}, err
			}
		}
		return Result{Success: true, Status: StatusProcessed}, nil
	}

	if !order.Fulfillable() {
		return Result{Success: true, Status: StatusAlreadyProcessed}, nil
	}

	return s.deliver(ctx, order, product, &tradeNo)
}

// Resync retries allocation for a paid order that is still waiting for stock.
func (s *Service) Resync(ctx context.Context, orderID string) (Result, error) {
	order, err := s.store.FindOrder(ctx, orderID)
	if err != nil {
		return Result{}, fmt.Errorf("find order %s: %w", orderID, err)
	}

	if !order.AwaitingStock() {
		return Result{Success: true, Status: StatusAlreadyProcessed}, nil
	}

	product, err := s.store.FindProduct(ctx, order.ProductID)
	if err != nil {
		return Result{}, fmt.Errorf("find product %d: %w", order.ProductID, err)
	}
	if product.Category == s.opts.PaymentCategory {
		return Result{Success: true, Status: StatusAlreadyProcessed}, nil
	}

	return s.deliver(ctx, order, product, nil)
}

// markPaid moves a pending or cancelled order to paid. It reports false when
// a concurrent call already moved it.
func (s *Service) markPaid(ctx context.Context, order *models.Order, tradeNo string) (bool, error) {
	now := s.opts.Now()

	matched, err := s.store.UpdateOrder(ctx, order.OrderID, store.OrderUpdate{
		Status:       models.OrderStatusPaid,
		FromStatuses: models.SourcesOf(models.OrderStatusPaid, order.Status),
		PaidAt:       &now,
		TradeNo:      &tradeNo,
	})
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", order.OrderID, err)
	}

	if matched {
		order.Status = models.OrderStatusPaid
		order.PaidAt = &now
		order.TradeNo = &tradeNo
	}

	return matched, nil
}

// deliver allocates cards and records the outcome with a single conditional
// write guarded on the status the order was read in. tradeNo is set when a
// payment is being applied and nil on resync.
//
// When the write does not land, the cards claimed here never reached any
// order and go back to the pool.
func (s *Service) deliver(ctx context.Context, order *models.Order, product *models.Product, tradeNo *string) (Result, error) {
	alloc, err := s.allocator.Allocate(ctx, order, product)
	if err != nil {
		return Result{}, fmt.Errorf("allocate order %s: %w", order.OrderID, err)
	}

	if alloc.Claimed > 0 {
		defer s.invalidateStock(ctx, product.ID)
	}

	target := models.OrderStatusPaid
	if len(alloc.Keys) > 0 {
		target = models.OrderStatusDelivered
	}

	from := models.SourcesOf(target, order.Status)
	if len(from) == 0 {
		log.Printf("order %s still awaiting stock for product %d", order.OrderID, product.ID)
		return Result{Success: true, Status: StatusProcessed}, nil
	}

	now := s.opts.Now()
	update := store.OrderUpdate{
		Status:       target,
		FromStatuses: from,
		TradeNo:      tradeNo,
	}
	if tradeNo != nil {
		update.PaidAt = &now
	}

	var cardKey string
	if target == models.OrderStatusDelivered {
		cardKey = strings.Join(alloc.Keys, "\n")
		update.RequireEmptyCardKey = true
		update.DeliveredAt = &now
		update.CardKey = &cardKey
		update.ClearCurrentPayment = product.IsShared
	}

	matched, err := s.store.UpdateOrder(ctx, order.OrderID, update)
	if err != nil {
		return s.recoverWrite(ctx, order, alloc, cardKey, err)
	}
	if !matched {
		s.release(ctx, order.OrderID, alloc)
		return Result{Success: true, Status: StatusAlreadyProcessed}, nil
	}

	if target == models.OrderStatusPaid {
		log.Printf("order %s paid, awaiting stock for product %d", order.OrderID, product.ID)
		return Result{Success: true, Status: StatusProcessed}, nil
	}

	if alloc.Claimed > 0 && alloc.Claimed < order.Quantity {
		log.Printf("order %s partially delivered: %d of %d cards", order.OrderID, alloc.Claimed, order.Quantity)
	}

	return Result{Success: true, Status: StatusProcessed, Delivered: len(alloc.Keys)}, nil
}

// recoverWrite handles a failed final write whose outcome is unknown. The
// order row is read back: if it carries exactly these keys the write landed.
// Cards are only released once the row shows it did not.
func (s *Service) recoverWrite(ctx context.Context, order *models.Order, alloc Allocation, cardKey string, writeErr error) (Result, error) {
	current, err := s.store.FindOrder(ctx, order.OrderID)
	if err != nil {
		if alloc.Claimed > 0 {
			log.Printf("order %s: outcome unknown, %d claimed cards left used: %v", order.OrderID, alloc.Claimed, err)
		}
		return Result{}, fmt.Errorf("update order %s: %w", order.OrderID, writeErr)
	}

	if cardKey != "" && current.CardKey != nil && *current.CardKey == cardKey {
		log.Printf("order %s: write reported %v but was applied", order.OrderID, writeErr)
		return Result{Success: true, Status: StatusProcessed, Delivered: len(alloc.Keys)}, nil
	}

	s.release(ctx, order.OrderID, alloc)
	return Result{}, fmt.Errorf("update order %s: %w", order.OrderID, writeErr)
}

func (s *Service) release(ctx context.Context, orderID string, alloc Allocation) {
	if alloc.Claimed == 0 {
		return
	}

	released := 0
	for _, id := range alloc.CardIDs {
		ok, err := s.store.ReleaseCard(ctx, id, alloc.UsedAt)
		if err != nil {
			log.Printf("order %s: release card %d: %v", orderID, id, err)
			continue
		}
		if ok {
			released++
		}
	}

	if released < alloc.Claimed {
		log.Printf("order %s: %d of %d claimed cards could not be released", orderID, alloc.Claimed-released, alloc.Claimed)
	}
}

func (s *Service) invalidateStock(ctx context.Context, productID int64) {
	if s.opts.Stock == nil {
		return
	}
	if err := s.opts.Stock.Invalidate(ctx, productID); err != nil {
		log.Printf("invalidate stock cache for product %d: %v", productID, err)
	}
}
