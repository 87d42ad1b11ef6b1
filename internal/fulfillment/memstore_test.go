package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
	"github.com/safar/go-card-fulfillment/internal/store"
	"github.com/shopspring/decimal"
)

// memStore mirrors the Postgres store's row-level guarantees: every claim and
// order update is atomic on its own row and nothing spans rows.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	products map[int64]*models.Product
	cards    map[int64]*models.Card
	nextID   int64

	// noReservationColumns makes queries touching reservation columns fail
	// the way Postgres does when the columns are missing.
	noReservationColumns bool

	// beforeClaim runs outside the lock ahead of every ClaimCard.
	beforeClaim func(id int64)

	// afterCount runs outside the lock after every CountUnusedCards.
	afterCount func()

	// failSelects makes the next n SelectUnusedCards calls fail.
	failSelects int
	// failOrderUpdate is returned by the next UpdateOrder; with
	// commitBeforeFail the update is applied first, as when a connection
	// drops after commit.
	failOrderUpdate  error
	commitBeforeFail bool

	orderWrites int
	cardWrites  int
}

func newMemStore() *memStore {
	return &memStore{
		orders:   make(map[string]*models.Order),
		products: make(map[int64]*models.Product),
		cards:    make(map[int64]*models.Card),
	}
}

func (m *memStore) addProduct(category string, shared bool) *models.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	p := &models.Product{ID: m.nextID, Name: fmt.Sprintf("product-%d", m.nextID), Category: category, IsShared: shared}
	m.products[p.ID] = p
	return p
}

func (m *memStore) addOrder(orderID string, productID int64, amount string, quantity int, status string) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	o := &models.Order{
		ID:        m.nextID,
		OrderID:   orderID,
		ProductID: productID,
		Amount:    decimal.RequireFromString(amount),
		Quantity:  quantity,
		Status:    status,
		CreatedAt: time.Now(),
	}
	m.orders[orderID] = o
	return o
}

func (m *memStore) addCards(productID int64, keys ...string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		m.nextID++
		m.cards[m.nextID] = &models.Card{ID: m.nextID, ProductID: productID, CardKey: key}
		ids = append(ids, m.nextID)
	}
	return ids
}

func (m *memStore) reserve(cardID int64, orderID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cards[cardID]
	c.ReservedOrderID = &orderID
	c.ReservedAt = &at
}

func (m *memStore) order(orderID string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[orderID]
}

func (m *memStore) card(id int64) models.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cards[id]
}

func (m *memStore) writes() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderWrites, m.cardWrites
}

var errConnReset = errors.New("connection reset by peer")

func undefinedColumn(column string) error {
	return fmt.Errorf("select unused cards: %w", &pq.Error{Code: "42703", Message: "column \"" + column + "\" does not exist"})
}

func (m *memStore) FindOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, database.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) FindProduct(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, database.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) matches(c *models.Card, productID int64, reservedFor string, staleBefore *time.Time) bool {
	if c.IsUsed {
		return false
	}
	if productID != 0 && c.ProductID != productID {
		return false
	}
	if reservedFor != "" && (c.ReservedOrderID == nil || *c.ReservedOrderID != reservedFor) {
		return false
	}
	if staleBefore != nil && c.ReservedAt != nil && !c.ReservedAt.Before(*staleBefore) {
		return false
	}
	return true
}

func (m *memStore) SelectUnusedCards(ctx context.Context, f store.CardFilter) ([]models.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSelects > 0 {
		m.failSelects--
		return nil, fmt.Errorf("select unused cards: %w", errConnReset)
	}
	if m.noReservationColumns && f.ReservedFor != "" {
		return nil, undefinedColumn("reserved_order_id")
	}
	if m.noReservationColumns && f.StaleBefore != nil {
		return nil, undefinedColumn("reserved_at")
	}

	var out []models.Card
	for _, c := range m.cards {
		if m.matches(c, f.ProductID, f.ReservedFor, f.StaleBefore) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountUnusedCards(ctx context.Context, productID int64) (int, error) {
	m.mu.Lock()
	n := 0
	for _, c := range m.cards {
		if m.matches(c, productID, "", nil) {
			n++
		}
	}
	m.mu.Unlock()

	if m.afterCount != nil {
		m.afterCount()
	}
	return n, nil
}

func (m *memStore) ClaimCard(ctx context.Context, id int64, cond store.ClaimCondition) (bool, error) {
	if m.beforeClaim != nil {
		m.beforeClaim(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.noReservationColumns && (cond.ReservedFor != "" || cond.StaleBefore != nil || cond.ClearReservation) {
		return false, undefinedColumn("reserved_at")
	}

	c, ok := m.cards[id]
	if !ok || !m.matches(c, 0, cond.ReservedFor, cond.StaleBefore) {
		return false, nil
	}

	usedAt := cond.UsedAt
	c.IsUsed = true
	c.UsedAt = &usedAt
	if cond.ClearReservation {
		c.ReservedOrderID = nil
		c.ReservedAt = nil
	}
	m.cardWrites++
	return true, nil
}

func (m *memStore) UpdateOrder(ctx context.Context, orderID string, u store.OrderUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOrderUpdate != nil && !m.commitBeforeFail {
		err := m.failOrderUpdate
		m.failOrderUpdate = nil
		return false, err
	}

	o, ok := m.orders[orderID]
	if !ok {
		return false, nil
	}
	if len(u.FromStatuses) > 0 {
		allowed := false
		for _, s := range u.FromStatuses {
			if o.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	if u.RequireEmptyCardKey && o.CardKey != nil && *o.CardKey != "" {
		return false, nil
	}

	o.Status = u.Status
	if u.PaidAt != nil {
		t := *u.PaidAt
		o.PaidAt = &t
	}
	if u.TradeNo != nil {
		s := *u.TradeNo
		o.TradeNo = &s
	}
	if u.DeliveredAt != nil {
		t := *u.DeliveredAt
		o.DeliveredAt = &t
	}
	if u.CardKey != nil {
		s := *u.CardKey
		o.CardKey = &s
	}
	if u.ClearCurrentPayment {
		o.CurrentPaymentID = nil
	}
	m.orderWrites++

	if m.failOrderUpdate != nil {
		err := m.failOrderUpdate
		m.failOrderUpdate = nil
		m.commitBeforeFail = false
		return false, err
	}
	return true, nil
}

func (m *memStore) ReleaseCard(ctx context.Context, id int64, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[id]
	if !ok || !c.IsUsed || c.UsedAt == nil || !c.UsedAt.Equal(usedAt) {
		return false, nil
	}
	c.IsUsed = false
	c.UsedAt = nil
	m.cardWrites++
	return true, nil
}

// usedCards returns the keys of every card currently marked used.
func (m *memStore) usedCards() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, c := range m.cards {
		if c.IsUsed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, m.cards[id].CardKey)
	}
	return keys
}

type countingInvalidator struct {
	mu       sync.Mutex
	products []int64
	err      error
}

func (c *countingInvalidator) Invalidate(ctx context.Context, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, productID)
	return c.err
}
