package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/safar/go-card-fulfillment/internal/database"
	"github.com/safar/go-card-fulfillment/internal/models"
	"github.com/safar/go-card-fulfillment/internal/store"
)

// Allocation is the outcome of one Allocate call. Keys are in claim order.
// Claimed counts cards newly marked used, all stamped with UsedAt; it stays
// zero for shared products.
type Allocation struct {
	Keys    []string
	Claimed int
	CardIDs []int64
	UsedAt  time.Time
}

func (a *Allocation) add(card models.Card) {
	a.Keys = append(a.Keys, card.CardKey)
	a.CardIDs = append(a.CardIDs, card.ID)
	a.Claimed++
}

// Allocator selects cards for orders being fulfilled. It never groups statements: each
// claim is one conditional UPDATE that only succeeds while the card is still
// unused, so concurrent allocators cannot hand out the same card.
type Allocator struct {
	store        Store
	staleWindow  time.Duration
	maxRounds    int
	reservations bool
	now          func() time.Time
	newRand      func() *rand.Rand
}

func NewAllocator(st Store, opts Options) *Allocator {
	a := &Allocator{
		store:        st,
		staleWindow:  opts.StaleWindow,
		maxRounds:    opts.MaxClaimRounds,
		reservations: opts.ReservationTracking,
		now:          opts.Now,
		newRand:      opts.NewRand,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newRand == nil {
		a.newRand = func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	if a.maxRounds < 1 {
		a.maxRounds = 1
	}
	return a
}

func (a *Allocator) Allocate(ctx context.Context, order *models.Order, product *models.Product) (Allocation, error) {
	quantity := order.Quantity
	if quantity < 1 {
		quantity = 1
	}

	if product.IsShared {
		return a.allocateShared(ctx, order.ProductID, quantity)
	}
	return a.allocateExclusive(ctx, order, quantity)
}

// allocateShared reads one unused card picked uniformly at random and repeats
// its key. Nothing is marked used.
func (a *Allocator) allocateShared(ctx context.Context, productID int64, quantity int) (Allocation, error) {
	n, err := a.store.CountUnusedCards(ctx, productID)
	if err != nil {
		return Allocation{}, err
	}
	if n == 0 {
		return Allocation{}, nil
	}

	rng := a.newRand()
	cards, err := a.store.SelectUnusedCards(ctx, store.CardFilter{
		ProductID: productID,
		Offset:    rng.IntN(n),
		Limit:     1,
	})
	if err != nil {
		return Allocation{}, err
	}
	// The pool shrank since the count; take the first unit left.
	if len(cards) == 0 {
		cards, err = a.store.SelectUnusedCards(ctx, store.CardFilter{ProductID: productID, Limit: 1})
		if err != nil {
			return Allocation{}, err
		}
	}
	if len(cards) == 0 {
		return Allocation{}, nil
	}

	keys := make([]string, quantity)
	for i := range keys {
		keys[i] = cards[0].CardKey
	}

	return Allocation{Keys: keys}, nil
}

func (a *Allocator) allocateExclusive(ctx context.Context, order *models.Order, quantity int) (Allocation, error) {
	// Postgres keeps microseconds; ReleaseCard matches on this exact value.
	now := a.now().Truncate(time.Microsecond)
	tracking := a.reservations
	alloc := Allocation{UsedAt: now}

	if tracking {
		err := a.claimReserved(ctx, order, quantity, now, &alloc)
		switch {
		case errors.Is(err, ErrReservationTrackingUnavailable):
			log.Printf("order %s: %v, claiming from pool only", order.OrderID, err)
			tracking = false
		case err != nil:
			return a.settle(order, alloc, err)
		}
	}

	if len(alloc.Keys) < quantity {
		if err := a.claimPool(ctx, order, quantity, now, tracking, &alloc); err != nil {
			return a.settle(order, alloc, err)
		}
	}

	return alloc, nil
}

// settle keeps whatever was already claimed: those cards are used and must
// reach the order. The error only surfaces when nothing was claimed.
func (a *Allocator) settle(order *models.Order, alloc Allocation, err error) (Allocation, error) {
	if alloc.Claimed == 0 {
		return Allocation{}, err
	}
	log.Printf("order %s: stopped claiming after %d cards: %v", order.OrderID, alloc.Claimed, err)
	return alloc, nil
}

// claimReserved claims cards this order soft-reserved earlier.
func (a *Allocator) claimReserved(ctx context.Context, order *models.Order, quantity int, now time.Time, alloc *Allocation) error {
	cards, err := a.store.SelectUnusedCards(ctx, store.CardFilter{
		ProductID:   order.ProductID,
		ReservedFor: order.OrderID,
		Limit:       quantity,
	})
	if err != nil {
		if database.IsUndefinedColumn(err) {
			return fmt.Errorf("%w: %v", ErrReservationTrackingUnavailable, err)
		}
		return err
	}

	for _, card := range cards {
		ok, err := a.store.ClaimCard(ctx, card.ID, store.ClaimCondition{
			ReservedFor:      order.OrderID,
			ClearReservation: true,
			UsedAt:           now,
		})
		if err != nil {
			return err
		}
		if ok {
			alloc.add(card)
		}
	}

	return nil
}

// claimPool claims free cards, including ones whose reservation went stale.
// A round that loses races re-selects; a round without losses means the pool
// had nothing more to give.
func (a *Allocator) claimPool(ctx context.Context, order *models.Order, quantity int, now time.Time, tracking bool, alloc *Allocation) error {
	var staleBefore *time.Time
	if tracking {
		cutoff := now.Add(-a.staleWindow)
		staleBefore = &cutoff
	}

	for round := 0; round < a.maxRounds && len(alloc.Keys) < quantity; round++ {
		cards, err := a.store.SelectUnusedCards(ctx, store.CardFilter{
			ProductID:   order.ProductID,
			StaleBefore: staleBefore,
			Limit:       quantity - len(alloc.Keys),
		})
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			return nil
		}

		lost := 0
		for _, card := range cards {
			ok, err := a.store.ClaimCard(ctx, card.ID, store.ClaimCondition{
				StaleBefore:      staleBefore,
				ClearReservation: tracking,
				UsedAt:           now,
			})
			if err != nil {
				return err
			}
			if !ok {
				lost++
				continue
			}
			alloc.add(card)
		}

		if lost == 0 {
			return nil
		}
	}

	return nil
}
