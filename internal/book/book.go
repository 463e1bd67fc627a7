// Package book implements the resting limit order book for a single
// (instrument, publisher) pair: applying one MBO event at a time and
// serving read queries over the resulting state.
package book

import (
	"sync"

	"github.com/tidwall/btree"

	"mbobook/internal/mbo"
)

type levels = btree.BTreeG[*LevelOrders]

// bidLess/askLess order each side's btree so that its natural ascending
// (Scan) order is already best-level-first: highest price first for
// bids, lowest price first for asks.
func bidLess(a, b *LevelOrders) bool { return a.Price > b.Price }
func askLess(a, b *LevelOrders) bool { return a.Price < b.Price }

// Book holds every resting order for one (instrument, publisher) pair by
// identifier, plus two price-ordered level indices. Apply is the single
// writer; queries may run concurrently under the read lock while a
// separate reader (e.g. a snapshot fan-out) is in flight.
type Book struct {
	mu sync.RWMutex

	ordersByID map[uint64]*mbo.Record
	bids       *levels // ordered best (highest price) first
	asks       *levels // ordered best (lowest price) first

	// strictModify rejects a Modify whose order_id isn't resting instead
	// of treating it as an Add (spec.md §9 Open Question).
	strictModify bool
}

// Option configures a new Book.
type Option func(*Book)

// StrictModify rejects Modify events for unknown order ids instead of
// silently treating them as Add events.
func StrictModify(strict bool) Option {
	return func(b *Book) { b.strictModify = strict }
}

// New returns an empty Book.
func New(opts ...Option) *Book {
	b := &Book{
		ordersByID: make(map[uint64]*mbo.Record),
		bids:       btree.NewBTreeG(bidLess),
		asks:       btree.NewBTreeG(askLess),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply mutates book state for a single MBO event. Either every
// invariant holds after the call, or an error is returned and no state
// was changed.
func (b *Book) Apply(rec *mbo.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch rec.Action {
	case mbo.Trade, mbo.Fill, mbo.None:
		return nil
	case mbo.Clear:
		b.clear()
		return nil
	}

	if rec.Price == mbo.UndefPrice && rec.Flags.Has(mbo.TOB) {
		if err := validSide(rec.Side); err != nil {
			return err
		}
		b.resetSide(rec.Side)
		return nil
	}

	if err := validSide(rec.Side); err != nil {
		return err
	}

	switch rec.Action {
	case mbo.Add:
		return b.add(rec)
	case mbo.Cancel:
		return b.cancel(rec)
	case mbo.Modify:
		return b.modify(rec)
	default:
		return &mbo.ContractViolation{Kind: mbo.UnknownAction, Record: *rec}
	}
}

func validSide(s mbo.Side) error {
	if s != mbo.Ask && s != mbo.Bid {
		return mbo.ErrInvalidSide
	}
	return nil
}

func (b *Book) clear() {
	b.ordersByID = make(map[uint64]*mbo.Record)
	b.bids = btree.NewBTreeG(bidLess)
	b.asks = btree.NewBTreeG(askLess)
}

func (b *Book) sideLevels(side mbo.Side) *levels {
	if side == mbo.Ask {
		return b.asks
	}
	return b.bids
}

// resetSide drops every level on one side, and every order resting on
// that side from ordersByID (a TOB side-drop, or the TOB-flagged Add that
// replaces the whole side with one summary level).
func (b *Book) resetSide(side mbo.Side) {
	for id, o := range b.ordersByID {
		if o.Side == side {
			delete(b.ordersByID, id)
		}
	}
	if side == mbo.Ask {
		b.asks = btree.NewBTreeG(askLess)
	} else {
		b.bids = btree.NewBTreeG(bidLess)
	}
}

func (b *Book) add(rec *mbo.Record) error {
	if rec.Flags.Has(mbo.TOB) {
		b.resetSide(rec.Side)
		cp := *rec
		b.sideLevels(rec.Side).Set(&LevelOrders{Price: rec.Price, Orders: []*mbo.Record{&cp}})
		return nil
	}

	if _, exists := b.ordersByID[rec.OrderID]; exists {
		return &mbo.ContractViolation{Kind: mbo.DuplicateAdd, Record: *rec}
	}

	cp := *rec
	level := b.getOrInsertLevel(rec.Price, rec.Side)
	level.Orders = append(level.Orders, &cp)
	b.ordersByID[rec.OrderID] = &cp
	return nil
}

func (b *Book) cancel(rec *mbo.Record) error {
	order, ok := b.ordersByID[rec.OrderID]
	if !ok {
		return &mbo.ContractViolation{Kind: mbo.UnknownOrder, Record: *rec}
	}
	if rec.Size > order.Size {
		return &mbo.ContractViolation{Kind: mbo.OverCancel, Record: *rec}
	}

	order.Size -= rec.Size
	if order.Size != 0 {
		return nil
	}

	level, ok := b.getLevel(order.Price, order.Side)
	if !ok {
		// Invariant 1 guarantees this cannot happen; surfaced defensively.
		return &mbo.ContractViolation{Kind: mbo.UnknownOrder, Record: *rec, Detail: "order missing its level"}
	}
	delete(b.ordersByID, rec.OrderID)
	if i := level.indexOf(rec.OrderID); i >= 0 {
		level.removeAt(i)
	}
	if level.Empty() {
		b.sideLevels(order.Side).Delete(level)
	}
	return nil
}

func (b *Book) modify(rec *mbo.Record) error {
	order, ok := b.ordersByID[rec.OrderID]
	if !ok {
		if b.strictModify {
			return &mbo.ContractViolation{Kind: mbo.UnknownOrder, Record: *rec}
		}
		return b.add(rec)
	}
	if order.Side != rec.Side {
		return &mbo.ContractViolation{Kind: mbo.SideMismatch, Record: *rec}
	}

	level, ok := b.getLevel(order.Price, order.Side)
	if !ok {
		return &mbo.ContractViolation{Kind: mbo.UnknownOrder, Record: *rec, Detail: "order missing its level"}
	}

	cp := *rec
	switch {
	case order.Price != rec.Price:
		// Changing price loses priority.
		if i := level.indexOf(rec.OrderID); i >= 0 {
			level.removeAt(i)
		}
		if level.Empty() {
			b.sideLevels(order.Side).Delete(level)
		}
		newLevel := b.getOrInsertLevel(rec.Price, rec.Side)
		newLevel.Orders = append(newLevel.Orders, &cp)
	case rec.Size > order.Size:
		// Increasing size loses priority.
		if i := level.indexOf(rec.OrderID); i >= 0 {
			level.removeAt(i)
		}
		level.Orders = append(level.Orders, &cp)
	default:
		// Equal-or-smaller size: update in place, priority preserved.
		if i := level.indexOf(rec.OrderID); i >= 0 {
			level.Orders[i] = &cp
		}
	}
	b.ordersByID[rec.OrderID] = &cp
	return nil
}

func (b *Book) getLevel(price int64, side mbo.Side) (*LevelOrders, bool) {
	return b.sideLevels(side).Get(&LevelOrders{Price: price})
}

func (b *Book) getOrInsertLevel(price int64, side mbo.Side) *LevelOrders {
	tree := b.sideLevels(side)
	if lvl, ok := tree.Get(&LevelOrders{Price: price}); ok {
		return lvl
	}
	lvl := &LevelOrders{Price: price}
	tree.Set(lvl)
	return lvl
}

// BBO returns the best level on each side, or nil when that side is
// empty.
func (b *Book) BBO() (bid, ask *PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bidLevel(0), b.askLevel(0)
}

// GetBidLevel returns the i-th best bid level (0 = best), or nil when
// fewer than i+1 levels exist.
func (b *Book) GetBidLevel(i int) *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bidLevel(i)
}

// GetAskLevel returns the i-th best ask level (0 = best), or nil when
// fewer than i+1 levels exist.
func (b *Book) GetAskLevel(i int) *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.askLevel(i)
}

func (b *Book) bidLevel(i int) *PriceLevel {
	return nthLevel(b.bids, i)
}

func (b *Book) askLevel(i int) *PriceLevel {
	return nthLevel(b.asks, i)
}

// nthLevel walks the tree in its natural (best-first) order counting up
// to rank i. Both bids and asks comparators are defined so the tree's
// ascending order is already best-first.
func nthLevel(tree *levels, i int) *PriceLevel {
	if i < 0 {
		return nil
	}
	var found *PriceLevel
	rank := 0
	tree.Scan(func(item *LevelOrders) bool {
		if rank == i {
			lvl := item.Level()
			found = &lvl
			return false
		}
		rank++
		return true
	})
	return found
}

// GetLevelByPrice returns the level at price on side, or nil if none
// exists.
func (b *Book) GetLevelByPrice(price int64, side mbo.Side) *PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl, ok := b.getLevel(price, side)
	if !ok {
		return nil
	}
	out := lvl.Level()
	return &out
}

// GetOrder returns the currently resting record for order_id, or nil if
// it isn't resting.
func (b *Book) GetOrder(orderID uint64) *mbo.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	order, ok := b.ordersByID[orderID]
	if !ok {
		return nil
	}
	cp := *order
	return &cp
}

// GetQueuePos returns the sum of sizes of all orders ahead of order_id in
// its level's sequence, or nil if the id isn't resting.
func (b *Book) GetQueuePos(orderID uint64) *uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	order, ok := b.ordersByID[orderID]
	if !ok {
		return nil
	}
	level, ok := b.getLevel(order.Price, order.Side)
	if !ok {
		return nil
	}
	var ahead uint64
	for _, o := range level.Orders {
		if o.OrderID == orderID {
			break
		}
		ahead += uint64(o.Size)
	}
	return &ahead
}

// BidAskPair is one rank's worth of bid/ask levels, as served by
// GetSnapshot.
type BidAskPair struct {
	Bid *PriceLevel
	Ask *PriceLevel
}

// GetSnapshot returns the top depth levels on each side, paired by rank.
func (b *Book) GetSnapshot(depth int) []BidAskPair {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BidAskPair, depth)
	for i := 0; i < depth; i++ {
		out[i] = BidAskPair{Bid: b.bidLevel(i), Ask: b.askLevel(i)}
	}
	return out
}

// Bids returns the resting bid levels, best first, for serialization.
func (b *Book) Bids() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collectLevels(b.bids)
}

// Asks returns the resting ask levels, best first, for serialization.
func (b *Book) Asks() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collectLevels(b.asks)
}

// OrderQueues returns copies of both sides' order queues, best-level
// first, read under a single RLock so a caller serializing both sides (e.g. a
// JSON snapshot) sees them as of the same instant, the way GetSnapshot
// holds one lock across bid and ask ranks.
func (b *Book) OrderQueues() (bids, asks []*LevelOrders) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return collectOrders(b.bids), collectOrders(b.asks)
}

func collectLevels(tree *levels) []PriceLevel {
	out := make([]PriceLevel, 0, tree.Len())
	tree.Scan(func(item *LevelOrders) bool {
		out = append(out, item.Level())
		return true
	})
	return out
}

// collectOrders copies each level and its records, so the result stays
// valid after the caller's lock is released.
func collectOrders(tree *levels) []*LevelOrders {
	out := make([]*LevelOrders, 0, tree.Len())
	tree.Scan(func(item *LevelOrders) bool {
		cp := &LevelOrders{Price: item.Price, Orders: make([]*mbo.Record, len(item.Orders))}
		for i, o := range item.Orders {
			rec := *o
			cp.Orders[i] = &rec
		}
		out = append(out, cp)
		return true
	})
	return out
}
