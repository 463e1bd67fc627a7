package book

import "mbobook/internal/mbo"

// PriceLevel is the aggregate view of one price: total resting size and
// the count of individually identifiable orders (TOB summary records
// never increment count).
type PriceLevel struct {
	Price int64
	Size  uint64
	Count uint64
}

// LevelOrders is the insertion-ordered queue of orders resting at one
// price. It is created on the first order at a price and removed once
// the queue empties.
type LevelOrders struct {
	Price  int64
	Orders []*mbo.Record
}

// Empty reports whether the level has no resting orders left.
func (l *LevelOrders) Empty() bool {
	return len(l.Orders) == 0
}

// Level derives the PriceLevel aggregate from the current order queue.
func (l *LevelOrders) Level() PriceLevel {
	lvl := PriceLevel{Price: l.Price}
	for _, o := range l.Orders {
		lvl.Size += uint64(o.Size)
		if !o.Flags.Has(mbo.TOB) {
			lvl.Count++
		}
	}
	return lvl
}

// indexOf returns the position of the order with the given id in the
// queue, or -1 if absent. A linear scan is acceptable per spec: levels
// are expected to stay small for liquid instruments but may run long.
func (l *LevelOrders) indexOf(orderID uint64) int {
	for i, o := range l.Orders {
		if o.OrderID == orderID {
			return i
		}
	}
	return -1
}

// removeAt removes the order at position i, preserving the order of the
// remaining queue.
func (l *LevelOrders) removeAt(i int) {
	l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
}
