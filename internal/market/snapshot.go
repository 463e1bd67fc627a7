package market

import (
	"context"
	"strconv"

	tomb "gopkg.in/tomb.v2"

	"mbobook/internal/book"
	"mbobook/internal/mbo"
)

// defaultSnapshotParallelism bounds the worker pool Snapshot uses when
// the caller doesn't specify one; chosen to be generous for the
// (instrument, publisher) counts a single market realistically tracks.
const defaultSnapshotParallelism = 8

// Snapshot returns a nested, JSON-serializable dump of every Book:
// instrument_id -> publisher_id -> {"bids": [...], "asks": [...]}.
// include_orders toggles the per-order list within each level.
//
// Book serialization is fanned out across a small tomb-supervised
// worker pool (adapted from the connection-dispatch pool the teacher
// used for its TCP server) since a market tracking many publishers can
// spend meaningfully more time walking order queues than the ingest
// path spends applying a single event. This is a read-only query path;
// it never touches the single-writer ingest goroutine's state directly,
// only each Book's own read lock.
func (m *Market) Snapshot(ctx context.Context, includeOrders bool, parallelism int) (map[string]map[string]any, error) {
	if parallelism <= 0 {
		parallelism = defaultSnapshotParallelism
	}

	entries := m.listBooks()
	out := make(map[string]map[string]any, len(entries))
	if len(entries) == 0 {
		return out, nil
	}

	tasks := make(chan bookEntry, len(entries))
	for _, e := range entries {
		tasks <- e
	}
	close(tasks)

	type result struct {
		instrumentID uint32
		publisherID  uint16
		dict         map[string]any
	}
	results := make(chan result, len(entries))

	t, tctx := tomb.WithContext(ctx)
	workers := parallelism
	if workers > len(entries) {
		workers = len(entries)
	}
	for i := 0; i < workers; i++ {
		t.Go(func() error {
			for {
				select {
				case <-tctx.Done():
					return tctx.Err()
				case task, ok := <-tasks:
					if !ok {
						return nil
					}
					results <- result{
						instrumentID: task.instrumentID,
						publisherID:  task.publisherID,
						dict:         bookDict(task.book, includeOrders),
					}
				}
			}
		})
	}

	go func() {
		_ = t.Wait()
		close(results)
	}()

	for r := range results {
		instKey := strconv.FormatUint(uint64(r.instrumentID), 10)
		pubKey := strconv.FormatUint(uint64(r.publisherID), 10)
		pubs, ok := out[instKey]
		if !ok {
			pubs = make(map[string]any, 1)
			out[instKey] = pubs
		}
		pubs[pubKey] = r.dict
	}

	return out, t.Err()
}

func bookDict(b *book.Book, includeOrders bool) map[string]any {
	bids, asks := b.OrderQueues()
	return map[string]any{
		"bids": sideDict(bids, includeOrders),
		"asks": sideDict(asks, includeOrders),
	}
}

// sideDict converts one side's level queues (already best-first per the
// book's price-ordered index) into the wire snapshot shape.
func sideDict(levels []*book.LevelOrders, includeOrders bool) []map[string]any {
	out := make([]map[string]any, 0, len(levels))
	for _, lvl := range levels {
		agg := lvl.Level()
		entry := map[string]any{
			"price": agg.Price,
			"size":  agg.Size,
			"count": agg.Count,
		}
		if includeOrders {
			orders := make([]map[string]any, 0, len(lvl.Orders))
			for _, o := range lvl.Orders {
				orders = append(orders, orderDict(o))
			}
			entry["orders"] = orders
		}
		out = append(out, entry)
	}
	return out
}

func orderDict(r *mbo.Record) map[string]any {
	return map[string]any{
		"order_id":      r.OrderID,
		"price":         r.Price,
		"pretty_price":  mbo.PrettyPrice(r.Price),
		"size":          r.Size,
		"side":          r.Side.String(),
		"action":        r.Action.String(),
		"flags":         uint8(r.Flags),
		"instrument_id": r.InstrumentID,
		"publisher_id":  r.PublisherID,
	}
}
