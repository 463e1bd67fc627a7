// Package market routes MBO events to the per-(instrument, publisher)
// Book and offers an aggregated best-bid/best-offer view across
// publishers.
package market

import (
	"sort"
	"sync"

	"mbobook/internal/book"
	"mbobook/internal/mbo"
)

// Market is a two-level mapping from instrument to publisher to Book.
// Books are created lazily on first use; there is no explicit destroy.
type Market struct {
	mu    sync.RWMutex
	books map[uint32]map[uint16]*book.Book

	bookOpts []book.Option
}

// Option configures a new Market; options are forwarded to every Book it
// creates.
type Option func(*Market)

// WithBookOptions forwards book.Option values (e.g. book.StrictModify) to
// every Book the Market creates.
func WithBookOptions(opts ...book.Option) Option {
	return func(m *Market) { m.bookOpts = append(m.bookOpts, opts...) }
}

// New returns an empty Market.
func New(opts ...Option) *Market {
	m := &Market{books: make(map[uint32]map[uint16]*book.Book)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply looks up (creating on first use) the Book for
// (instrument_id, publisher_id) and forwards the event to it.
func (m *Market) Apply(rec *mbo.Record) error {
	return m.getOrCreateBook(rec.InstrumentID, rec.PublisherID).Apply(rec)
}

// GetBook returns the Book for (instrument_id, publisher_id), creating it
// if it does not yet exist.
func (m *Market) GetBook(instrumentID uint32, publisherID uint16) *book.Book {
	return m.getOrCreateBook(instrumentID, publisherID)
}

// GetBooksByInstrument returns every Book currently tracked for an
// instrument, keyed by publisher id.
func (m *Market) GetBooksByInstrument(instrumentID uint32) map[uint16]*book.Book {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uint16]*book.Book, len(m.books[instrumentID]))
	for pub, b := range m.books[instrumentID] {
		out[pub] = b
	}
	return out
}

// BBO delegates to the named Book's BBO.
func (m *Market) BBO(instrumentID uint32, publisherID uint16) (bid, ask *book.PriceLevel) {
	return m.getOrCreateBook(instrumentID, publisherID).BBO()
}

// AggregatedBBO computes the best aggregated bid and ask across every
// publisher posting the instrument. Best aggregated bid is the highest
// bid price, with size/count summed over every publisher posting it;
// best aggregated ask is the lowest ask price, aggregated symmetrically.
// Either or both may be absent.
func (m *Market) AggregatedBBO(instrumentID uint32) (bid, ask *book.PriceLevel) {
	books := m.GetBooksByInstrument(instrumentID)

	var bids, asks []book.PriceLevel
	for _, b := range books {
		if bb, ba := b.BBO(); bb != nil || ba != nil {
			if bb != nil {
				bids = append(bids, *bb)
			}
			if ba != nil {
				asks = append(asks, *ba)
			}
		}
	}

	return aggregate(bids, maxPrice), aggregate(asks, minPrice)
}

func maxPrice(a, b int64) bool { return a > b }
func minPrice(a, b int64) bool { return a < b }

// aggregate reduces a set of per-publisher levels to the single best
// price, summing size/count across every level that shares it.
func aggregate(levels []book.PriceLevel, better func(a, b int64) bool) *book.PriceLevel {
	if len(levels) == 0 {
		return nil
	}
	bestPrice := levels[0].Price
	for _, l := range levels[1:] {
		if better(l.Price, bestPrice) {
			bestPrice = l.Price
		}
	}

	out := book.PriceLevel{Price: bestPrice}
	for _, l := range levels {
		if l.Price == bestPrice {
			out.Size += l.Size
			out.Count += l.Count
		}
	}
	return &out
}

func (m *Market) getOrCreateBook(instrumentID uint32, publisherID uint16) *book.Book {
	m.mu.RLock()
	if pubs, ok := m.books[instrumentID]; ok {
		if b, ok := pubs[publisherID]; ok {
			m.mu.RUnlock()
			return b
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	pubs, ok := m.books[instrumentID]
	if !ok {
		pubs = make(map[uint16]*book.Book)
		m.books[instrumentID] = pubs
	}
	b, ok := pubs[publisherID]
	if !ok {
		b = book.New(m.bookOpts...)
		pubs[publisherID] = b
	}
	return b
}

// bookEntry is one (instrument, publisher) Book, used to fan snapshot
// work out across a worker pool without holding the Market lock while
// each Book is serialized.
type bookEntry struct {
	instrumentID uint32
	publisherID  uint16
	book         *book.Book
}

// listBooks returns every tracked Book, sorted by (instrument, publisher)
// for deterministic snapshot output.
func (m *Market) listBooks() []bookEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]bookEntry, 0)
	for instID, pubs := range m.books {
		for pubID, b := range pubs {
			out = append(out, bookEntry{instrumentID: instID, publisherID: pubID, book: b})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].instrumentID != out[j].instrumentID {
			return out[i].instrumentID < out[j].instrumentID
		}
		return out[i].publisherID < out[j].publisherID
	})
	return out
}
