package market_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/book"
	"mbobook/internal/market"
	"mbobook/internal/mbo"
)

func addOrder(t *testing.T, m *market.Market, inst uint32, pub uint16, side mbo.Side, price int64, size uint32, orderID uint64) {
	t.Helper()
	require.NoError(t, m.Apply(&mbo.Record{
		Action: mbo.Add, Side: side, Price: price, Size: size, OrderID: orderID,
		InstrumentID: inst, PublisherID: pub,
	}))
}

func TestApply_RoutesToPerPublisherBook(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 10, mbo.Bid, 100, 5, 1)
	addOrder(t, m, 1, 20, mbo.Bid, 101, 5, 2)

	b10 := m.GetBook(1, 10)
	b20 := m.GetBook(1, 20)

	bid10, _ := b10.BBO()
	bid20, _ := b20.BBO()
	require.NotNil(t, bid10)
	require.NotNil(t, bid20)
	assert.Equal(t, int64(100), bid10.Price)
	assert.Equal(t, int64(101), bid20.Price)
}

func TestGetBooksByInstrument_DoesNotLeakAcrossInstruments(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 10, mbo.Bid, 100, 5, 1)
	addOrder(t, m, 2, 10, mbo.Bid, 200, 5, 2)

	books := m.GetBooksByInstrument(1)
	require.Len(t, books, 1)
	bid, _ := books[10].BBO()
	require.NotNil(t, bid)
	assert.Equal(t, int64(100), bid.Price)
}

func TestAggregatedBBO_SumsSizeAcrossPublishersAtBestPrice(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 1, mbo.Bid, 100, 2, 1)
	addOrder(t, m, 1, 2, mbo.Bid, 100, 3, 2)
	addOrder(t, m, 1, 3, mbo.Bid, 99, 10, 3)

	bid, ask := m.AggregatedBBO(1)
	require.NotNil(t, bid)
	assert.Nil(t, ask)
	assert.Equal(t, book.PriceLevel{Price: 100, Size: 5, Count: 2}, *bid)
}

func TestAggregatedBBO_AsksPickLowestPrice(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 1, mbo.Ask, 105, 2, 1)
	addOrder(t, m, 1, 2, mbo.Ask, 103, 3, 2)
	addOrder(t, m, 1, 3, mbo.Ask, 103, 7, 3)

	_, ask := m.AggregatedBBO(1)
	require.NotNil(t, ask)
	assert.Equal(t, book.PriceLevel{Price: 103, Size: 10, Count: 2}, *ask)
}

func TestAggregatedBBO_EmptyInstrument(t *testing.T) {
	m := market.New()
	bid, ask := m.AggregatedBBO(999)
	assert.Nil(t, bid)
	assert.Nil(t, ask)
}

func TestWithBookOptions_ForwardedToEveryBook(t *testing.T) {
	m := market.New(market.WithBookOptions(book.StrictModify(true)))
	err := m.Apply(&mbo.Record{
		Action: mbo.Modify, Side: mbo.Bid, Price: 100, Size: 5, OrderID: 1,
		InstrumentID: 1, PublisherID: 1,
	})

	var violation *mbo.ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, mbo.UnknownOrder, violation.Kind)
}

func TestSnapshot_NestedByInstrumentThenPublisher(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 10, mbo.Bid, 100, 5, 1)
	addOrder(t, m, 1, 10, mbo.Ask, 101, 3, 2)
	addOrder(t, m, 2, 20, mbo.Bid, 200, 7, 3)

	snap, err := m.Snapshot(context.Background(), false, 4)
	require.NoError(t, err)
	require.Contains(t, snap, "1")
	require.Contains(t, snap, "2")
	require.Contains(t, snap["1"], "10")
	require.Contains(t, snap["2"], "20")

	book1 := snap["1"]["10"].(map[string]any)
	bids := book1["bids"].([]map[string]any)
	asks := book1["asks"].([]map[string]any)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.Equal(t, int64(100), bids[0]["price"])
	assert.NotContains(t, bids[0], "orders")
}

func TestSnapshot_IncludeOrders(t *testing.T) {
	m := market.New()
	addOrder(t, m, 1, 10, mbo.Bid, 100, 5, 1)

	snap, err := m.Snapshot(context.Background(), true, 2)
	require.NoError(t, err)

	book1 := snap["1"]["10"].(map[string]any)
	bids := book1["bids"].([]map[string]any)
	require.Len(t, bids, 1)
	orders := bids[0]["orders"].([]map[string]any)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(1), orders[0]["order_id"])
}

func TestSnapshot_EmptyMarket(t *testing.T) {
	m := market.New()
	snap, err := m.Snapshot(context.Background(), false, 0)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestSnapshot_ManyBooksAcrossPublishers(t *testing.T) {
	m := market.New()
	for pub := uint16(0); pub < 5; pub++ {
		addOrder(t, m, 7, pub, mbo.Bid, int64(100+pub), 1, uint64(pub)+1)
	}

	snap, err := m.Snapshot(context.Background(), false, 2)
	require.NoError(t, err)
	require.Contains(t, snap, "7")
	assert.Len(t, snap["7"], 5)
}
