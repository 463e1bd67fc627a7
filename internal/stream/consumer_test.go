package stream_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mbobook/internal/mbo"
	"mbobook/internal/stream"
	"mbobook/internal/wire"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ln, host, port
}

func addRecord(orderID uint64, price int64, size uint32) mbo.Record {
	return mbo.Record{
		Action: mbo.Add, Side: mbo.Bid, Price: price, Size: size, OrderID: orderID,
		InstrumentID: 1, PublisherID: 1,
	}
}

func TestRun_AppliesRecordsInOrder(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	recs := []mbo.Record{addRecord(1, 100, 5), addRecord(2, 101, 3)}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, r := range recs {
			conn.Write(wire.Encode(r))
		}
	}()

	var mu sync.Mutex
	var got []mbo.Record
	c := stream.New()
	err := c.Run(context.Background(), host, port, func(rec mbo.Record) error {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
		return nil
	})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].OrderID)
	assert.Equal(t, uint64(2), got[1].OrderID)
	assert.Equal(t, uint64(2), c.Stats().Total())
}

func TestRun_SkipsMetadata(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(wire.EncodeMetadata(mbo.Metadata{Version: 1}))
		conn.Write(wire.Encode(addRecord(1, 100, 5)))
	}()

	var got []mbo.Record
	c := stream.New()
	err := c.Run(context.Background(), host, port, func(rec mbo.Record) error {
		got = append(got, rec)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRun_ContractViolation_NonStrict_ContinuesPastIt(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	recs := []mbo.Record{addRecord(1, 100, 5), addRecord(2, 100, 5), addRecord(3, 100, 5)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, r := range recs {
			conn.Write(wire.Encode(r))
		}
	}()

	var got []uint64
	c := stream.New()
	err := c.Run(context.Background(), host, port, func(rec mbo.Record) error {
		got = append(got, rec.OrderID)
		if rec.OrderID == 2 {
			return &mbo.ContractViolation{Kind: mbo.DuplicateAdd, Record: rec}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestRun_ContractViolation_Strict_Aborts(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	recs := []mbo.Record{addRecord(1, 100, 5), addRecord(2, 100, 5), addRecord(3, 100, 5)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, r := range recs {
			conn.Write(wire.Encode(r))
		}
	}()

	var got []uint64
	c := stream.New(stream.Strict(true))
	err := c.Run(context.Background(), host, port, func(rec mbo.Record) error {
		got = append(got, rec.OrderID)
		if rec.OrderID == 2 {
			return &mbo.ContractViolation{Kind: mbo.DuplicateAdd, Record: rec}
		}
		return nil
	})

	var violation *mbo.ContractViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestRun_ContextCancellation_EndsCleanly(t *testing.T) {
	ln, host, port := listen(t)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		close(accepted)
		defer conn.Close()
		conn.Write(wire.Encode(addRecord(1, 100, 5)))
		time.Sleep(time.Second)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	c := stream.New()
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, host, port, func(rec mbo.Record) error { return nil })
	}()

	<-accepted
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
