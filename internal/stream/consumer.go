// Package stream implements the single-goroutine TCP client that reads
// the framed MBO feed and applies each record to a handler in order,
// the way a feed consumer is expected to: no worker pool, no internal
// queue, one record in flight at a time.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"mbobook/internal/mbo"
	"mbobook/internal/wire"
)

// recvChunkSize bounds a single read off the connection.
const recvChunkSize = 80 * 1024

// Handler applies one decoded MBO record; a *mbo.ContractViolation
// returned from it is a rejected record, not a transport failure.
type Handler func(rec mbo.Record) error

// Consumer is a single TCP client session against the feed.
type Consumer struct {
	strict bool
	stats  *Stats
}

// Option configures a new Consumer.
type Option func(*Consumer)

// Strict aborts the consumer on the first rejected record instead of
// logging and continuing.
func Strict(strict bool) Option {
	return func(c *Consumer) { c.strict = strict }
}

// New returns a Consumer with its own latency Stats.
func New(opts ...Option) *Consumer {
	c := &Consumer{stats: NewStats()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the consumer's accumulated apply-latency histogram.
func (c *Consumer) Stats() *Stats {
	return c.stats
}

// Run dials host:port and reads the feed until the connection closes,
// the remote sends EOF, or ctx is cancelled. Each decoded record is
// passed to handler synchronously before the next read.
func (c *Consumer) Run(ctx context.Context, host string, port int, handler Handler) error {
	sessionID := uuid.New().String()
	addr := fmt.Sprintf("%s:%d", host, port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &mbo.TransportError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	log.Info().Str("session", sessionID).Str("addr", addr).Msg("connected to feed")

	t, tctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return c.readLoop(tctx, conn, handler, sessionID)
	})

	go func() {
		<-t.Dying()
		_ = conn.Close()
	}()

	<-t.Dead()
	log.Info().
		Str("session", sessionID).
		Uint64("applied", c.stats.Total()).
		Msg("feed session ended")
	if err := t.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context, conn net.Conn, handler Handler, sessionID string) error {
	decoder := wire.NewDecoder()
	buf := make([]byte, recvChunkSize)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &mbo.TransportError{Err: err}
		}

		decoder.Write(buf[:n])
		decoded, err := decoder.Decode()
		if err != nil {
			return err
		}

		for _, d := range decoded {
			rec, ok := d.(mbo.Record)
			if !ok {
				continue // mbo.Metadata marker, not book state
			}

			seq++
			start := time.Now()
			applyErr := handler(rec)
			elapsedNanos := time.Since(start).Nanoseconds()
			c.stats.Observe(uint64((elapsedNanos + 999) / 1000))

			if applyErr == nil {
				continue
			}

			var violation *mbo.ContractViolation
			if errors.As(applyErr, &violation) {
				log.Error().
					Str("session", sessionID).
					Uint64("seq", seq).
					Str("kind", violation.Kind.String()).
					Str("record", violation.Record.String()).
					Msg("rejected record")
				if c.strict {
					return applyErr
				}
				continue
			}
			return applyErr
		}
	}
}
