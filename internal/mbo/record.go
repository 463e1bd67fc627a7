// Package mbo defines the typed Market-By-Order record consumed by the
// book and market packages, and the small set of errors they raise when
// the feed violates its own contract.
package mbo

import (
	"fmt"
	"math"
	"time"
)

// UndefPrice is the wire sentinel meaning "no price", used together with
// the TOB flag to signal that a side should be dropped entirely.
const UndefPrice int64 = math.MaxInt64

// FixedPriceScale converts a fixed-point price into a human-readable
// float for display/snapshot purposes only; every book comparison stays
// on the raw integer price per spec.
const FixedPriceScale float64 = 1_000_000_000

// PrettyPrice renders a fixed-point price using FixedPriceScale.
func PrettyPrice(price int64) float64 {
	return float64(price) / FixedPriceScale
}

// Action is the MBO event kind.
type Action byte

const (
	Add    Action = 'A'
	Cancel Action = 'C'
	Modify Action = 'M'
	Clear  Action = 'R'
	Trade  Action = 'T'
	Fill   Action = 'F'
	None   Action = 'N'
)

func (a Action) String() string {
	return string(byte(a))
}

// Side is the book side an order rests on.
type Side byte

const (
	Ask    Side = 'A'
	Bid    Side = 'B'
	NoSide Side = 'N'
)

func (s Side) String() string {
	return string(byte(s))
}

// Flags is the MBO flag bit set. Only TOB and FLast are interpreted here.
type Flags uint8

const (
	// TOB marks a record as a top-of-book summary rather than an
	// individually identifiable resting order.
	TOB Flags = 1 << 0
	// FLast marks the last record of an event group, used only to pace
	// consistent-snapshot output; it never affects book state transitions.
	FLast Flags = 1 << 7
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// Decoded is the sum type yielded by the wire decoder: either a Record or
// a Metadata marker that the book skips.
type Decoded interface {
	isDecoded()
}

// Record is one MBO feed event.
type Record struct {
	Action       Action
	Side         Side
	Price        int64
	Size         uint32
	OrderID      uint64
	Flags        Flags
	InstrumentID uint32
	PublisherID  uint16
	TSEvent      int64 // nanoseconds since epoch
}

func (Record) isDecoded() {}

func (r Record) String() string {
	return fmt.Sprintf(
		"action=%s side=%s price=%d size=%d order_id=%d flags=%#02x instrument=%d publisher=%d ts=%s",
		r.Action, r.Side, r.Price, r.Size, r.OrderID, uint8(r.Flags), r.InstrumentID, r.PublisherID,
		time.Unix(0, r.TSEvent).UTC().Format(time.RFC3339Nano),
	)
}

// Metadata precedes MBO records on the wire; the book ignores it.
type Metadata struct {
	Version uint16
}

func (Metadata) isDecoded() {}
