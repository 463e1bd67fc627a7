// Package wire implements the framed binary decoder spec.md §6 describes
// as an external collaborator: a stream of length-prefixed MBO records
// parsed incrementally as bytes arrive off the TCP connection.
package wire

import (
	"encoding/binary"
	"fmt"

	"mbobook/internal/mbo"
)

// Record type tags, carried as the first byte of a frame's payload.
const (
	tagMetadata byte = 0
	tagMBO      byte = 1
)

// Frame layout: 2-byte big-endian payload length, then a 1-byte type tag,
// then the fixed-width payload for that tag.
const (
	lengthPrefixLen = 2
	tagLen          = 1

	metadataPayloadLen = 2                                  // version uint16
	mboPayloadLen      = 1 + 1 + 1 + 4 + 2 + 8 + 8 + 4 + 8 // action,side,flags,instrument,publisher,order_id,price,size,ts_event
)

// Decoder accumulates bytes written to it and yields fully-parsed frames,
// retaining any trailing partial frame internally. Its internal buffer is
// compacted in place and reused once it has grown to its working size;
// Decode still allocates a new result slice, and boxes each record into
// an mbo.Decoded, on every call.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends bytes to the decoder's internal buffer.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Decode yields zero or more fully-parsed records from the buffered
// bytes, consuming them, and leaves any trailing partial frame in the
// buffer for the next call.
func (d *Decoder) Decode() ([]mbo.Decoded, error) {
	var out []mbo.Decoded
	offset := 0

	for {
		remaining := d.buf[offset:]
		if len(remaining) < lengthPrefixLen+tagLen {
			break
		}
		payloadLen := int(binary.BigEndian.Uint16(remaining[0:lengthPrefixLen]))
		frameLen := lengthPrefixLen + tagLen + payloadLen
		if len(remaining) < frameLen {
			break
		}

		tag := remaining[lengthPrefixLen]
		payload := remaining[lengthPrefixLen+tagLen : frameLen]

		rec, err := decodeFrame(tag, payload)
		if err != nil {
			return out, &mbo.DecodeError{Err: err}
		}
		if rec != nil {
			out = append(out, rec)
		}

		offset += frameLen
	}

	d.buf = append(d.buf[:0], d.buf[offset:]...)
	return out, nil
}

func decodeFrame(tag byte, payload []byte) (mbo.Decoded, error) {
	switch tag {
	case tagMetadata:
		if len(payload) != metadataPayloadLen {
			return nil, errShortFrame("metadata", metadataPayloadLen, len(payload))
		}
		return mbo.Metadata{Version: binary.BigEndian.Uint16(payload[0:2])}, nil
	case tagMBO:
		if len(payload) != mboPayloadLen {
			return nil, errShortFrame("mbo", mboPayloadLen, len(payload))
		}
		return decodeMBO(payload), nil
	default:
		return nil, errUnknownTag(tag)
	}
}

func decodeMBO(p []byte) mbo.Record {
	return mbo.Record{
		Action:       mbo.Action(p[0]),
		Side:         mbo.Side(p[1]),
		Flags:        mbo.Flags(p[2]),
		InstrumentID: binary.BigEndian.Uint32(p[3:7]),
		PublisherID:  binary.BigEndian.Uint16(p[7:9]),
		OrderID:      binary.BigEndian.Uint64(p[9:17]),
		Price:        int64(binary.BigEndian.Uint64(p[17:25])),
		Size:         binary.BigEndian.Uint32(p[25:29]),
		TSEvent:      int64(binary.BigEndian.Uint64(p[29:37])),
	}
}

// Encode serializes a record onto the wire, the inverse of decodeMBO. It
// exists so tests (and the feed producer half of the protocol) can build
// frames without duplicating the layout.
func Encode(r mbo.Record) []byte {
	payload := make([]byte, mboPayloadLen)
	payload[0] = byte(r.Action)
	payload[1] = byte(r.Side)
	payload[2] = byte(r.Flags)
	binary.BigEndian.PutUint32(payload[3:7], r.InstrumentID)
	binary.BigEndian.PutUint16(payload[7:9], r.PublisherID)
	binary.BigEndian.PutUint64(payload[9:17], r.OrderID)
	binary.BigEndian.PutUint64(payload[17:25], uint64(r.Price))
	binary.BigEndian.PutUint32(payload[25:29], r.Size)
	binary.BigEndian.PutUint64(payload[29:37], uint64(r.TSEvent))

	frame := make([]byte, lengthPrefixLen+tagLen+len(payload))
	binary.BigEndian.PutUint16(frame[0:lengthPrefixLen], uint16(len(payload)))
	frame[lengthPrefixLen] = tagMBO
	copy(frame[lengthPrefixLen+tagLen:], payload)
	return frame
}

func errShortFrame(kind string, want, got int) error {
	return fmt.Errorf("%s frame: expected %d payload bytes, got %d", kind, want, got)
}

func errUnknownTag(tag byte) error {
	return fmt.Errorf("unknown record tag %d", tag)
}

// EncodeMetadata serializes a Metadata marker frame.
func EncodeMetadata(m mbo.Metadata) []byte {
	payload := make([]byte, metadataPayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], m.Version)

	frame := make([]byte, lengthPrefixLen+tagLen+len(payload))
	binary.BigEndian.PutUint16(frame[0:lengthPrefixLen], uint16(len(payload)))
	frame[lengthPrefixLen] = tagMetadata
	copy(frame[lengthPrefixLen+tagLen:], payload)
	return frame
}
