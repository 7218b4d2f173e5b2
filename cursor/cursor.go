// Package cursor implements the pull watermarks used to request only
// remote changes since the last successful sync.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	KindSequence  = "sequence"
	KindTimestamp = "timestamp"
)

// Cursor is a point-in-time watermark for a table's pull stream.
type Cursor interface {
	Kind() string

	// Compare returns -1 if this cursor is before other, 0 if equal or
	// incomparable, 1 if after.
	Compare(other Cursor) int

	String() string
	IsZero() bool
}

// Codec marshals cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) (Cursor, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

func init() {
	Register(sequenceCodec{})
	Register(timestampCodec{})
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 4 * 1024

// WireCursor is the typed union used on the wire and in the local store.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if wc == nil {
		return nil, errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return nil, fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	codec, ok := Lookup(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return codec.Unmarshal(wc.Data)
}

// Encode renders a cursor as a single JSON string for storage or URLs.
func Encode(c Cursor) (string, error) {
	wc, err := MarshalWire(c)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses the output of Encode back into a Cursor.
func Decode(s string) (Cursor, error) {
	var wc WireCursor
	if err := json.Unmarshal([]byte(s), &wc); err != nil {
		return nil, fmt.Errorf("invalid wire cursor: %w", err)
	}
	return UnmarshalWire(&wc)
}

// SequenceCursor is a high-water mark over a server-assigned sequence.
type SequenceCursor struct {
	Seq uint64
}

func (SequenceCursor) Kind() string { return KindSequence }

func (sc SequenceCursor) Compare(other Cursor) int {
	if other == nil {
		return 1
	}
	oc, ok := other.(SequenceCursor)
	if !ok {
		return 0 // incomparable across kinds
	}
	switch {
	case sc.Seq < oc.Seq:
		return -1
	case sc.Seq > oc.Seq:
		return 1
	default:
		return 0
	}
}

func (sc SequenceCursor) String() string { return fmt.Sprintf("%d", sc.Seq) }
func (sc SequenceCursor) IsZero() bool   { return sc.Seq == 0 }

type sequenceCodec struct{}

func (sequenceCodec) Kind() string { return KindSequence }

func (sequenceCodec) Marshal(c Cursor) (json.RawMessage, error) {
	sc, ok := c.(SequenceCursor)
	if !ok {
		return nil, fmt.Errorf("expected SequenceCursor, got %T", c)
	}
	return json.Marshal(sc.Seq)
}

func (sequenceCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return SequenceCursor{Seq: seq}, nil
}

// TimestampCursor is a high-water mark over server-side modification time.
type TimestampCursor struct {
	UnixNano int64
}

func (TimestampCursor) Kind() string { return KindTimestamp }

func (tc TimestampCursor) Compare(other Cursor) int {
	if other == nil {
		return 1
	}
	oc, ok := other.(TimestampCursor)
	if !ok {
		return 0 // incomparable across kinds
	}
	switch {
	case tc.UnixNano < oc.UnixNano:
		return -1
	case tc.UnixNano > oc.UnixNano:
		return 1
	default:
		return 0
	}
}

func (tc TimestampCursor) String() string {
	return time.Unix(0, tc.UnixNano).UTC().Format(time.RFC3339Nano)
}

func (tc TimestampCursor) IsZero() bool { return tc.UnixNano == 0 }

// Time returns the cursor as a time.Time.
func (tc TimestampCursor) Time() time.Time { return time.Unix(0, tc.UnixNano) }

type timestampCodec struct{}

func (timestampCodec) Kind() string { return KindTimestamp }

func (timestampCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TimestampCursor)
	if !ok {
		return nil, fmt.Errorf("expected TimestampCursor, got %T", c)
	}
	return json.Marshal(tc.UnixNano)
}

func (timestampCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return nil, err
	}
	return TimestampCursor{UnixNano: ns}, nil
}

// NewSequence creates a SequenceCursor at the given sequence number.
func NewSequence(seq uint64) SequenceCursor { return SequenceCursor{Seq: seq} }

// NewTimestamp creates a TimestampCursor at the given instant.
func NewTimestamp(t time.Time) TimestampCursor { return TimestampCursor{UnixNano: t.UnixNano()} }

// Latest returns the later of a and b, preferring b on ties so that a
// fresh server cursor replaces an equal stored one.
func Latest(a, b Cursor) Cursor {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Compare(b) > 0 {
		return a
	}
	return b
}
