// Package keys implements tuple keys and their order-preserving byte encoding.
//
// A Key is an ordered sequence of string segments. Keys compare segment by
// segment, and the byte encoding preserves that order, so a prefix family
// (every key starting with the same segments) is a contiguous byte range.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	escape      byte = 0x00
	escapedTerm byte = 0x01
	escaped00   byte = 0xff

	// MaxKeySize bounds the encoded size of a key or prefix.
	MaxKeySize = 16 * 1024
)

var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidPrefix = errors.New("invalid prefix")
	ErrMalformed     = errors.New("malformed encoded key")
)

// Key is a tuple of string segments.
type Key []string

// New builds a key from its segments.
func New(segments ...string) Key {
	return Key(segments)
}

// Append returns a new key with segs added. The receiver is never modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Last returns the final segment, or "" for the empty key.
func (k Key) Last() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// HasPrefix reports whether p is a leading subsequence of k.
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both keys have the same segments.
func (k Key) Equal(o Key) bool {
	return len(k) == len(o) && k.HasPrefix(o)
}

// Compare orders keys segment by segment; a key sorts before every longer key
// it is a prefix of.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := strings.Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) String() string {
	quoted := make([]string, len(k))
	for i, s := range k {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// Validate checks that k can be stored.
func (k Key) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if n := k.encodedLen(); n > MaxKeySize {
		return fmt.Errorf("%w: encoded size %d exceeds %d", ErrInvalidKey, n, MaxKeySize)
	}
	return nil
}

// ValidatePrefix checks that k can be used as a prefix. The empty prefix
// addresses the whole keyspace.
func (k Key) ValidatePrefix() error {
	if n := k.encodedLen(); n > MaxKeySize {
		return fmt.Errorf("%w: encoded size %d exceeds %d", ErrInvalidPrefix, n, MaxKeySize)
	}
	return nil
}

func (k Key) encodedLen() int {
	n := 0
	for _, s := range k {
		n += len(s) + strings.Count(s, "\x00") + 2
	}
	return n
}

// Encode appends the order-preserving encoding of k to b. Every segment has
// its 0x00 bytes escaped as 0x00 0xff and is terminated by 0x00 0x01.
func (k Key) Encode(b []byte) []byte {
	for _, s := range k {
		b = encodeSegment(b, s)
	}
	return b
}

func encodeSegment(b []byte, s string) []byte {
	data := []byte(s)
	for {
		i := bytes.IndexByte(data, escape)
		if i == -1 {
			break
		}
		b = append(b, data[:i]...)
		b = append(b, escape, escaped00)
		data = data[i+1:]
	}
	b = append(b, data...)
	return append(b, escape, escapedTerm)
}

// Decode parses an encoding produced by Encode.
func Decode(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		var (
			seg []byte
			err error
		)
		b, seg, err = decodeSegment(b)
		if err != nil {
			return nil, err
		}
		k = append(k, string(seg))
	}
	return k, nil
}

func decodeSegment(b []byte) ([]byte, []byte, error) {
	var r []byte
	for {
		i := bytes.IndexByte(b, escape)
		if i == -1 {
			return nil, nil, fmt.Errorf("%w: no terminator in %#x", ErrMalformed, b)
		}
		if i+1 >= len(b) {
			return nil, nil, fmt.Errorf("%w: truncated escape in %#x", ErrMalformed, b)
		}
		switch b[i+1] {
		case escapedTerm:
			r = append(r, b[:i]...)
			return b[i+2:], r, nil
		case escaped00:
			r = append(r, b[:i]...)
			r = append(r, escape)
			b = b[i+2:]
		default:
			return nil, nil, fmt.Errorf("%w: unknown escape %#x", ErrMalformed, b[i+1])
		}
	}
}

// PrefixEnd returns the smallest byte string greater than every string with
// the given prefix, or nil when no such bound exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Span returns the encoded [start, end) byte range of the prefix family of
// p, with ns prepended to both bounds.
func (k Key) Span(ns []byte) (start, end []byte) {
	start = k.Encode(append([]byte(nil), ns...))
	return start, PrefixEnd(start)
}
