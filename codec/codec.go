// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/absmach/minimq/internal/bufpool"
)

// DefaultMaxFieldSize bounds a single length-prefixed field.
const DefaultMaxFieldSize = 1 << 20

// Reader decodes frames from a byte stream.
type Reader struct {
	r            io.Reader
	maxFieldSize uint32
}

// NewReader returns a Reader that rejects fields longer than maxFieldSize.
// A zero maxFieldSize selects DefaultMaxFieldSize.
func NewReader(r io.Reader, maxFieldSize uint32) *Reader {
	if maxFieldSize == 0 {
		maxFieldSize = DefaultMaxFieldSize
	}
	return &Reader{r: r, maxFieldSize: maxFieldSize}
}

// Decode reads one frame from r.
func Decode(r io.Reader) (Frame, error) {
	return NewReader(r, DefaultMaxFieldSize).ReadFrame()
}

// ReadFrame reads one complete frame.
func (r *Reader) ReadFrame() (Frame, error) {
	kind, err := r.ReadKind()
	if err != nil {
		return nil, err
	}
	return r.ReadBody(kind)
}

// ReadKind reads the kind byte that opens a frame. It returns io.EOF when the
// stream ends cleanly between frames.
func (r *Reader) ReadKind() (Kind, error) {
	b, err := ReadOctet(r.r)
	if err != nil {
		return 0, err
	}
	kind := Kind(b)
	if !kind.Valid() {
		return 0, NewErr(UnknownKind, fmt.Sprintf("kind byte %#02x", b), nil)
	}
	return kind, nil
}

// ReadBody reads the remainder of a frame whose kind byte was already consumed.
func (r *Reader) ReadBody(kind Kind) (Frame, error) {
	if !kind.Valid() {
		return nil, NewErr(UnknownKind, fmt.Sprintf("kind byte %#02x", byte(kind)), nil)
	}
	xtype, err := ReadOctet(r.r)
	if err != nil {
		return nil, truncated("exchange type", err)
	}
	h := header{kind: kind, xtype: ExchangeType(xtype)}
	if h.name, err = r.readString("name"); err != nil {
		return nil, err
	}
	if h.queue, err = r.readString("queue"); err != nil {
		return nil, err
	}
	if kind.hasData() {
		if h.data, err = r.readString("data"); err != nil {
			return nil, err
		}
	}
	return h.frame(), nil
}

func (r *Reader) readString(field string) (string, error) {
	n, err := ReadLong(r.r)
	if err != nil {
		return "", truncated(field+" length", err)
	}
	if n > r.maxFieldSize {
		return "", NewErr(FieldTooLarge, fmt.Sprintf("%s is %d bytes, limit %d", field, n, r.maxFieldSize), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", truncated(field, err)
	}
	if !utf8.Valid(buf) {
		return "", NewErr(InvalidUTF8, field, nil)
	}
	return string(buf), nil
}

// truncated maps an end of stream inside a frame to a Truncated error and
// passes transport errors (deadlines, resets) through unchanged.
func truncated(field string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewErr(Truncated, "reading "+field, io.ErrUnexpectedEOF)
	}
	return err
}

// Encode writes f to w with a single Write call. Nothing is written when f
// cannot be encoded.
func Encode(w io.Writer, f Frame) error {
	buf := bufpool.Get(Size(f))
	defer bufpool.Put(buf)
	if err := encode(buf, f); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Marshal returns the wire encoding of f.
func Marshal(f Frame) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, Size(f)))
	if err := encode(buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, f Frame) error {
	h := f.header()
	if !h.kind.Valid() {
		return NewErr(UnknownKind, fmt.Sprintf("kind byte %#02x", byte(h.kind)), nil)
	}
	buf.WriteByte(byte(h.kind))
	buf.WriteByte(byte(h.xtype))
	if err := writeString(buf, "name", h.name); err != nil {
		return err
	}
	if err := writeString(buf, "queue", h.queue); err != nil {
		return err
	}
	if h.kind.hasData() {
		return writeString(buf, "data", h.data)
	}
	return nil
}

func writeString(w io.Writer, field, s string) error {
	if uint64(len(s)) > math.MaxUint32 {
		return NewErr(FieldTooLarge, field, nil)
	}
	if !utf8.ValidString(s) {
		return NewErr(InvalidUTF8, field, nil)
	}
	if err := WriteLong(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadOctet reads a single byte from the reader.
func ReadOctet(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadLong reads a 32-bit unsigned big-endian integer.
func ReadLong(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteLong writes a 32-bit unsigned big-endian integer.
func WriteLong(w io.Writer, i uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], i)
	_, err := w.Write(b[:])
	return err
}

// Size returns the encoded length of f in bytes.
func Size(f Frame) int {
	h := f.header()
	n := 2 + 8 + len(h.name) + len(h.queue)
	if h.kind.hasData() {
		n += 4 + len(h.data)
	}
	return n
}
