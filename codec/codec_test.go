// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/absmach/minimq/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame codec.Frame
	}{
		{"declare fanout", codec.Connect{Type: codec.Fanout, Name: "orders", Queue: "q1"}},
		{"declare direct no queue", codec.Connect{Type: codec.Direct, Name: "orders"}},
		{"register consumer", codec.Connect{Type: codec.NoExchange, Name: "worker-1", Queue: "q1"}},
		{"bind with key", codec.Bind{Type: codec.Direct, Exchange: "orders", Queue: "q1", Key: "east"}},
		{"send", codec.Send{Type: codec.Fanout, Exchange: "orders", RoutingKey: "", Payload: "hello"}},
		{"send empty payload", codec.Send{Type: codec.Direct, Exchange: "orders", RoutingKey: "east"}},
		{"send unicode", codec.Send{Exchange: "größe", RoutingKey: "键", Payload: "héllo wörld ✓"}},
		{"receive", codec.Receive{Type: codec.NoExchange, Consumer: "worker-1", Queue: "q1"}},
		{"deliver", codec.Deliver{Queue: "q1", Consumer: "worker-1", Payload: "ship"}},
		{"empty", codec.Empty{Queue: "q1", Consumer: "worker-1"}},
		{"ack", codec.Ack{Name: "orders", Queue: "q1"}},
		{"reject", codec.Reject{Name: "orders", Queue: "q1", Reason: "mode mismatch"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, codec.Encode(buf, tt.frame))

			got, err := codec.Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame, got)
			assert.Zero(t, buf.Len(), "decoder must consume exactly one frame")
		})
	}
}

func TestWireLayout(t *testing.T) {
	data, err := codec.Marshal(codec.Send{Type: codec.Fanout, Exchange: "ex", RoutingKey: "q", Payload: "hi"})
	require.NoError(t, err)

	expected := []byte{
		's', 'f',
		0, 0, 0, 2, 'e', 'x',
		0, 0, 0, 1, 'q',
		0, 0, 0, 2, 'h', 'i',
	}
	assert.Equal(t, expected, data)

	data, err = codec.Marshal(codec.Receive{Type: codec.NoExchange, Consumer: "c", Queue: "q"})
	require.NoError(t, err)
	assert.Equal(t, []byte{'r', '-', 0, 0, 0, 1, 'c', 0, 0, 0, 1, 'q'}, data)
}

func TestDecodeSequence(t *testing.T) {
	buf := new(bytes.Buffer)
	frames := []codec.Frame{
		codec.Connect{Type: codec.Direct, Name: "orders"},
		codec.Send{Exchange: "orders", RoutingKey: "east", Payload: "a"},
		codec.Send{Exchange: "orders", RoutingKey: "west", Payload: "b"},
	}
	for _, f := range frames {
		require.NoError(t, codec.Encode(buf, f))
	}

	for _, want := range frames {
		got, err := codec.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := codec.Decode(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncated(t *testing.T) {
	full, err := codec.Marshal(codec.Send{Exchange: "orders", RoutingKey: "east", Payload: "payload"})
	require.NoError(t, err)

	// Every proper prefix past the kind byte is a truncated frame.
	for n := 1; n < len(full); n++ {
		_, err := codec.Decode(bytes.NewReader(full[:n]))
		require.Error(t, err, "prefix length %d", n)
		assert.ErrorIs(t, err, codec.ErrTruncated, "prefix length %d", n)

		var perr *codec.Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, codec.Truncated, perr.Code)
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := codec.Decode(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{'c', 'f'})
	writeField(buf, []byte{0xff, 0xfe})
	writeField(buf, []byte("q1"))

	_, err := codec.Decode(buf)
	assert.ErrorIs(t, err, codec.ErrInvalidUTF8)
	assert.NotErrorIs(t, err, codec.ErrTruncated)
}

func TestEncodeInvalidUTF8(t *testing.T) {
	err := codec.Encode(io.Discard, codec.Send{Exchange: "orders", Payload: string([]byte{0xc3, 0x28})})
	assert.ErrorIs(t, err, codec.ErrInvalidUTF8)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := codec.Decode(bytes.NewReader([]byte{'z', 'f', 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, codec.ErrUnknownKind)
}

func TestDecodeFieldTooLarge(t *testing.T) {
	buf := new(bytes.Buffer)
	buf.Write([]byte{'s', 'f'})
	writeField(buf, []byte("orders"))
	writeField(buf, []byte(""))
	writeField(buf, bytes.Repeat([]byte("a"), 64))

	r := codec.NewReader(buf, 32)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, codec.ErrFieldTooLarge)
}

func TestReadKindThenBody(t *testing.T) {
	data, err := codec.Marshal(codec.Bind{Type: codec.Direct, Exchange: "orders", Queue: "q2", Key: "west"})
	require.NoError(t, err)

	r := codec.NewReader(bytes.NewReader(data), 0)
	kind, err := r.ReadKind()
	require.NoError(t, err)
	assert.Equal(t, codec.KindBind, kind)

	f, err := r.ReadBody(kind)
	require.NoError(t, err)
	assert.Equal(t, codec.Bind{Type: codec.Direct, Exchange: "orders", Queue: "q2", Key: "west"}, f)
}

func TestTransportErrorPassesThrough(t *testing.T) {
	boom := errors.New("deadline exceeded")
	r := io.MultiReader(bytes.NewReader([]byte{'r', '-'}), errReader{boom})

	_, err := codec.Decode(r)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, codec.ErrTruncated)
}

func TestConnectIsDeclaration(t *testing.T) {
	assert.True(t, codec.Connect{Type: codec.Fanout}.IsDeclaration())
	assert.True(t, codec.Connect{Type: codec.Direct}.IsDeclaration())
	assert.False(t, codec.Connect{Type: codec.NoExchange}.IsDeclaration())
	assert.False(t, codec.Connect{}.IsDeclaration())
}

func TestErrorString(t *testing.T) {
	err := codec.NewErr(codec.Truncated, "reading name", io.ErrUnexpectedEOF)
	assert.Equal(t, "codec: truncated: reading name: unexpected EOF", err.Error())
	assert.Equal(t, "codec: unknown message kind: kind byte 0x7a", codec.NewErr(codec.UnknownKind, "kind byte 0x7a", nil).Error())
}

func writeField(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestSize(t *testing.T) {
	frames := []codec.Frame{
		codec.Connect{Type: codec.Fanout, Name: "orders", Queue: "q1"},
		codec.Send{Exchange: "orders", RoutingKey: "east", Payload: "hello"},
		codec.Empty{Queue: "q1"},
	}
	for _, f := range frames {
		data, err := codec.Marshal(f)
		require.NoError(t, err)
		assert.Equal(t, len(data), codec.Size(f), "%T", f)
	}
}
