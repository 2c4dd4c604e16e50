package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/nebularpc/internal/transport"
)

func collect(t *testing.T, d *frameDecoder, chunks ...[]byte) [][]byte {
	t.Helper()

	var frames [][]byte
	for _, c := range chunks {
		err := d.feed(c, func(f []byte) error {
			frames = append(frames, f)
			return nil
		})
		require.NoError(t, err)
	}

	return frames
}

func TestFrameDecoderCoalescedFrames(t *testing.T) {
	d := newFrameDecoder(1024, true)

	chunk := append([]byte{}, Preamble...)
	chunk = AppendFrame(chunk, []byte("first"))
	chunk = AppendFrame(chunk, []byte("second"))

	frames := collect(t, d, chunk)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte("first"), frames[0])
	assert.Equal(t, []byte("second"), frames[1])
	assert.False(t, d.partial())
}

func TestFrameDecoderPartialFrame(t *testing.T) {
	d := newFrameDecoder(1024, false)
	full := AppendFrame(nil, []byte("hello world"))

	frames := collect(t, d, full[:2])
	assert.Empty(t, frames, "half a header yields no call")
	assert.True(t, d.partial())

	frames = collect(t, d, full[2:7])
	assert.Empty(t, frames, "header plus part of the payload yields no call")
	assert.True(t, d.partial())

	frames = collect(t, d, full[7:])
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hello world"), frames[0])
	assert.False(t, d.partial())
}

func TestFrameDecoderByteAtATime(t *testing.T) {
	d := newFrameDecoder(1024, true)

	stream := append([]byte{}, Preamble...)
	stream = AppendFrame(stream, []byte("a"))
	stream = AppendFrame(stream, nil)
	stream = AppendFrame(stream, []byte("bcd"))

	var chunks [][]byte
	for i := range stream {
		chunks = append(chunks, stream[i:i+1])
	}

	frames := collect(t, d, chunks...)
	require.Len(t, frames, 3)
	assert.Equal(t, []byte("a"), frames[0])
	assert.Empty(t, frames[1])
	assert.Equal(t, []byte("bcd"), frames[2])
}

func TestFrameDecoderFramesDoNotAliasInput(t *testing.T) {
	d := newFrameDecoder(1024, false)
	chunk := AppendFrame(nil, []byte("keep"))

	frames := collect(t, d, chunk)
	require.Len(t, frames, 1)

	for i := range chunk {
		chunk[i] = 'x'
	}
	assert.Equal(t, []byte("keep"), frames[0])
}

func TestFrameDecoderRejectsBadPreamble(t *testing.T) {
	d := newFrameDecoder(1024, true)

	err := d.feed([]byte("HTTP/1"), func([]byte) error { return nil })
	assert.ErrorIs(t, err, transport.ErrProtocolViolation)
}

func TestFrameDecoderRejectsWrongVersion(t *testing.T) {
	d := newFrameDecoder(1024, true)

	err := d.feed([]byte{'N', 'R', 'P', 'C', 9, AuthSimple}, func([]byte) error { return nil })
	assert.ErrorIs(t, err, transport.ErrProtocolViolation)
}

func TestFrameDecoderRejectsOversizedFrame(t *testing.T) {
	d := newFrameDecoder(8, false)

	err := d.feed(AppendFrame(nil, make([]byte, 9)), func([]byte) error { return nil })
	assert.ErrorIs(t, err, transport.ErrProtocolViolation)
}

func TestFrameDecoderStopsOnEmitError(t *testing.T) {
	d := newFrameDecoder(1024, false)

	chunk := AppendFrame(nil, []byte("one"))
	chunk = AppendFrame(chunk, []byte("two"))

	calls := 0
	err := d.feed(chunk, func([]byte) error {
		calls++
		return transport.ErrResourceExhaustion
	})
	assert.ErrorIs(t, err, transport.ErrResourceExhaustion)
	assert.Equal(t, 1, calls)
}

func TestSplitFrames(t *testing.T) {
	buf := AppendFrame(nil, []byte("x"))
	buf = AppendFrame(buf, []byte("yz"))

	frames, err := SplitFrames(buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x"), []byte("yz")}, frames)

	_, err = SplitFrames(buf[:len(buf)-1], 1024)
	assert.ErrorIs(t, err, transport.ErrProtocolViolation)

	frames, err = SplitFrames(nil, 1024)
	require.NoError(t, err)
	assert.Empty(t, frames)
}
