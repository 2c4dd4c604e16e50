package ipc

import (
	"bytes"
	"fmt"

	"github.com/lithdew/bytesutil"

	"github.com/piwi3910/nebularpc/internal/transport"
)

// Wire constants.
const (
	// FrameHeaderLen is the size of the big-endian length prefix.
	FrameHeaderLen = 4

	// ProtocolVersion is the version byte carried in the preamble.
	ProtocolVersion byte = 0

	// AuthSimple is the only supported auth method.
	AuthSimple byte = 0
)

// Preamble opens every stream connection: "NRPC", version, auth method.
var Preamble = []byte{'N', 'R', 'P', 'C', ProtocolVersion, AuthSimple}

// AppendFrame appends payload to dst with its length prefix.
func AppendFrame(dst, payload []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(payload))) //nolint:gosec // G115: bounded by max request size
	return append(dst, payload...)
}

// SplitFrames decodes a buffer holding only whole frames. A trailing
// partial frame is a protocol violation.
func SplitFrames(b []byte, maxFrame int) ([][]byte, error) {
	d := newFrameDecoder(maxFrame, false)

	var frames [][]byte
	err := d.feed(b, func(frame []byte) error {
		frames = append(frames, frame)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if d.partial() {
		return nil, fmt.Errorf("%w: trailing partial frame", transport.ErrProtocolViolation)
	}

	return frames, nil
}

// frameDecoder turns a byte stream into frames. Input may arrive in any
// chunking: a chunk can end mid-preamble, mid-header or mid-payload, and
// can hold several frames. State carries over between feed calls.
type frameDecoder struct {
	payload      []byte
	maxFrame     int
	preN         int
	hdrN         int
	payloadN     int
	pre          [6]byte
	hdr          [FrameHeaderLen]byte
	needPreamble bool
	inPayload    bool
}

func newFrameDecoder(maxFrame int, preamble bool) *frameDecoder {
	return &frameDecoder{
		maxFrame:     maxFrame,
		needPreamble: preamble,
	}
}

// feed consumes chunk and calls emit once per completed frame, in order.
// Each emitted frame is a fresh slice the caller may keep. An error from
// emit stops decoding and is returned.
func (d *frameDecoder) feed(chunk []byte, emit func(frame []byte) error) error {
	for len(chunk) > 0 {
		if d.needPreamble {
			n := copy(d.pre[d.preN:], chunk)
			d.preN += n
			chunk = chunk[n:]

			if d.preN < len(d.pre) {
				return nil
			}

			if !bytes.Equal(d.pre[:], Preamble) {
				return fmt.Errorf("%w: bad connection preamble %q", transport.ErrProtocolViolation, d.pre[:])
			}
			d.needPreamble = false

			continue
		}

		if !d.inPayload {
			n := copy(d.hdr[d.hdrN:], chunk)
			d.hdrN += n
			chunk = chunk[n:]

			if d.hdrN < FrameHeaderLen {
				return nil
			}
			d.hdrN = 0

			size := bytesutil.Uint32BE(d.hdr[:])
			if uint64(size) > uint64(d.maxFrame) {
				return fmt.Errorf("%w: frame of %d bytes exceeds max request size %d",
					transport.ErrProtocolViolation, size, d.maxFrame)
			}

			d.payload = make([]byte, size)
			d.payloadN = 0
			d.inPayload = true
		}

		n := copy(d.payload[d.payloadN:], chunk)
		d.payloadN += n
		chunk = chunk[n:]

		if d.payloadN < len(d.payload) {
			return nil
		}

		frame := d.payload
		d.payload = nil
		d.inPayload = false

		if err := emit(frame); err != nil {
			return err
		}
	}

	return nil
}

// partial reports whether a frame or preamble is half read.
func (d *frameDecoder) partial() bool {
	return d.inPayload || d.hdrN > 0 || (d.needPreamble && d.preN > 0)
}
