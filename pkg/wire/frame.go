package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single frame on a stream.
const DefaultMaxFrameSize = 10 << 20

var ErrFrameTooLarge = errors.New("wire: frame too large")

// WriteFrame writes buf prefixed by its varint length in a single Write so
// concurrent writers on a locked stream never interleave.
func WriteFrame(w io.Writer, buf []byte) error {
	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

// ReadFrame reads one length-prefixed frame, refusing frames above max
// bytes. A max of zero means DefaultMaxFrameSize.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}

	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(buf) {
			return nil, malformedf("frame length prefix overflow")
		}
		m, err := r.Read(buf[n : n+1])
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if m == 0 {
			continue
		}
		n++
		if buf[n-1] < 0x80 {
			break
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, malformed(err)
	}
	if prefix > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, prefix, max)
	}

	frame := make([]byte, prefix)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteEnvelope marshals env and writes it as one frame.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	return WriteFrame(w, env.Marshal())
}

// ReadEnvelope reads and decodes one framed envelope.
func ReadEnvelope(r io.Reader, max int) (*Envelope, error) {
	frame, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return Unmarshal(frame)
}
