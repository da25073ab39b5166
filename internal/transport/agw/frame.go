// Package agw owns the packet-radio link transport.
//
// Ownership boundary:
// - AGWPE application-protocol frame codec
// - the TCP client session against the packet engine
// - link-connection lifecycle into the session registry
package agw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// AGWPE frame kinds used by this client.
const (
	KindRegister   byte = 'X' // register station callsign (and its ack)
	KindConnect    byte = 'C' // connection established
	KindData       byte = 'D' // connected data
	KindDisconnect byte = 'd' // disconnect / disconnected
)

// HeaderLen is the fixed AGWPE header size.
const HeaderLen = 36

const callFieldLen = 10

var (
	ErrShortHeader     = errors.New("agw: short fixed header")
	ErrPayloadTooLarge = errors.New("agw: payload too large")
	ErrCallTooLong     = errors.New("agw: callsign exceeds field width")
)

// Frame is one AGWPE message. CallFrom/CallTo are NUL-padded 10-byte
// fields on the wire; decoded values are trimmed.
type Frame struct {
	Port     uint8
	Kind     byte
	PID      uint8
	CallFrom string
	CallTo   string
	Payload  []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 512 * 1024}
}

// ReadFrame decodes one frame from the engine stream.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	f := Frame{
		Port:     fixed[0],
		Kind:     fixed[4],
		PID:      fixed[6],
		CallFrom: decodeCall(fixed[8:18]),
		CallTo:   decodeCall(fixed[18:28]),
	}
	dataLen := binary.LittleEndian.Uint32(fixed[28:32])
	if dataLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, dataLen)
	}
	if dataLen > 0 {
		f.Payload = make([]byte, dataLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame encodes one frame to the engine stream.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint32(len(f.Payload)) > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	var fixed [HeaderLen]byte
	fixed[0] = f.Port
	fixed[4] = f.Kind
	fixed[6] = f.PID
	if err := encodeCall(fixed[8:18], f.CallFrom); err != nil {
		return err
	}
	if err := encodeCall(fixed[18:28], f.CallTo); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(fixed[28:32], uint32(len(f.Payload)))

	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func decodeCall(field []byte) string {
	return string(bytes.TrimRight(field, "\x00"))
}

func encodeCall(field []byte, call string) error {
	if len(call) >= callFieldLen {
		return fmt.Errorf("%w: %q", ErrCallTooLong, call)
	}
	copy(field, call)
	return nil
}
