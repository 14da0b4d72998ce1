package receiver

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Opcode identifies the kind of a receiver frame.
type Opcode uint32

const (
	// OpHandshake opens a session. The client sends it first.
	OpHandshake Opcode = 0
	// OpFrame carries a command or its reply.
	OpFrame Opcode = 1
	// OpClose ends the session.
	OpClose Opcode = 2
	// OpPing asks the peer to echo the payload in an OpPong.
	OpPing Opcode = 3
	// OpPong answers an OpPing.
	OpPong Opcode = 4

	// frameHeaderSize is a 4-byte little-endian opcode followed by a 4-byte
	// little-endian payload length.
	frameHeaderSize = 8

	// MaxPayloadSize is the largest accepted payload (1 MiB).
	MaxPayloadSize = 1 << 20
)

// ErrPayloadTooLarge is returned for payloads above MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// ///////////////////////////////////////////////
// Frame Encoding
// ///////////////////////////////////////////////

// EncodeFrame builds [4-byte LE opcode][4-byte LE length][payload].
func EncodeFrame(opcode Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(opcode))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame, nil
}

// WriteJSON marshals v and writes it as a single frame.
func WriteJSON(w io.Writer, opcode Opcode, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	return WriteFrame(w, opcode, payload)
}

// WriteFrame encodes payload and writes it in one call.
func WriteFrame(w io.Writer, opcode Opcode, payload []byte) error {
	frame, err := EncodeFrame(opcode, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ///////////////////////////////////////////////
// Frame Decoding
// ///////////////////////////////////////////////

// DecodeFrame reads a single frame from reader, handling partial reads.
func DecodeFrame(reader io.Reader) (opcode Opcode, payload []byte, err error) {
	var header [frameHeaderSize]byte
	if _, err = io.ReadFull(reader, header[:]); err != nil {
		return 0, nil, fmt.Errorf("reading frame header: %w", err)
	}

	opcode = Opcode(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, length, MaxPayloadSize)
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(reader, payload); err != nil {
		return 0, nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return opcode, payload, nil
}
