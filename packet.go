package tftp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies a TFTP packet type (RFC 1350 §5).
type Opcode uint16

const (
	OpcodeRRQ   Opcode = 1
	OpcodeWRQ   Opcode = 2
	OpcodeDATA  Opcode = 3
	OpcodeACK   Opcode = 4
	OpcodeERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpcodeRRQ:
		return "RRQ"
	case OpcodeWRQ:
		return "WRQ"
	case OpcodeDATA:
		return "DATA"
	case OpcodeACK:
		return "ACK"
	case OpcodeERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("opcode(%d)", uint16(o))
	}
}

var (
	// ErrUnknownOpcode reports a datagram that is too short to carry an
	// opcode or whose opcode is not one of the five known values.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrMalformedPacket reports a known opcode whose body cannot be
	// decoded, such as a request missing a NUL terminator.
	ErrMalformedPacket = errors.New("malformed packet")
)

// Packet is the closed set of TFTP wire messages.
type Packet interface {
	Opcode() Opcode
}

// Request is an RRQ or WRQ. Filename and mode are carried on the wire as
// NUL-terminated byte strings; they are not validated or case-folded here.
type Request struct {
	Op       Opcode
	Filename string
	Mode     string
}

func (r *Request) Opcode() Opcode { return r.Op }

// Data carries one block of file contents. Block numbers start at 1; a
// payload shorter than BlockSize marks the end of the transfer.
type Data struct {
	Block   uint16
	Payload []byte
}

func (d *Data) Opcode() Opcode { return OpcodeDATA }

// Ack acknowledges receipt of one DATA block.
type Ack struct {
	Block uint16
}

func (a *Ack) Opcode() Opcode { return OpcodeACK }

// Error is a terminal protocol error notification.
type Error struct {
	Code    uint16
	Message string
}

func (e *Error) Opcode() Opcode { return OpcodeERROR }

// Decode parses a raw datagram into one of the five packet types. All
// multi-byte fields are big-endian.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: datagram of %d bytes", ErrUnknownOpcode, len(buf))
	}

	op := Opcode(binary.BigEndian.Uint16(buf[:2]))

	switch op {
	case OpcodeRRQ, OpcodeWRQ:
		filename, rest, err := readCString(buf[2:])
		if err != nil {
			return nil, fmt.Errorf("%s filename: %w", op, err)
		}
		mode, _, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("%s mode: %w", op, err)
		}
		return &Request{Op: op, Filename: filename, Mode: mode}, nil

	case OpcodeDATA:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated DATA packet", ErrMalformedPacket)
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(buf[2:4]),
			Payload: append([]byte(nil), buf[4:]...),
		}, nil

	case OpcodeACK:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated ACK packet", ErrMalformedPacket)
		}
		return &Ack{Block: binary.BigEndian.Uint16(buf[2:4])}, nil

	case OpcodeERROR:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated ERROR packet", ErrMalformedPacket)
		}
		message, _, err := readCString(buf[4:])
		if err != nil {
			return nil, fmt.Errorf("ERROR message: %w", err)
		}
		return &Error{Code: binary.BigEndian.Uint16(buf[2:4]), Message: message}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint16(op))
	}
}

// Encode renders a packet to its wire form.
func Encode(p Packet) []byte {
	switch p := p.(type) {
	case *Request:
		b := make([]byte, 0, 4+len(p.Filename)+len(p.Mode))
		b = binary.BigEndian.AppendUint16(b, uint16(p.Op))
		b = append(b, p.Filename...)
		b = append(b, 0)
		b = append(b, p.Mode...)
		b = append(b, 0)
		return b

	case *Data:
		b := make([]byte, 4+len(p.Payload))
		binary.BigEndian.PutUint16(b[0:2], uint16(OpcodeDATA))
		binary.BigEndian.PutUint16(b[2:4], p.Block)
		copy(b[4:], p.Payload)
		return b

	case *Ack:
		b := make([]byte, 4)
		binary.BigEndian.PutUint16(b[0:2], uint16(OpcodeACK))
		binary.BigEndian.PutUint16(b[2:4], p.Block)
		return b

	case *Error:
		// The message is always followed by a single trailing NUL.
		b := make([]byte, 0, 5+len(p.Message))
		b = binary.BigEndian.AppendUint16(b, uint16(OpcodeERROR))
		b = binary.BigEndian.AppendUint16(b, p.Code)
		b = append(b, p.Message...)
		b = append(b, 0)
		return b

	default:
		return nil
	}
}

// readCString splits a NUL-terminated byte string off the front of buf. The
// bytes are treated as opaque; no encoding validation is performed.
func readCString(buf []byte) (string, []byte, error) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedPacket)
	}
	return string(buf[:i]), buf[i+1:], nil
}
