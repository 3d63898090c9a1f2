package frame

import "strconv"

// OpCode denotes the type of a WebSocket frame, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2 and
// https://datatracker.ietf.org/doc/html/rfc6455#section-11.8.
type OpCode byte

const (
	OpcodeContinuation OpCode = 0
	OpcodeText         OpCode = 1
	OpcodeBinary       OpCode = 2
	// 3-7 are reserved for further non-control frames.
	OpcodeClose OpCode = 8
	OpcodePing  OpCode = 9
	OpcodePong  OpCode = 10
	// 11-15 are reserved for further control frames.
)

// IsControl reports whether o is one of the three control
// opcodes (close, ping, pong).
func (o OpCode) IsControl() bool {
	return o >= OpcodeClose && o <= OpcodePong
}

// IsData reports whether o denotes a text or binary data frame.
func (o OpCode) IsData() bool {
	return o == OpcodeText || o == OpcodeBinary
}

// IsReserved reports whether o falls in one of the RFC's reserved
// ranges (3-7, 11-15). Receiving such an opcode is a protocol error.
func (o OpCode) IsReserved() bool {
	return (o > OpcodeBinary && o < OpcodeClose) || o > OpcodePong
}

// String returns the opcode's name, or its number if it's unrecognized.
func (o OpCode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return strconv.Itoa(int(o))
	}
}
