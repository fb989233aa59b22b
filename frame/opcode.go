package frame

import "strconv"

// Opcode identifies the purpose of a frame per RFC 6455, section 5.2.
type Opcode byte

// Opcodes defined in RFC 6455, section 11.8.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is a control opcode (close, ping or pong).
func (o Opcode) IsControl() bool {
	return o&0x8 != 0
}

// IsData reports whether o carries message data, including continuation.
func (o Opcode) IsData() bool {
	return o == OpContinuation || o == OpText || o == OpBinary
}

// Valid reports whether o is one of the opcodes defined by RFC 6455.
func (o Opcode) Valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(o)) + ")"
	}
}
