package frame

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

var randReader io.Reader = rand.Reader

// Header layout constants per RFC 6455, section 5.2.
const (
	// MaxHeaderSize is 2 bytes base + 8 bytes extended length + 4 bytes mask.
	MaxHeaderSize = 14

	// MaxControlPayload is the largest payload a control frame may carry
	// (RFC 6455, section 5.5).
	MaxControlPayload = 125

	finalBit = 1 << 7
	rsvMask  = 0x70
	maskBit  = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127
)

// Reserved bits as stored in Frame.Rsv.
const (
	Rsv1 byte = 1 << 2
	Rsv2 byte = 1 << 1
	Rsv3 byte = 1 << 0
)

// Frame is one decoded or to-be-encoded unit of the wire protocol.
type Frame struct {
	Opcode        Opcode
	Fin           bool
	Rsv           byte // RSV1..RSV3 as the three low bits
	Masked        bool
	PayloadLength uint64
	MaskKey       [4]byte

	// Payload holds unmasked application data.
	Payload []byte
}

// HeaderSize returns the encoded header size for a payload of n bytes.
func HeaderSize(n int, masked bool) int {
	size := 2
	switch {
	case n > 0xffff:
		size += 8
	case n > MaxControlPayload:
		size += 2
	}
	if masked {
		size += 4
	}
	return size
}

// Encode returns the wire representation of a single frame. When mask is
// set a fresh random key is generated and the payload copy is masked with
// it; payload itself is never modified.
func Encode(payload []byte, op Opcode, fin bool, rsv byte, mask bool) []byte {
	var key [4]byte
	if mask {
		_, _ = io.ReadFull(randReader, key[:])
	}
	return appendFrame(make([]byte, 0, HeaderSize(len(payload), mask)+len(payload)), payload, op, fin, rsv, mask, key)
}

// EncodeFrame encodes f using its own mask key.
func EncodeFrame(f Frame) []byte {
	return appendFrame(make([]byte, 0, HeaderSize(len(f.Payload), f.Masked)+len(f.Payload)), f.Payload, f.Opcode, f.Fin, f.Rsv, f.Masked, f.MaskKey)
}

func appendFrame(dst, payload []byte, op Opcode, fin bool, rsv byte, masked bool, key [4]byte) []byte {
	b0 := byte(op)&opcodeMask | (rsv<<4)&rsvMask
	if fin {
		b0 |= finalBit
	}

	var b1 byte
	if masked {
		b1 = maskBit
	}

	n := len(payload)
	switch {
	case n <= MaxControlPayload:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xffff:
		dst = append(dst, b0, b1|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if !masked {
		return append(dst, payload...)
	}

	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	Mask(key, 0, dst[start:])
	return dst
}
