package frame

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/eapache/queue"
)

// ParseState is the field the decoder waits for next.
type ParseState int

// Decoder parse states.
const (
	ParseHeader ParseState = iota
	ParseExtendedLength16
	ParseExtendedLength64
	ParseMaskKey
	ParseData
)

func (s ParseState) String() string {
	switch s {
	case ParseHeader:
		return "header"
	case ParseExtendedLength16:
		return "extended-length-16"
	case ParseExtendedLength64:
		return "extended-length-64"
	case ParseMaskKey:
		return "mask-key"
	case ParseData:
		return "data"
	default:
		return "unknown"
	}
}

// Masking selects how the decoder treats the MASK bit. Per RFC 6455,
// section 5.1, a server must reject unmasked frames and a client must
// reject masked ones.
type Masking int

// Masking policies.
const (
	MaskAny Masking = iota
	MaskRequired
	MaskForbidden
)

// maxLengthHigh is the largest high word of a 64-bit payload length that
// keeps the length below 2^53.
const maxLengthHigh = 1<<(53-32) - 1

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// MaxMessageSize limits the accumulated payload of one message,
	// counted over all of its fragments. Zero means unlimited.
	MaxMessageSize int64

	// Masking is the MASK bit policy.
	Masking Masking

	// ReservedBits lists the RSV bits (Rsv1|Rsv2|Rsv3) that a negotiated
	// extension gives meaning to. Data frames using any other RSV bit are
	// rejected. Control frames never accept RSV bits.
	ReservedBits byte
}

// headerBits are the fields of the first two header bytes that stay valid
// for the rest of the frame.
type headerBits struct {
	opcode Opcode
	fin    bool
	rsv    byte
	masked bool
}

// step is the decoder position. Each implementation carries only what is
// known at that point of the frame.
type step interface {
	state() ParseState
}

type headerStep struct{}

type length16Step struct {
	bits headerBits
}

type length64Step struct {
	bits headerBits
}

type maskKeyStep struct {
	bits   headerBits
	length uint64
}

type dataStep struct {
	bits   headerBits
	length uint64
	key    [4]byte
}

func (headerStep) state() ParseState   { return ParseHeader }
func (length16Step) state() ParseState { return ParseExtendedLength16 }
func (length64Step) state() ParseState { return ParseExtendedLength64 }
func (maskKeyStep) state() ParseState  { return ParseMaskKey }
func (dataStep) state() ParseState     { return ParseData }

// Decoder is an incremental frame decoder. Input chunks are queued as they
// arrive and consumed through a cursor, so a field that lies inside one
// chunk is returned without copying.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	opts DecoderOptions

	chunks   *queue.Queue
	offset   int // cursor into the head chunk
	buffered int // unconsumed bytes across all chunks

	step step

	inMessage     bool
	messageLength uint64

	err error
}

// NewDecoder returns a decoder positioned at a frame boundary.
func NewDecoder(opts DecoderOptions) *Decoder {
	return &Decoder{
		opts:   opts,
		chunks: queue.New(),
		step:   headerStep{},
	}
}

// SetReservedBits changes the RSV bits accepted on data frames.
func (d *Decoder) SetReservedBits(bits byte) {
	d.opts.ReservedBits = bits & (Rsv1 | Rsv2 | Rsv3)
}

// State returns the field the decoder waits for.
func (d *Decoder) State() ParseState {
	return d.step.state()
}

// Buffered returns the number of queued bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return d.buffered
}

// InMessage reports whether a fragmented message is in progress.
func (d *Decoder) InMessage() bool {
	return d.inMessage
}

// Err returns the error that failed the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Write queues chunk for decoding. The decoder takes ownership of chunk:
// masked payloads are unmasked in place and returned frames may alias it.
func (d *Decoder) Write(chunk []byte) {
	if d.err != nil || len(chunk) == 0 {
		return
	}
	d.chunks.Add(chunk)
	d.buffered += len(chunk)
}

// Feed queues chunk and returns every frame that became complete. When a
// protocol violation is found, the frames decoded before it are returned
// together with the error.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.Write(chunk)

	var frames []Frame
	for {
		f, err := d.Next()
		if errors.Is(err, ErrNeedMoreData) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

// Next decodes the next frame from the queued input. It returns
// ErrNeedMoreData, without consuming a partial field, when the input is
// exhausted. Any other error is a *ProtocolError and is sticky.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}

	for {
		switch st := d.step.(type) {
		case headerStep:
			if d.buffered < 2 {
				return Frame{}, ErrNeedMoreData
			}
			b := d.consume(2)
			if err := d.parseHeader(b[0], b[1]); err != nil {
				return Frame{}, d.fail(err)
			}

		case length16Step:
			if d.buffered < 2 {
				return Frame{}, ErrNeedMoreData
			}
			n := binary.BigEndian.Uint16(d.consume(2))
			if err := d.setLength(st.bits, uint64(n)); err != nil {
				return Frame{}, d.fail(err)
			}

		case length64Step:
			if d.buffered < 8 {
				return Frame{}, ErrNeedMoreData
			}
			b := d.consume(8)
			high := binary.BigEndian.Uint32(b[:4])
			low := binary.BigEndian.Uint32(b[4:])
			if high > maxLengthHigh {
				return Frame{}, d.fail(tooBigError(ErrLengthUnrepresentable))
			}
			if err := d.setLength(st.bits, uint64(high)<<32|uint64(low)); err != nil {
				return Frame{}, d.fail(err)
			}

		case maskKeyStep:
			if d.buffered < 4 {
				return Frame{}, ErrNeedMoreData
			}
			var key [4]byte
			copy(key[:], d.consume(4))
			d.step = dataStep{bits: st.bits, length: st.length, key: key}

		case dataStep:
			if uint64(d.buffered) < st.length {
				return Frame{}, ErrNeedMoreData
			}
			payload := d.consume(int(st.length))
			if st.bits.masked {
				Mask(st.key, 0, payload)
			}
			d.step = headerStep{}
			d.complete(st.bits)

			return Frame{
				Opcode:        st.bits.opcode,
				Fin:           st.bits.fin,
				Rsv:           st.bits.rsv,
				Masked:        st.bits.masked,
				PayloadLength: st.length,
				MaskKey:       st.key,
				Payload:       payload,
			}, nil
		}
	}
}

// Reset drops all queued input and fragmentation state, and clears a
// previous failure.
func (d *Decoder) Reset() {
	d.chunks = queue.New()
	d.offset = 0
	d.buffered = 0
	d.step = headerStep{}
	d.inMessage = false
	d.messageLength = 0
	d.err = nil
}

func (d *Decoder) fail(err error) error {
	d.Reset()
	d.err = err
	return err
}

func (d *Decoder) parseHeader(b0, b1 byte) error {
	bits := headerBits{
		opcode: Opcode(b0 & opcodeMask),
		fin:    b0&finalBit != 0,
		rsv:    (b0 & rsvMask) >> 4,
		masked: b1&maskBit != 0,
	}
	length := b1 & payloadLenMask

	switch {
	case !bits.opcode.Valid():
		return protocolError(ErrInvalidOpcode)
	case bits.opcode.IsControl():
		if bits.rsv != 0 {
			return protocolError(ErrReservedBits)
		}
		if !bits.fin {
			return protocolError(ErrFragmentedControlFrame)
		}
		if length > MaxControlPayload {
			return protocolError(ErrControlFrameTooLong)
		}
		if bits.opcode == OpClose && length == 1 {
			return protocolError(ErrInvalidClosePayload)
		}
	case bits.opcode == OpContinuation:
		if !d.inMessage {
			return protocolError(ErrUnexpectedContinuation)
		}
	default:
		if d.inMessage {
			return protocolError(ErrExpectedContinuation)
		}
	}

	if bits.rsv&^d.opts.ReservedBits != 0 {
		return protocolError(ErrReservedBits)
	}

	switch {
	case d.opts.Masking == MaskRequired && !bits.masked:
		return protocolError(ErrMaskRequired)
	case d.opts.Masking == MaskForbidden && bits.masked:
		return protocolError(ErrUnexpectedMask)
	}

	switch length {
	case payloadLen16:
		d.step = length16Step{bits: bits}
		return nil
	case payloadLen64:
		d.step = length64Step{bits: bits}
		return nil
	default:
		return d.setLength(bits, uint64(length))
	}
}

func (d *Decoder) setLength(bits headerBits, length uint64) error {
	if length > math.MaxInt {
		return tooBigError(ErrLengthUnrepresentable)
	}

	if bits.opcode.IsData() {
		d.messageLength += length
		if d.opts.MaxMessageSize > 0 && d.messageLength > uint64(d.opts.MaxMessageSize) {
			return tooBigError(ErrMessageTooBig)
		}
	}

	if bits.masked {
		d.step = maskKeyStep{bits: bits, length: length}
	} else {
		d.step = dataStep{bits: bits, length: length}
	}
	return nil
}

func (d *Decoder) complete(bits headerBits) {
	if !bits.opcode.IsData() {
		return
	}
	if bits.fin {
		d.inMessage = false
		d.messageLength = 0
		return
	}
	d.inMessage = true
}

// consume removes n bytes from the queue. The caller has checked that n
// bytes are buffered. Bytes inside the head chunk are returned as a
// sub-slice; bytes spanning chunks are copied once into a new slice.
func (d *Decoder) consume(n int) []byte {
	if n == 0 {
		return []byte{}
	}

	head := d.chunks.Peek().([]byte)
	if len(head)-d.offset >= n {
		b := head[d.offset : d.offset+n : d.offset+n]
		d.advance(head, n)
		return b
	}

	dst := make([]byte, n)
	copied := 0
	for copied < n {
		head = d.chunks.Peek().([]byte)
		k := copy(dst[copied:], head[d.offset:])
		copied += k
		d.advance(head, k)
	}
	return dst
}

func (d *Decoder) advance(head []byte, n int) {
	d.offset += n
	d.buffered -= n
	if d.offset == len(head) {
		d.chunks.Remove()
		d.offset = 0
	}
}
