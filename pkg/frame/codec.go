package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tzrikka/strand/pkg/buffer"
)

// Frame parsing/construction constants, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
const (
	bit0     = 0x80
	bits1to7 = 0x7f
	bits4to7 = 0x0f

	len7bits  = 125 // Payload length of up to 125 bytes.
	len16bits = 126 // Extended payload length of up to 64 KiB.
	len64bits = 127 // Extended payload length of up to 16 EiB.

	// MaxControlPayload is the maximum length of a control frame payload,
	// as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.
	MaxControlPayload = 125
)

// Protocol errors reported by [Decoder.Decode]. All of them are fatal:
// per https://datatracker.ietf.org/doc/html/rfc6455#section-5.2 the
// receiving endpoint must fail the connection.
var (
	ErrReservedOpcode      = errors.New("reserved opcode")
	ErrFragmentedControl   = errors.New("fragmented control frame")
	ErrControlTooLong      = errors.New("control frame payload longer than 125 bytes")
	ErrReservedBit         = errors.New("reserved bit set without negotiated extension")
	ErrUnmaskedClientFrame = errors.New("client frame without mask bit")
	ErrMaskedServerFrame   = errors.New("server frame with mask bit")
	ErrLengthHighBit       = errors.New("most significant bit of 64-bit payload length is set")
	ErrFrameTooLarge       = errors.New("frame payload exceeds configured maximum")
)

type decodeState int

const (
	stateStart decodeState = iota
	stateExtLen
	stateMask
	stateBody
)

// Decoder decodes base frames incrementally out of a [buffer.Buffer].
// It keeps the partially-parsed header between calls, so feeding it a
// frame byte by byte works.
//
// A Decoder serves one direction of one connection and is not safe for
// concurrent use.
type Decoder struct {
	side     Side
	reserved [3]bool
	maxSize  uint64

	state   decodeState
	header  Header
	lenForm byte // Raw 7-bit length field, kept between calls.
}

// NewDecoder returns a decoder for the receiving end of the given side:
// a server-side decoder requires masked frames, a client-side decoder
// rejects them.
func NewDecoder(side Side) *Decoder {
	return &Decoder{side: side}
}

// SetReservedBits declares which RSV bits have been claimed by
// negotiated extensions. Unclaimed bits arriving set fail decoding.
func (d *Decoder) SetReservedBits(rsv1, rsv2, rsv3 bool) {
	d.reserved = [3]bool{rsv1, rsv2, rsv3}
}

// SetMaxFrameSize caps the advertised payload length of a single frame.
// Zero means unbounded.
func (d *Decoder) SetMaxFrameSize(n uint64) {
	d.maxSize = n
}

// Decode parses one frame out of buf. It returns (nil, nil) when buf
// does not yet hold enough bytes; callers append more data and call
// again. Bytes are consumed only once the part of the frame they belong
// to has been fully parsed, and parsing progress survives across calls.
//
// Returned frames are unmasked, with the header's mask bit cleared.
func (d *Decoder) Decode(buf *buffer.Buffer) (*Frame, error) {
	for {
		switch d.state {
		case stateStart:
			if buf.Len() < 2 {
				return nil, nil
			}
			b := buf.Split(2)
			if err := d.parseStart(b[0], b[1]); err != nil {
				return nil, err
			}

		case stateExtLen:
			n := 2
			if d.lenForm == len64bits {
				n = 8
			}
			if buf.Len() < n {
				return nil, nil
			}
			if err := d.parseExtLen(buf.Split(n)); err != nil {
				return nil, err
			}

		case stateMask:
			if buf.Len() < 4 {
				return nil, nil
			}
			d.header.Mask = binary.BigEndian.Uint32(buf.Split(4))
			d.state = stateBody

		case stateBody:
			if uint64(buf.Len()) < d.header.PayloadLen {
				return nil, nil
			}
			return d.takeBody(buf), nil
		}
	}
}

func (d *Decoder) parseStart(b0, b1 byte) error {
	h := Header{
		Fin:    b0&bit0 != 0,
		Rsv1:   b0&0x40 != 0,
		Rsv2:   b0&0x20 != 0,
		Rsv3:   b0&0x10 != 0,
		Opcode: OpCode(b0 & bits4to7),
		Masked: b1&bit0 != 0,
	}

	if h.Opcode.IsReserved() {
		return fmt.Errorf("%w: %d", ErrReservedOpcode, h.Opcode)
	}
	if rsv, claimed := [3]bool{h.Rsv1, h.Rsv2, h.Rsv3}, d.reserved; (rsv[0] && !claimed[0]) ||
		(rsv[1] && !claimed[1]) || (rsv[2] && !claimed[2]) {
		return ErrReservedBit
	}
	if d.side == SideServer && !h.Masked {
		return ErrUnmaskedClientFrame
	}
	if d.side == SideClient && h.Masked {
		return ErrMaskedServerFrame
	}

	d.lenForm = b1 & bits1to7
	if h.Opcode.IsControl() {
		if !h.Fin {
			return ErrFragmentedControl
		}
		if d.lenForm > MaxControlPayload {
			return ErrControlTooLong
		}
	}

	d.header = h
	switch d.lenForm {
	case len16bits, len64bits:
		d.state = stateExtLen
	default:
		d.header.PayloadLen = uint64(d.lenForm)
		return d.afterLength()
	}
	return nil
}

func (d *Decoder) parseExtLen(b []byte) error {
	if d.lenForm == len16bits {
		d.header.PayloadLen = uint64(binary.BigEndian.Uint16(b))
	} else {
		// "The most significant bit MUST be 0."
		if b[0]&bit0 != 0 {
			return ErrLengthHighBit
		}
		d.header.PayloadLen = binary.BigEndian.Uint64(b)
	}
	return d.afterLength()
}

func (d *Decoder) afterLength() error {
	if d.maxSize > 0 && d.header.PayloadLen > d.maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, d.header.PayloadLen, d.maxSize)
	}
	if d.header.Masked {
		d.state = stateMask
	} else {
		d.state = stateBody
	}
	return nil
}

func (d *Decoder) takeBody(buf *buffer.Buffer) *Frame {
	f := &Frame{Header: d.header}
	if n := int(d.header.PayloadLen); n > 0 {
		f.Payload = buf.Split(n)
	}
	if f.Header.Masked {
		maskBytes(f.Payload, f.Header.Mask, 0)
		f.Header.Masked = false
		f.Header.Mask = 0
	}
	d.state = stateStart
	d.header = Header{}
	return f
}

// Encode appends the wire form of f to buf. It never fails: every
// representable header serializes, and the minimal length form is
// chosen automatically from the payload size. If the header's mask bit
// is set, the payload bytes are XOR-masked as they are copied; the
// caller's slice is left untouched.
func Encode(f *Frame, buf *buffer.Buffer) {
	n := len(f.Payload)

	b0 := byte(f.Header.Opcode) & bits4to7
	if f.Header.Fin {
		b0 |= bit0
	}
	if f.Header.Rsv1 {
		b0 |= 0x40
	}
	if f.Header.Rsv2 {
		b0 |= 0x20
	}
	if f.Header.Rsv3 {
		b0 |= 0x10
	}

	var maskBit byte
	if f.Header.Masked {
		maskBit = bit0
	}

	switch {
	case n <= len7bits:
		buf.Write([]byte{b0, maskBit | byte(n)})
	case n <= 0xffff:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		buf.Write([]byte{b0, maskBit | len16bits, ext[0], ext[1]})
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		buf.Write(append([]byte{b0, maskBit | len64bits}, ext[:]...))
	}

	if f.Header.Masked {
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], f.Header.Mask)
		buf.Write(key[:])

		out := buf.Reserve(n)
		for i, c := range f.Payload {
			out[i] = c ^ key[i&3]
		}
		buf.Extend(n)
		return
	}

	buf.Write(f.Payload)
}
