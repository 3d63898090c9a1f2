package frame

// Side identifies which endpoint of a connection a codec serves. It
// determines the masking policy: all frames sent from client to server
// have the mask bit set, and a server must never mask its frames.
type Side int

const (
	SideClient Side = iota
	SideServer
)

// String returns "client" or "server".
func (s Side) String() string {
	if s == SideServer {
		return "server"
	}
	return "client"
}

// Header is the parsed form of a frame header, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2,
// excluding the payload data.
type Header struct {
	// Bit 0: Indicates that this is the final fragment in a message.
	// The first fragment MAY also be the final fragment.
	Fin bool
	// Bits 1-3: Reserved for extensions. Receiving a set bit that no
	// negotiated extension has claimed is a protocol error.
	Rsv1, Rsv2, Rsv3 bool
	// Bits 4-7: Defines the interpretation of the payload data.
	Opcode OpCode
	// Bit 8: Defines whether the payload is masked. If set, a 4-byte
	// masking key follows the length on the wire.
	Masked bool
	// The masking key, big-endian. Meaningful only when Masked is set.
	Mask uint32
	// The payload length in bytes. On the wire this occupies 7 bits,
	// or 7+16 bits, or 7+64 bits, whichever form is smallest.
	PayloadLen uint64
}

// Frame is a single unit on the wire: a header plus its payload. Decoded
// frames always carry the payload unmasked, with Header.Masked cleared.
type Frame struct {
	Header  Header
	Payload []byte
}

// NewFrame returns a final (FIN set) frame with the given opcode and payload.
func NewFrame(op OpCode, payload []byte) *Frame {
	return &Frame{
		Header:  Header{Fin: true, Opcode: op, PayloadLen: uint64(len(payload))},
		Payload: payload,
	}
}

// maskBytes XORs p in place with the 4-byte form of key, starting at
// payload offset off, per https://datatracker.ietf.org/doc/html/rfc6455#section-5.3.
// It is its own inverse.
func maskBytes(p []byte, key uint32, off int) {
	var k [4]byte
	k[0] = byte(key >> 24)
	k[1] = byte(key >> 16)
	k[2] = byte(key >> 8)
	k[3] = byte(key)
	for i := range p {
		p[i] ^= k[(off+i)&3]
	}
}
