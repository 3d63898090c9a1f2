// Package deflate implements the permessage-deflate WebSocket extension
// defined in RFC 7692.
package deflate

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
)

// Name is the extension token used during negotiation.
const Name = "permessage-deflate"

// syncFlushTail is appended by the compressor at the end of every
// message and stripped before transmission, as described in
// https://datatracker.ietf.org/doc/html/rfc7692#section-7.2.1.
var syncFlushTail = []byte{0x00, 0x00, 0xff, 0xff}

// finalBlock is a terminating empty DEFLATE block. Re-appended together
// with the sync flush tail on the receiving side so the decompressor
// sees a complete stream instead of reporting an unexpected EOF
// (https://datatracker.ietf.org/doc/html/rfc7692#section-7.2.2).
var finalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// windowSize is the DEFLATE sliding window: the dictionary carried
// between messages when context takeover is in effect.
const windowSize = 32 << 10

// Deflate compresses outbound and decompresses inbound data messages,
// signalling compression via the RSV1 bit. It implements
// [extension.Extension].
//
// Parameters are treated as pass-through with RFC defaults: 15-bit
// window, context takeover enabled unless the peer asked otherwise.
type Deflate struct {
	side    frame.Side
	enabled bool
	params  []extension.Param

	// Whether each direction must discard its compression context
	// after every message.
	resetSend bool
	resetRecv bool

	// Compressor state, owned by the sending half of a connection.
	fw   *flate.Writer
	wbuf bytes.Buffer

	// Decompressor state, owned by the receiving half.
	fr   io.ReadCloser
	dict []byte
}

// New returns an unconfigured permessage-deflate extension for the
// given side of the connection. It stays disabled until [Deflate.Configure]
// accepts the peer's (or our own offered) parameters.
func New(side frame.Side) *Deflate {
	return &Deflate{side: side}
}

func (d *Deflate) Name() string {
	return Name
}

func (d *Deflate) Enabled() bool {
	return d.enabled
}

func (d *Deflate) Params() []extension.Param {
	return d.params
}

// Configure enables the extension based on a negotiated header clause.
// Unknown parameters fail the negotiation, per RFC 7692 section 7.
func (d *Deflate) Configure(params []extension.Param) error {
	for _, p := range params {
		switch p.Name {
		case "client_no_context_takeover":
			if d.side == frame.SideClient {
				d.resetSend = true
			} else {
				d.resetRecv = true
				d.params = append(d.params, p)
			}
		case "server_no_context_takeover":
			if d.side == frame.SideServer {
				d.resetSend = true
				d.params = append(d.params, p)
			} else {
				d.resetRecv = true
			}
		case "client_max_window_bits", "server_max_window_bits":
			// Window size hints are pass-through: the flate
			// implementation always uses the full 15-bit window,
			// which any smaller negotiated window decodes against.
		default:
			return fmt.Errorf("unknown parameter: %s", p)
		}
	}
	d.enabled = true
	return nil
}

// ReservedBits claims RSV1, per RFC 7692 section 6.
func (d *Deflate) ReservedBits() (rsv1, rsv2, rsv3 bool) {
	return true, false, false
}

// Decode inflates the payload of a data frame whose RSV1 bit is set,
// and clears the bit. Frames without RSV1 pass through untouched.
func (d *Deflate) Decode(f *frame.Frame) error {
	if !f.Header.Rsv1 || !f.Header.Opcode.IsData() {
		return nil
	}

	// Restore the stream framing the sender stripped.
	data := make([]byte, 0, len(f.Payload)+len(syncFlushTail)+len(finalBlock))
	data = append(data, f.Payload...)
	data = append(data, syncFlushTail...)
	data = append(data, finalBlock...)

	br := bytes.NewReader(data)
	if d.fr == nil {
		d.fr = flate.NewReaderDict(br, d.dict)
	} else if err := d.fr.(flate.Resetter).Reset(br, d.dict); err != nil {
		return err
	}

	out, err := io.ReadAll(d.fr)
	if err != nil {
		return fmt.Errorf("inflate: %w", err)
	}

	if !d.resetRecv {
		d.dict = window(d.dict, out)
	}

	f.Payload = out
	f.Header.PayloadLen = uint64(len(out))
	f.Header.Rsv1 = false
	return nil
}

// Encode deflates the payload of an outbound data frame with a sync
// flush, strips the flush tail, and sets RSV1.
func (d *Deflate) Encode(f *frame.Frame) error {
	if !f.Header.Opcode.IsData() {
		return nil
	}

	if d.fw == nil {
		fw, err := flate.NewWriter(&d.wbuf, flate.BestSpeed)
		if err != nil {
			return err
		}
		d.fw = fw
	} else if d.resetSend {
		d.fw.Reset(&d.wbuf)
	}

	d.wbuf.Reset()
	if _, err := d.fw.Write(f.Payload); err != nil {
		return fmt.Errorf("deflate: %w", err)
	}
	if err := d.fw.Flush(); err != nil {
		return fmt.Errorf("deflate flush: %w", err)
	}

	out := d.wbuf.Bytes()
	out = out[:len(out)-len(syncFlushTail)]
	f.Payload = append([]byte(nil), out...)
	f.Header.PayloadLen = uint64(len(f.Payload))
	f.Header.Rsv1 = true
	return nil
}

// window appends out to the sliding-window dictionary, keeping only the
// most recent windowSize bytes.
func window(dict, out []byte) []byte {
	dict = append(dict, out...)
	if len(dict) > windowSize {
		dict = dict[len(dict)-windowSize:]
	}
	return dict
}
