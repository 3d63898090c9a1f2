package websocket

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/tzrikka/strand/pkg/buffer"
	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
)

// Conn is a WebSocket connection over an established (already
// upgraded) byte stream. It owns the stream exclusively.
//
// A Conn is not safe for concurrent use as-is; use [Conn.Split] to
// obtain a [Sender] and [Receiver] that may be driven from two
// independent goroutines.
type Conn struct {
	sender   *Sender
	receiver *Receiver
}

// New wraps an upgraded byte stream in a connection. The side must
// match the role negotiated during the handshake, since it determines
// the masking policy in both directions. Loggers are taken from ctx
// (zerolog.Ctx) and tagged with a fresh connection id.
//
// Consumers that performed the handshake through the handshake package
// get a fully configured Conn from there and never call New directly.
func New(ctx context.Context, rw io.ReadWriter, side frame.Side, opts ...Option) *Conn {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	log := zerolog.Ctx(ctx).With().
		Str("conn_id", shortuuid.New()).
		Str("side", side.String()).
		Logger()

	cs := &closeState{}
	wh := &writeHalf{
		dst:       rw,
		threshold: cfg.threshold,
		side:      side,
		maskSrc:   cfg.maskSrc,
		log:       log,
	}
	if c, ok := rw.(io.Closer); ok {
		wh.closer = c
	}

	dec := frame.NewDecoder(side)
	dec.SetMaxFrameSize(cfg.maxFrame)
	if r1, r2, r3, err := extension.ClaimBits(cfg.exts); err != nil {
		log.Warn().Err(err).Msg("conflicting extension bit reservations")
	} else {
		dec.SetReservedBits(r1, r2, r3)
	}

	return &Conn{
		sender: &Sender{
			wh:   wh,
			cs:   cs,
			exts: cfg.exts,
			log:  log,
		},
		receiver: &Receiver{
			src:        rw,
			buf:        buffer.New(cfg.leftover),
			dec:        dec,
			exts:       cfg.exts,
			wh:         wh,
			cs:         cs,
			maxMessage: cfg.maxMessage,
			log:        log,
		},
	}
}

// Split partitions the connection into its write and read halves.
// The Sender owns the write buffer and the extension encode pipeline;
// the Receiver owns the read buffer, the decode pipeline, and fragment
// assembly. They share only the close cell and the guarded write path.
func (c *Conn) Split() (*Sender, *Receiver) {
	return c.sender, c.receiver
}

// Receive blocks until the next application message arrives.
// See [Receiver.Receive].
func (c *Conn) Receive() (Message, error) {
	return c.receiver.Receive()
}

// SendText sends a UTF-8 text message. See [Sender.SendText].
func (c *Conn) SendText(s string) error {
	return c.sender.SendText(s)
}

// SendBinary sends a binary message. See [Sender.SendBinary].
func (c *Conn) SendBinary(p []byte) error {
	return c.sender.SendBinary(p)
}

// SendPing sends a ping control frame. See [Sender.SendPing].
func (c *Conn) SendPing(p []byte) error {
	return c.sender.SendPing(p)
}

// SendPong sends an unsolicited pong control frame. See [Sender.SendPong].
func (c *Conn) SendPong(p []byte) error {
	return c.sender.SendPong(p)
}

// Flush forces out any buffered frames. See [Sender.Flush].
func (c *Conn) Flush() error {
	return c.sender.Flush()
}

// Close initiates the closing handshake with status 1000.
// See [Sender.Close].
func (c *Conn) Close() error {
	return c.sender.Close()
}

// closeState is the only datum shared between the two halves of a
// split connection. Each flag is written at most once, by one half.
type closeState struct {
	sent     atomic.Bool
	received atomic.Bool
}

// terminal reports whether both sides have sent their close frames.
func (cs *closeState) terminal() bool {
	return cs.sent.Load() && cs.received.Load()
}

// writeHalf serializes all frame writes to the underlying stream. The
// Sender submits data and control frames; the Receiver submits PONG and
// close replies, which is why the path is mutex-guarded even though
// data sending is single-writer by construction.
type writeHalf struct {
	mu        sync.Mutex
	dst       io.Writer
	closer    io.Closer // nil when the stream has no Close.
	buf       buffer.Buffer
	threshold int
	side      frame.Side
	maskSrc   io.Reader
	log       zerolog.Logger
}

// writeFrame encodes f into the write buffer, masking it first when
// this is the client side. The buffer is flushed when asked to, and
// whenever the buffered bytes exceed the backpressure threshold.
func (wh *writeHalf) writeFrame(f *frame.Frame, flush bool) error {
	wh.mu.Lock()
	defer wh.mu.Unlock()

	if wh.side == frame.SideClient {
		var key [4]byte
		if _, err := io.ReadFull(wh.maskSrc, key[:]); err != nil {
			return err
		}
		f.Header.Masked = true
		f.Header.Mask = uint32(key[0])<<24 | uint32(key[1])<<16 | uint32(key[2])<<8 | uint32(key[3])
	}

	wh.log.Trace().Bool("fin", f.Header.Fin).Str("opcode", f.Header.Opcode.String()).
		Int("length", len(f.Payload)).Msg("writing WebSocket frame")

	frame.Encode(f, &wh.buf)

	if flush || wh.buf.Len() > wh.threshold {
		return wh.flushLocked()
	}
	return nil
}

func (wh *writeHalf) flush() error {
	wh.mu.Lock()
	defer wh.mu.Unlock()
	return wh.flushLocked()
}

func (wh *writeHalf) flushLocked() error {
	for wh.buf.Len() > 0 {
		n, err := wh.dst.Write(wh.buf.Bytes())
		wh.buf.Discard(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// close tears down the underlying transport, if it can be closed.
func (wh *writeHalf) close() {
	if wh.closer != nil {
		_ = wh.closer.Close()
	}
}

// sendClose emits this side's close frame exactly once, no matter how
// many times or from which half it is called. When the peer's close
// was already received, the closing handshake is now complete and the
// transport is torn down.
func (cs *closeState) sendClose(wh *writeHalf, status StatusCode, reason string) error {
	if !cs.sent.CompareAndSwap(false, true) {
		return nil
	}

	wh.log.Debug().Str("close_status", status.String()).Str("close_reason", reason).
		Msg("sending WebSocket close control frame")

	f := frame.NewFrame(frame.OpcodeClose, closePayload(status, reason))
	err := wh.writeFrame(f, true)

	if cs.received.Load() {
		wh.close()
	}
	return err
}

var randReader io.Reader = rand.Reader
