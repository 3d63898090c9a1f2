package websocket

import (
	"github.com/rs/zerolog"

	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
)

// Sender is the write half of a connection: it owns the write buffer
// and the extension encode pipeline. Data sends are single-writer;
// two goroutines must not call send methods concurrently.
type Sender struct {
	wh   *writeHalf
	cs   *closeState
	exts []extension.Extension
	log  zerolog.Logger

	// Set while a MessageWriter is open; data frames of other messages
	// must not interleave with an unfinished fragmented message.
	streaming bool
}

// SendText sends s as a single text message (one frame, FIN set).
// The frame stays in the write buffer until the buffered bytes exceed
// the backpressure threshold or [Sender.Flush] is called.
func (s *Sender) SendText(text string) error {
	return s.sendData(frame.OpcodeText, []byte(text))
}

// SendBinary sends p as a single binary message (one frame, FIN set).
func (s *Sender) SendBinary(p []byte) error {
	return s.sendData(frame.OpcodeBinary, p)
}

func (s *Sender) sendData(op frame.OpCode, payload []byte) error {
	// No data frames once the closing handshake has begun, in either
	// direction.
	if s.cs.sent.Load() || s.cs.received.Load() {
		return ErrClosed
	}
	if s.streaming {
		return ErrStreaming
	}

	f := frame.NewFrame(op, payload)
	if err := extension.EncodeChain(s.exts, f); err != nil {
		return err
	}

	s.log.Debug().Str("opcode", op.String()).Int("length", len(payload)).
		Msg("sending WebSocket data message")
	return s.wh.writeFrame(f, false)
}

// SendPing sends a ping control frame with the given payload (at most
// 125 bytes). Control frames flush immediately; data frames buffered
// before them go out first, in the order they were sent.
func (s *Sender) SendPing(p []byte) error {
	return s.sendControl(frame.OpcodePing, p)
}

// SendPong sends an unsolicited pong control frame, which RFC 6455
// permits as a unidirectional heartbeat. Replies to received pings are
// handled by the [Receiver] without consumer involvement.
func (s *Sender) SendPong(p []byte) error {
	return s.sendControl(frame.OpcodePong, p)
}

func (s *Sender) sendControl(op frame.OpCode, payload []byte) error {
	// Ping/pong frames remain legal after sending a close frame, up
	// until the handshake completes.
	if s.cs.terminal() {
		return ErrClosed
	}
	if len(payload) > frame.MaxControlPayload {
		return ErrControlTooLong
	}
	return s.wh.writeFrame(frame.NewFrame(op, payload), true)
}

// Flush forces all buffered frames onto the underlying stream.
func (s *Sender) Flush() error {
	return s.wh.flush()
}

// Close initiates (or completes) the closing handshake with status
// 1000. After Close, data sends fail with [ErrClosed]; the consumer
// should keep receiving until the Receiver reports end of stream.
func (s *Sender) Close() error {
	return s.CloseWithStatus(StatusNormalClosure, "")
}

// CloseWithStatus is like [Sender.Close] with an explicit status code
// and reason. It is a no-op if a close frame was already sent by
// either half.
func (s *Sender) CloseWithStatus(status StatusCode, reason string) error {
	return s.cs.sendClose(s.wh, status, reason)
}

// TextWriter begins a fragmented text message and returns a writer for
// its pieces. Every Write emits one frame; Close emits the final
// (FIN) frame. Other data sends fail with [ErrStreaming] until the
// writer is closed; control frames may still be interleaved.
//
// Streamed messages bypass the extension encode pipeline and are sent
// uncompressed, which RFC 7692 permits at the sender's discretion.
func (s *Sender) TextWriter() *MessageWriter {
	s.streaming = true
	return &MessageWriter{s: s, op: frame.OpcodeText}
}

// BinaryWriter is like [Sender.TextWriter] for binary messages.
func (s *Sender) BinaryWriter() *MessageWriter {
	s.streaming = true
	return &MessageWriter{s: s, op: frame.OpcodeBinary}
}

// MessageWriter streams one fragmented message. It implements
// io.WriteCloser.
type MessageWriter struct {
	s      *Sender
	op     frame.OpCode // Opcode of the next frame: data, then continuation.
	closed bool
}

// Write sends p as one non-final fragment.
func (w *MessageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.s.cs.sent.Load() {
		return 0, ErrClosed
	}

	f := &frame.Frame{
		Header:  frame.Header{Opcode: w.op, PayloadLen: uint64(len(p))},
		Payload: p,
	}
	w.op = frame.OpcodeContinuation

	if err := w.s.wh.writeFrame(f, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close ends the message with an empty final continuation frame and
// flushes the write buffer.
func (w *MessageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.s.streaming = false

	if w.s.cs.sent.Load() {
		return ErrClosed
	}

	op := frame.OpcodeContinuation
	if w.op != frame.OpcodeContinuation {
		// Close before any Write: the message is a single empty frame.
		op = w.op
	}
	return w.s.wh.writeFrame(frame.NewFrame(op, nil), true)
}
