package websocket

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/tzrikka/strand/internal/utf8x"
	"github.com/tzrikka/strand/pkg/buffer"
	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
)

// readBlockSize is how much we ask the underlying stream for when the
// read buffer holds no complete frame.
const readBlockSize = 8192

// Receiver is the read half of a connection: it owns the read buffer,
// the frame decoder, the extension decode pipeline, and fragment
// assembly. It replies to PING and Close frames on its own, through
// the shared write path.
//
// A Receiver is not safe for concurrent use.
type Receiver struct {
	src        io.Reader
	buf        *buffer.Buffer
	dec        *frame.Decoder
	exts       []extension.Extension
	wh         *writeHalf
	cs         *closeState
	maxMessage uint64
	log        zerolog.Logger

	// In-progress fragmented message. pendingOp is zero when no
	// message is being assembled.
	pendingOp   frame.OpCode
	pendingRsv1 bool
	pending     []byte
	utf8        utf8x.Validator

	// Close frame received from the peer, surfaced via CloseStatus.
	peerStatus StatusCode
	peerReason string
}

// Receive blocks until the next application message has been fully
// received. Control frames are handled internally and never surface:
// pings are answered, unsolicited pongs ignored, and a close frame
// completes the closing handshake and yields [io.EOF]. Protocol errors
// close the connection with the appropriate status code and are
// returned to the caller.
func (r *Receiver) Receive() (Message, error) {
	if r.cs.terminal() {
		return Message{}, io.EOF
	}

	for {
		f, err := r.nextFrame()
		if err != nil {
			return Message{}, r.fail(err)
		}

		r.log.Trace().Bool("fin", f.Header.Fin).Str("opcode", f.Header.Opcode.String()).
			Uint64("length", f.Header.PayloadLen).Msg("received WebSocket frame")

		switch op := f.Header.Opcode; {
		case op == frame.OpcodePing:
			// "An endpoint MUST be capable of handling control
			// frames in the middle of a fragmented message."
			if err := r.wh.writeFrame(frame.NewFrame(frame.OpcodePong, f.Payload), true); err != nil {
				return Message{}, err
			}

		case op == frame.OpcodePong:
			// Unsolicited pongs are permitted and ignored.

		case op == frame.OpcodeClose:
			return Message{}, r.handleClose(f.Payload)

		case r.pendingOp == 0:
			msg, done, err := r.firstFrame(f)
			if err != nil {
				return Message{}, r.fail(err)
			}
			if done {
				return msg, nil
			}

		default:
			msg, done, err := r.nextFragment(f)
			if err != nil {
				return Message{}, r.fail(err)
			}
			if done {
				return msg, nil
			}
		}
	}
}

// CloseStatus returns the status code and reason of the peer's close
// frame, once [Receiver.Receive] has returned io.EOF. The status is
// 1005 when the peer sent a bare close.
func (r *Receiver) CloseStatus() (StatusCode, string) {
	return r.peerStatus, r.peerReason
}

// nextFrame reads from the stream until the decoder produces a frame.
func (r *Receiver) nextFrame() (*frame.Frame, error) {
	for {
		f, err := r.dec.Decode(r.buf)
		if err != nil || f != nil {
			return f, err
		}

		chunk := r.buf.Reserve(readBlockSize)
		n, err := r.src.Read(chunk)
		r.buf.Extend(n)
		if n == 0 && err != nil {
			return nil, err
		}
	}
}

// firstFrame handles a data frame arriving outside a fragmented
// message: either a complete single-frame message, or the start of a
// fragmented one.
func (r *Receiver) firstFrame(f *frame.Frame) (Message, bool, error) {
	if !f.Header.Opcode.IsData() {
		// A continuation with nothing to continue.
		return Message{}, false, fmt.Errorf("%w: %s outside fragmented message", ErrUnexpectedOpcode, f.Header.Opcode)
	}
	if err := r.checkSize(len(f.Payload)); err != nil {
		return Message{}, false, err
	}

	if f.Header.Fin {
		msg, err := r.finalize(f)
		return msg, err == nil, err
	}

	r.pendingOp = f.Header.Opcode
	r.pendingRsv1 = f.Header.Rsv1
	r.pending = append(r.pending[:0], f.Payload...)
	r.utf8.Reset()

	// Compressed fragments can only be validated after inflation.
	if r.pendingOp == frame.OpcodeText && !r.pendingRsv1 {
		if _, err := r.utf8.Validate(f.Payload); err != nil {
			return Message{}, false, err
		}
	}
	return Message{}, false, nil
}

// nextFragment handles a frame arriving while a fragmented message is
// being assembled.
func (r *Receiver) nextFragment(f *frame.Frame) (Message, bool, error) {
	if f.Header.Opcode != frame.OpcodeContinuation {
		return Message{}, false, fmt.Errorf("%w: %s during fragmented message", ErrUnexpectedOpcode, f.Header.Opcode)
	}
	if err := r.checkSize(len(r.pending) + len(f.Payload)); err != nil {
		return Message{}, false, err
	}

	r.pending = append(r.pending, f.Payload...)
	if r.pendingOp == frame.OpcodeText && !r.pendingRsv1 {
		// Validate only the new suffix; earlier fragments are already done.
		if _, err := r.utf8.Validate(f.Payload); err != nil {
			return Message{}, false, err
		}
	}

	if !f.Header.Fin {
		return Message{}, false, nil
	}

	whole := &frame.Frame{
		Header: frame.Header{
			Fin:        true,
			Rsv1:       r.pendingRsv1,
			Opcode:     r.pendingOp,
			PayloadLen: uint64(len(r.pending)),
		},
		Payload: r.pending,
	}
	r.pendingOp = 0
	r.pending = nil

	msg, err := r.finalizeFragmented(whole)
	return msg, err == nil, err
}

// finalize runs a complete single-frame message through the extension
// decode chain and UTF-8 validation.
func (r *Receiver) finalize(f *frame.Frame) (Message, error) {
	if err := extension.DecodeChain(r.exts, f); err != nil {
		return Message{}, err
	}
	if err := r.checkSize(len(f.Payload)); err != nil {
		return Message{}, err
	}
	if f.Header.Opcode == frame.OpcodeText && !utf8x.Valid(f.Payload) {
		return Message{}, ErrInvalidUTF8
	}

	r.log.Debug().Str("opcode", f.Header.Opcode.String()).Int("length", len(f.Payload)).
		Msg("received WebSocket data message")
	return Message{Type: dataType(f.Header.Opcode), Data: f.Payload}, nil
}

// finalizeFragmented completes an assembled fragmented message. Plain
// text messages were already validated fragment by fragment and only
// need the trailing-codepoint check; transformed (e.g. compressed)
// messages are validated after decoding.
func (r *Receiver) finalizeFragmented(f *frame.Frame) (Message, error) {
	validated := f.Header.Opcode == frame.OpcodeText && !f.Header.Rsv1

	if err := extension.DecodeChain(r.exts, f); err != nil {
		return Message{}, err
	}
	if err := r.checkSize(len(f.Payload)); err != nil {
		return Message{}, err
	}

	if f.Header.Opcode == frame.OpcodeText {
		if validated {
			if err := r.utf8.Finish(); err != nil {
				return Message{}, err
			}
		} else if !utf8x.Valid(f.Payload) {
			return Message{}, ErrInvalidUTF8
		}
	}

	r.log.Debug().Str("opcode", f.Header.Opcode.String()).Int("length", len(f.Payload)).
		Msg("received WebSocket data message")
	return Message{Type: dataType(f.Header.Opcode), Data: f.Payload}, nil
}

func (r *Receiver) checkSize(n int) error {
	if r.maxMessage > 0 && uint64(n) > r.maxMessage {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooBig, n, r.maxMessage)
	}
	return nil
}

// handleClose completes the peer-initiated side of the closing
// handshake: parse the payload, reply (echoing the peer's code, or
// bare if none was received), and report end of stream.
func (r *Receiver) handleClose(payload []byte) error {
	r.cs.received.Store(true)

	status, reason, err := parseClosePayload(payload)
	r.peerStatus, r.peerReason = status, reason

	if err != nil {
		r.log.Warn().Err(err).Msg("received malformed WebSocket close control frame")
		_ = r.cs.sendClose(r.wh, status, "")
		r.wh.close()
		return err
	}

	r.log.Debug().Str("close_status", status.String()).Str("close_reason", reason).
		Msg("received WebSocket close control frame")

	echo := status
	if echo == StatusNotReceived {
		echo = 0 // Bare close frame in reply to a bare close frame.
	}
	if err := r.cs.sendClose(r.wh, echo, ""); err != nil {
		return err
	}
	r.wh.close()
	return io.EOF
}

// fail maps a receive-path failure to the closing status it mandates,
// attempts a clean close, and hands the original error to the caller.
// I/O errors skip the close frame: the transport is gone.
func (r *Receiver) fail(err error) error {
	if err == io.EOF && r.cs.terminal() {
		return io.EOF
	}

	var status StatusCode
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		status = 0
	case errors.Is(err, ErrInvalidUTF8), errors.Is(err, utf8x.ErrInvalid):
		status = StatusInvalidData
	case errors.Is(err, ErrMessageTooBig), errors.Is(err, frame.ErrFrameTooLarge):
		status = StatusMessageTooBig
	case errors.Is(err, ErrUnexpectedOpcode), errors.Is(err, frame.ErrReservedOpcode),
		errors.Is(err, frame.ErrFragmentedControl), errors.Is(err, frame.ErrControlTooLong),
		errors.Is(err, frame.ErrReservedBit), errors.Is(err, frame.ErrUnmaskedClientFrame),
		errors.Is(err, frame.ErrMaskedServerFrame), errors.Is(err, frame.ErrLengthHighBit):
		status = StatusProtocolError
	default:
		// I/O and extension failures: the stream state is unknown,
		// abandon the transport without a close frame.
		status = 0
	}

	if status != 0 {
		r.log.Error().Err(err).Str("close_status", status.String()).
			Msg("failing WebSocket connection")
		_ = r.cs.sendClose(r.wh, status, "")
	} else if err != io.EOF {
		r.log.Error().Err(err).Msg("abandoning WebSocket connection")
	}
	r.cs.received.Store(true) // No more frames will be read.
	r.wh.close()
	return err
}
