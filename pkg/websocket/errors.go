package websocket

import "errors"

var (
	// ErrClosed is returned by send operations once the closing
	// handshake has begun or completed.
	ErrClosed = errors.New("connection is closing or closed")

	// ErrUnexpectedOpcode reports a data or continuation frame that is
	// not valid in the current fragmentation state: a continuation with
	// nothing to continue, or a fresh data frame in the middle of a
	// fragmented message.
	ErrUnexpectedOpcode = errors.New("unexpected opcode")

	// ErrInvalidUTF8 reports a text message (or close reason) that is
	// not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8 payload")

	// ErrMessageTooBig reports an assembled message larger than the
	// configured MaxMessageSize.
	ErrMessageTooBig = errors.New("message exceeds configured maximum size")

	// ErrCloseStatus reports a close frame with a malformed payload:
	// a 1-byte payload, or a status code endpoints must not send.
	ErrCloseStatus = errors.New("invalid close frame payload")

	// ErrControlTooLong is returned by SendPing/SendPong for payloads
	// longer than 125 bytes.
	ErrControlTooLong = errors.New("control frame payload longer than 125 bytes")

	// ErrStreaming is returned by send operations while a streamed
	// message opened with TextWriter/BinaryWriter has not been closed.
	ErrStreaming = errors.New("streamed message still in progress")
)
