// Package websocket implements the message layer of the WebSocket
// protocol (RFC 6455) on top of any bidirectional byte stream.
//
// A [Conn] turns a stream of base frames into a stream of text/binary
// messages and back, handling fragmentation, interleaved control
// frames, the closing handshake, UTF-8 enforcement for text messages,
// and write backpressure. The opening HTTP upgrade lives in the
// handshake package; TLS, listeners, ping cadence, and timeouts are the
// caller's responsibility.
//
// A Conn can be split into an independently owned [Sender] and
// [Receiver] pair, so that reading and writing can be driven from
// separate goroutines. The two halves coordinate only through a shared
// close cell and a mutex-guarded write path (the receiver must emit
// PONG and close replies).
//
// Neither half starts goroutines or timers of its own: every operation
// blocks on the underlying stream and nothing happens between calls.
package websocket
