package websocket

import (
	"io"

	"github.com/tzrikka/strand/pkg/extension"
)

// defaultWriteThreshold is the buffered-write size beyond which the
// send path flushes before accepting more data.
const defaultWriteThreshold = 8192

type config struct {
	maxMessage uint64
	maxFrame   uint64
	threshold  int
	exts       []extension.Extension
	leftover   []byte
	maskSrc    io.Reader
}

func newConfig() *config {
	return &config{
		threshold: defaultWriteThreshold,
		maskSrc:   randReader,
	}
}

// Option adjusts the configuration of a [Conn] created with [New].
type Option func(*config)

// WithMaxMessageSize refuses messages whose assembled size exceeds n
// bytes, closing the connection with status 1009. Zero (the default)
// means unbounded.
func WithMaxMessageSize(n uint64) Option {
	return func(c *config) {
		c.maxMessage = n
	}
}

// WithMaxFrameSize refuses individual frames whose advertised payload
// length exceeds n bytes. Zero (the default) means unbounded.
func WithMaxFrameSize(n uint64) Option {
	return func(c *config) {
		c.maxFrame = n
	}
}

// WithWriteBufferThreshold sets the backpressure trigger: once more
// than this many bytes are buffered, the send path flushes before
// accepting new data. The default is 8 KiB.
func WithWriteBufferThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithExtensions installs the negotiated extension chain, in
// negotiation order. The handshake package passes its configured
// extensions through this option.
func WithExtensions(exts ...extension.Extension) Option {
	return func(c *config) {
		c.exts = append(c.exts, exts...)
	}
}

// WithLeftover seeds the read buffer with bytes that were received
// past the end of the HTTP upgrade message, so pipelined frames are
// not lost. The connection takes ownership of the slice.
func WithLeftover(p []byte) Option {
	return func(c *config) {
		c.leftover = p
	}
}
