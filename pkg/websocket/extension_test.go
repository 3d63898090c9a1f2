package websocket

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzrikka/strand/pkg/extension/deflate"
	"github.com/tzrikka/strand/pkg/frame"
)

// A message sent through a negotiated permessage-deflate chain arrives
// intact on the other side, and travels compressed on the wire.
func TestDeflateAcrossConnection(t *testing.T) {
	serverExt := deflate.New(frame.SideServer)
	require.NoError(t, serverExt.Configure(nil))

	serverStream := newFakeStream(nil)
	server := New(context.Background(), serverStream, frame.SideServer, WithExtensions(serverExt))

	text := string(bytes.Repeat([]byte("a compressible message "), 40))
	require.NoError(t, server.SendText(text))
	require.NoError(t, server.Flush())

	wire := serverStream.out.Bytes()
	require.Less(t, len(wire), len(text), "message should be compressed on the wire")
	assert.NotZero(t, wire[0]&0x40, "RSV1 should be set on the first frame")

	clientExt := deflate.New(frame.SideClient)
	require.NoError(t, clientExt.Configure(nil))
	client := New(context.Background(), newFakeStream(wire), frame.SideClient, WithExtensions(clientExt))

	msg, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, TextData, msg.Type)
	assert.Equal(t, text, string(msg.Data))
}

// Text compressed as multiple fragments is validated only after the
// whole message has been inflated.
func TestDeflateFragmentedText(t *testing.T) {
	clientExt := deflate.New(frame.SideClient)
	require.NoError(t, clientExt.Configure(nil))

	// Compress a message, then split the compressed bytes into two
	// continuation fragments by hand.
	serverExt := deflate.New(frame.SideServer)
	require.NoError(t, serverExt.Configure(nil))
	f := frame.NewFrame(frame.OpcodeText, []byte("héllo from a fragmented compressed message"))
	require.NoError(t, serverExt.Encode(f))

	half := len(f.Payload) / 2
	var wire bytes.Buffer
	wire.Write([]byte{0x41, byte(half)}) // Text, RSV1, FIN clear.
	wire.Write(f.Payload[:half])
	wire.Write([]byte{0x80, byte(len(f.Payload) - half)}) // Final continuation.
	wire.Write(f.Payload[half:])

	client := New(context.Background(), newFakeStream(wire.Bytes()), frame.SideClient, WithExtensions(clientExt))

	msg, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, "héllo from a fragmented compressed message", string(msg.Data))
}

// Without a negotiated extension, an RSV1 frame is a protocol error.
func TestRSV1WithoutExtension(t *testing.T) {
	conn, stream := newServerConn(t, []byte{0xc1, 0x80, 0x00, 0x00, 0x00, 0x01})

	_, err := conn.Receive()
	require.ErrorIs(t, err, frame.ErrReservedBit)
	assert.Equal(t, []byte{0x88, 0x02, 0x03, 0xea}, stream.out.Bytes())
}
