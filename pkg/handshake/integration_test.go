package handshake

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzrikka/strand/pkg/extension/deflate"
	"github.com/tzrikka/strand/pkg/frame"
	"github.com/tzrikka/strand/pkg/websocket"
)

// Full lifecycle over an in-memory duplex stream: upgrade handshake
// with subprotocol and permessage-deflate negotiation, an echoed text
// message, and a clean client-initiated closing handshake.
func TestClientServerEndToEnd(t *testing.T) {
	clientStream, serverStream := net.Pipe()
	ctx := context.Background()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runEchoServer(ctx, serverStream)
	}()

	client := NewClient(ctx, clientStream, "server.example.com", "/echo")
	client.AddProtocol("echo.v1")
	client.AddExtension(deflate.New(frame.SideClient))

	resp, err := client.Handshake()
	require.NoError(t, err)
	require.Equal(t, Accepted, resp.Kind)
	assert.Equal(t, "echo.v1", resp.Protocol)

	conn := client.Connection(ctx)
	require.NoError(t, conn.SendText("héllo wörld"))
	require.NoError(t, conn.Flush())

	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextData, msg.Type)
	assert.Equal(t, "héllo wörld", string(msg.Data))

	require.NoError(t, conn.Close())

	_, err = conn.Receive()
	require.ErrorIs(t, err, io.EOF)

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish the closing handshake")
	}
}

// runEchoServer accepts one upgrade, echoes one message, and completes
// the closing handshake initiated by the client.
func runEchoServer(ctx context.Context, stream net.Conn) error {
	server := NewServer(ctx, stream)
	server.AddProtocol("echo.v1")
	server.AddExtension(deflate.New(frame.SideServer))

	req, err := server.ReceiveRequest()
	if err != nil {
		return err
	}

	proto := ""
	if len(req.Protocols) > 0 {
		proto = req.Protocols[0]
	}
	if err := server.SendResponse(Accept(req.Key, proto)); err != nil {
		return err
	}

	conn := server.Connection(ctx)
	msg, err := conn.Receive()
	if err != nil {
		return err
	}
	if err := conn.SendText(string(msg.Data)); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	// The client closes; receiving its close frame sends our reply
	// and reports end of stream.
	if _, err := conn.Receive(); err != io.EOF {
		return err
	}
	return nil
}

// The server's 403 denial surfaces on the client as a rejection.
func TestAccessDeniedEndToEnd(t *testing.T) {
	clientStream, serverStream := net.Pipe()
	ctx := context.Background()

	serverDone := make(chan error, 1)
	go func() {
		server := NewServer(ctx, serverStream)
		server.SetOriginPolicy(AllowList{"https://friendly.example.com"})
		_, err := server.ReceiveRequest()
		serverDone <- err
	}()

	client := NewClient(ctx, clientStream, "server.example.com", "/")
	client.SetOrigin("https://evil.example.com")

	resp, err := client.Handshake()
	require.NoError(t, err)
	assert.Equal(t, Rejected, resp.Kind)
	assert.Equal(t, 403, resp.StatusCode)

	require.ErrorIs(t, <-serverDone, ErrOriginDenied)
}
