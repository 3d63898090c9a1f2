package handshake

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/extension/deflate"
	"github.com/tzrikka/strand/pkg/frame"
)

// scriptedStream plays back a canned server response and captures
// whatever the client writes.
type scriptedStream struct {
	in  io.Reader
	out bytes.Buffer
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

// sampleNonce makes the client use the RFC 6455 section 1.3 example
// nonce, "dGhlIHNhbXBsZSBub25jZQ==".
const sampleNonce = "the sample nonce"

const sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

func newTestClient(t *testing.T, response string) (*Client, *scriptedStream) {
	t.Helper()
	stream := &scriptedStream{in: strings.NewReader(response)}
	c := NewClient(context.Background(), stream, "server.example.com", "/chat")
	c.nonceGen = strings.NewReader(sampleNonce)
	return c, stream
}

func TestClientHandshakeAccepted(t *testing.T) {
	c, stream := newTestClient(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+sampleAccept+"\r\n"+
		"\r\n")

	resp, err := c.Handshake()
	if err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if resp.Kind != Accepted || resp.StatusCode != 101 {
		t.Errorf("Client.Handshake() = %+v, want accepted 101", resp)
	}
	if resp.Protocol != "" {
		t.Errorf("selected protocol = %q, want none", resp.Protocol)
	}

	req := stream.out.String()
	for _, want := range []string{
		"GET /chat HTTP/1.1\r\n",
		"Host: server.example.com\r\n",
		"Upgrade: websocket\r\n",
		"Connection: upgrade\r\n",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n",
		"Sec-WebSocket-Version: 13\r\n",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("request is missing %q:\n%s", want, req)
		}
	}
}

func TestClientHandshakeOneByteReads(t *testing.T) {
	stream := &scriptedStream{in: iotest.OneByteReader(strings.NewReader(
		"HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + sampleAccept + "\r\n" +
			"\r\n"))}
	c := NewClient(context.Background(), stream, "server.example.com", "/")
	c.nonceGen = strings.NewReader(sampleNonce)

	resp, err := c.Handshake()
	if err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if resp.Kind != Accepted {
		t.Errorf("Client.Handshake() = %+v, want accepted", resp)
	}
}

func TestClientHandshakeLeftoverBytes(t *testing.T) {
	c, _ := newTestClient(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+sampleAccept+"\r\n"+
		"\r\n"+
		"\x8a\x00") // A pipelined pong frame.

	if _, err := c.Handshake(); err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if got := c.buf.Len(); got != 2 {
		t.Errorf("leftover buffer = %d bytes, want 2", got)
	}
}

func TestClientHandshakeRedirect(t *testing.T) {
	c, _ := newTestClient(t, "HTTP/1.1 302 Found\r\n"+
		"Location: wss://other.example.com/chat\r\n"+
		"\r\n")

	resp, err := c.Handshake()
	if err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if resp.Kind != Redirect || resp.StatusCode != 302 {
		t.Errorf("Client.Handshake() = %+v, want redirect 302", resp)
	}
	if resp.Location != "wss://other.example.com/chat" {
		t.Errorf("location = %q", resp.Location)
	}
}

func TestClientHandshakeRejected(t *testing.T) {
	c, _ := newTestClient(t, "HTTP/1.1 403 Forbidden\r\n\r\n")

	resp, err := c.Handshake()
	if err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if resp.Kind != Rejected || resp.StatusCode != 403 {
		t.Errorf("Client.Handshake() = %+v, want rejected 403", resp)
	}
}

func TestClientHandshakeErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		setup    func(*Client)
		wantErr  error
	}{
		{
			name:     "http_1_0",
			response: "HTTP/1.0 101 Switching Protocols\r\n\r\n",
			wantErr:  ErrUnsupportedHTTPVersion,
		},
		{
			name: "bad_accept_key",
			response: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: bm90IHRoZSByaWdodCBrZXk=\r\n\r\n",
			wantErr: ErrInvalidSecWebSocketAccept,
		},
		{
			name: "missing_upgrade",
			response: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Connection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n",
			wantErr: ErrHeaderNotFound,
		},
		{
			name: "unsolicited_protocol",
			response: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: " + sampleAccept + "\r\n" +
				"Sec-WebSocket-Protocol: chat\r\n\r\n",
			wantErr: ErrUnsolicitedProtocol,
		},
		{
			name: "unsolicited_extension",
			response: "HTTP/1.1 101 Switching Protocols\r\n" +
				"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
				"Sec-WebSocket-Accept: " + sampleAccept + "\r\n" +
				"Sec-WebSocket-Extensions: permessage-deflate\r\n\r\n",
			wantErr: ErrUnsolicitedExtension,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.response)
			if tt.setup != nil {
				tt.setup(c)
			}

			_, err := c.Handshake()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Client.Handshake() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientHandshakeProtocolAndExtension(t *testing.T) {
	c, stream := newTestClient(t, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: "+sampleAccept+"\r\n"+
		"Sec-WebSocket-Protocol: chat\r\n"+
		"Sec-WebSocket-Extensions: permessage-deflate; server_no_context_takeover\r\n"+
		"\r\n")
	c.SetOrigin("https://example.com")
	c.AddProtocol("chat").AddProtocol("superchat")

	ext := deflate.New(frame.SideClient)
	c.AddExtension(ext)

	resp, err := c.Handshake()
	if err != nil {
		t.Fatalf("Client.Handshake() error = %v", err)
	}
	if resp.Protocol != "chat" {
		t.Errorf("selected protocol = %q, want %q", resp.Protocol, "chat")
	}
	if !ext.Enabled() {
		t.Error("offered extension was not enabled by the response")
	}
	if got := extension.Enabled(c.exts); len(got) != 1 {
		t.Errorf("enabled extensions = %d, want 1", len(got))
	}

	req := stream.out.String()
	for _, want := range []string{
		"Origin: https://example.com\r\n",
		"Sec-WebSocket-Protocol: chat, superchat\r\n",
		"Sec-WebSocket-Extensions: permessage-deflate\r\n",
	} {
		if !strings.Contains(req, want) {
			t.Errorf("request is missing %q:\n%s", want, req)
		}
	}
}
