package handshake

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tzrikka/strand/pkg/buffer"
	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
	"github.com/tzrikka/strand/pkg/websocket"
)

// Client performs the opening handshake from the client side, over a
// byte stream the caller has already connected (and, for wss, already
// wrapped in TLS).
type Client struct {
	rw       io.ReadWriter
	host     string
	resource string
	origin   string
	nonce    string
	protos   []string
	exts     []extension.Extension
	buf      *buffer.Buffer
	log      zerolog.Logger

	// For unit-testing only.
	nonceGen io.Reader
}

// NewClient returns a client handshake for the given host and resource
// (request target, e.g. "/chat"). The logger is taken from ctx.
func NewClient(ctx context.Context, rw io.ReadWriter, host, resource string) *Client {
	return &Client{
		rw:       rw,
		host:     host,
		resource: resource,
		buf:      &buffer.Buffer{},
		log:      *zerolog.Ctx(ctx),
		nonceGen: randReader,
	}
}

// SetOrigin sets the Origin header of the handshake request.
func (c *Client) SetOrigin(o string) *Client {
	c.origin = o
	return c
}

// AddProtocol adds a subprotocol to propose, in order of preference.
func (c *Client) AddProtocol(p string) *Client {
	c.protos = append(c.protos, p)
	return c
}

// AddExtension adds an extension to offer. Offered extensions are
// advertised with their current parameters and configured from the
// server's response; only the ones the server confirms end up enabled.
func (c *Client) AddExtension(e extension.Extension) *Client {
	c.exts = append(c.exts, e)
	return c
}

// ResponseKind classifies the server's answer to the upgrade request.
type ResponseKind int

const (
	Accepted ResponseKind = iota + 1
	Redirect
	Rejected
)

// ServerResponse is the server's answer to the upgrade request.
// Redirects and rejections are surfaced as values, not errors: the
// caller decides whether to follow or give up.
type ServerResponse struct {
	Kind       ResponseKind
	StatusCode int
	// Protocol is the subprotocol the server selected, if any.
	// Meaningful only when accepted.
	Protocol string
	// Location is the redirect target. Meaningful only on redirects.
	Location string
}

// Handshake sends the upgrade request and interprets the server's
// response. On acceptance it verifies the accept key, configures the
// offered extensions from the response, and records the selected
// subprotocol; unsolicited extensions or subprotocols fail the
// handshake.
func (c *Client) Handshake() (*ServerResponse, error) {
	nonce, err := generateNonce(c.nonceGen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce for WebSocket handshake: %w", err)
	}
	c.nonce = nonce

	req := c.encodeRequest()
	if _, err := io.WriteString(c.rw, req); err != nil {
		return nil, fmt.Errorf("failed to send WebSocket handshake request: %w", err)
	}
	c.log.Trace().Str("host", c.host).Str("resource", c.resource).
		Msg("sent WebSocket handshake request")

	head, err := readHead(c.rw, c.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read WebSocket handshake response: %w", err)
	}
	return c.decodeResponse(head)
}

// Connection turns a completed (accepted) handshake into a WebSocket
// connection, carrying over the negotiated extensions and any bytes
// already read past the end of the HTTP response.
func (c *Client) Connection(ctx context.Context, opts ...websocket.Option) *websocket.Conn {
	opts = append(opts,
		websocket.WithExtensions(extension.Enabled(c.exts)...),
		websocket.WithLeftover(c.buf.Split(c.buf.Len())),
	)
	return websocket.New(ctx, c.rw, frame.SideClient, opts...)
}

// encodeRequest renders the upgrade request, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func (c *Client) encodeRequest() string {
	var sb strings.Builder
	sb.WriteString("GET " + c.resource + " HTTP/1.1\r\n")
	sb.WriteString("Host: " + c.host + "\r\n")
	sb.WriteString("Upgrade: websocket\r\nConnection: upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Key: " + c.nonce + "\r\n")
	if c.origin != "" {
		sb.WriteString("Origin: " + c.origin + "\r\n")
	}
	if len(c.protos) > 0 {
		sb.WriteString("Sec-WebSocket-Protocol: " + strings.Join(c.protos, ", ") + "\r\n")
	}
	if h := extension.FormatHeader(c.exts); h != "" {
		sb.WriteString("Sec-WebSocket-Extensions: " + h + "\r\n")
	}
	sb.WriteString("Sec-WebSocket-Version: 13\r\n\r\n")
	return sb.String()
}

// decodeResponse interprets the server's response head, per
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func (c *Client) decodeResponse(head *httpHead) (*ServerResponse, error) {
	version, code, err := parseStatusLine(head.startLine)
	if err != nil {
		return nil, err
	}
	if version != "HTTP/1.1" {
		return nil, ErrUnsupportedHTTPVersion
	}

	switch {
	case code == 101:
		// Fall through to upgrade validation.
	case code == 301 || code == 302 || code == 303 || code == 307 || code == 308:
		loc, ok := head.firstHeader("Location")
		if !ok {
			return nil, fmt.Errorf("%w: Location", ErrHeaderNotFound)
		}
		c.log.Debug().Int("status_code", code).Str("location", loc).
			Msg("WebSocket handshake redirected")
		return &ServerResponse{Kind: Redirect, StatusCode: code, Location: loc}, nil
	default:
		c.log.Debug().Int("status_code", code).Msg("WebSocket handshake rejected")
		return &ServerResponse{Kind: Rejected, StatusCode: code}, nil
	}

	if err := head.expectToken("Upgrade", "websocket"); err != nil {
		return nil, err
	}
	if err := head.expectToken("Connection", "upgrade"); err != nil {
		return nil, err
	}

	theirs, ok := head.firstHeader("Sec-WebSocket-Accept")
	if !ok {
		return nil, fmt.Errorf("%w: Sec-WebSocket-Accept", ErrHeaderNotFound)
	}
	if theirs != AcceptKey(c.nonce) {
		return nil, ErrInvalidSecWebSocketAccept
	}

	for _, h := range head.allHeaders("Sec-WebSocket-Extensions") {
		if err := c.configureExtensions(h); err != nil {
			return nil, err
		}
	}

	proto := ""
	if p, ok := head.firstHeader("Sec-WebSocket-Protocol"); ok {
		for _, ours := range c.protos {
			if p == ours {
				proto = p
				break
			}
		}
		if proto == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnsolicitedProtocol, p)
		}
	}

	c.log.Debug().Str("protocol", proto).Msg("WebSocket handshake accepted")
	return &ServerResponse{Kind: Accepted, StatusCode: code, Protocol: proto}, nil
}

// configureExtensions applies one response header, rejecting clauses
// that name an extension we did not offer.
func (c *Client) configureExtensions(header string) error {
	for clause := range strings.SplitSeq(header, ",") {
		name := strings.TrimSpace(strings.SplitN(clause, ";", 2)[0])
		if name == "" {
			continue
		}
		known := false
		for _, e := range c.exts {
			if strings.EqualFold(e.Name(), name) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: %q", ErrUnsolicitedExtension, name)
		}
		if err := extension.Configure(c.exts, clause); err != nil {
			return err
		}
	}
	return nil
}

// parseStatusLine splits "HTTP/1.1 101 Switching Protocols" into the
// HTTP version and status code.
func parseStatusLine(line string) (version string, code int, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("%w: bad status line %q", ErrMalformedHTTP, line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad status code %q", ErrMalformedHTTP, parts[1])
	}
	return parts[0], code, nil
}
