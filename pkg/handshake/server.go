package handshake

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tzrikka/strand/pkg/buffer"
	"github.com/tzrikka/strand/pkg/extension"
	"github.com/tzrikka/strand/pkg/frame"
	"github.com/tzrikka/strand/pkg/websocket"
)

// Server performs the opening handshake from the server side, over a
// byte stream accepted by the caller's listener.
type Server struct {
	rw      io.ReadWriter
	protos  []string
	exts    []extension.Extension
	hosts   Policy
	origins Policy
	buf     *buffer.Buffer
	log     zerolog.Logger
}

// NewServer returns a server handshake over the given stream. By
// default any Host and Origin are allowed.
func NewServer(ctx context.Context, rw io.ReadWriter) *Server {
	return &Server{
		rw:      rw,
		hosts:   AllowAny{},
		origins: AllowAny{},
		buf:     &buffer.Buffer{},
		log:     *zerolog.Ctx(ctx),
	}
}

// AddProtocol adds a subprotocol the server supports, in order of
// preference.
func (s *Server) AddProtocol(p string) *Server {
	s.protos = append(s.protos, p)
	return s
}

// AddExtension adds an extension the server supports. It is enabled
// only if the client offers it and its Configure method accepts the
// offered parameters.
func (s *Server) AddExtension(e extension.Extension) *Server {
	s.exts = append(s.exts, e)
	return s
}

// SetHostPolicy restricts which Host header values are accepted.
func (s *Server) SetHostPolicy(p Policy) *Server {
	s.hosts = p
	return s
}

// SetOriginPolicy restricts which Origin header values are accepted.
// Requests without an Origin header (non-browser clients) pass.
func (s *Server) SetOriginPolicy(p Policy) *Server {
	s.origins = p
	return s
}

// ClientRequest is a parsed and validated upgrade request.
type ClientRequest struct {
	// Key is the client's Sec-WebSocket-Key nonce, to be echoed
	// through the accept hash.
	Key string
	// Protocols are the client's proposed subprotocols that the server
	// also supports, in the client's order of preference.
	Protocols []string
	// Host and Origin are the respective request headers (Origin may
	// be empty).
	Host   string
	Origin string
	// Resource is the request target from the GET line.
	Resource string
}

// ReceiveRequest reads and validates the client's upgrade request.
// Access-control failures send a 403 response before returning an
// error; other validation failures leave responding to the caller.
func (s *Server) ReceiveRequest() (*ClientRequest, error) {
	head, err := readHead(s.rw, s.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read WebSocket handshake request: %w", err)
	}
	return s.decodeRequest(head)
}

// Response is the server's answer to an upgrade request: either an
// accept (101) or a rejection with an arbitrary HTTP status code.
type Response struct {
	accept   bool
	key      string
	protocol string
	status   int
}

// Accept builds a 101 Switching Protocols response for the given
// request key, optionally selecting one of the client's subprotocols.
func Accept(key, protocol string) *Response {
	return &Response{accept: true, key: key, protocol: protocol}
}

// Reject builds a rejection response with the given HTTP status code.
func Reject(statusCode int) *Response {
	return &Response{status: statusCode}
}

// SendResponse writes the response. Accept responses advertise the
// extensions that negotiation enabled.
func (s *Server) SendResponse(r *Response) error {
	if _, err := io.WriteString(s.rw, s.encodeResponse(r)); err != nil {
		return fmt.Errorf("failed to send WebSocket handshake response: %w", err)
	}
	if r.accept {
		s.log.Debug().Str("protocol", r.protocol).Msg("accepted WebSocket handshake")
	} else {
		s.log.Debug().Int("status_code", r.status).Msg("rejected WebSocket handshake")
	}
	return nil
}

// Connection turns a completed (accepted) handshake into a WebSocket
// connection, carrying over the negotiated extensions and any bytes
// already read past the end of the HTTP request.
func (s *Server) Connection(ctx context.Context, opts ...websocket.Option) *websocket.Conn {
	opts = append(opts,
		websocket.WithExtensions(extension.Enabled(s.exts)...),
		websocket.WithLeftover(s.buf.Split(s.buf.Len())),
	)
	return websocket.New(ctx, s.rw, frame.SideServer, opts...)
}

func (s *Server) decodeRequest(head *httpHead) (*ClientRequest, error) {
	method, resource, version, err := parseRequestLine(head.startLine)
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet {
		return nil, ErrInvalidRequestMethod
	}
	if version != "HTTP/1.1" {
		return nil, ErrUnsupportedHTTPVersion
	}

	host, ok := head.firstHeader("Host")
	if !ok {
		return nil, fmt.Errorf("%w: Host", ErrHeaderNotFound)
	}

	if err := head.expectToken("Upgrade", "websocket"); err != nil {
		return nil, err
	}
	if err := head.expectToken("Connection", "upgrade"); err != nil {
		return nil, err
	}
	if err := head.expectToken("Sec-WebSocket-Version", "13"); err != nil {
		return nil, err
	}

	key, ok := head.firstHeader("Sec-WebSocket-Key")
	if !ok {
		return nil, fmt.Errorf("%w: Sec-WebSocket-Key", ErrHeaderNotFound)
	}

	origin, _ := head.firstHeader("Origin")
	if err := s.checkAccess(host, origin); err != nil {
		return nil, err
	}

	for _, h := range head.allHeaders("Sec-WebSocket-Extensions") {
		if err := extension.Configure(s.exts, h); err != nil {
			return nil, err
		}
	}
	if _, _, _, err := extension.ClaimBits(extension.Enabled(s.exts)); err != nil {
		return nil, err
	}

	var protos []string
	for _, h := range head.allHeaders("Sec-WebSocket-Protocol") {
		for _, p := range splitCommaList(h) {
			for _, ours := range s.protos {
				if p == ours {
					protos = append(protos, p)
				}
			}
		}
	}

	s.log.Debug().Str("host", host).Str("resource", resource).Strs("protocols", protos).
		Msg("received WebSocket handshake request")

	return &ClientRequest{
		Key:       key,
		Protocols: protos,
		Host:      host,
		Origin:    origin,
		Resource:  resource,
	}, nil
}

// checkAccess evaluates the host and origin policies. Denial responds
// with 403 Forbidden on the spot.
func (s *Server) checkAccess(host, origin string) error {
	err := error(nil)
	switch {
	case !s.hosts.Allows(host):
		err = fmt.Errorf("%w: %q", ErrHostDenied, host)
	case origin != "" && !s.origins.Allows(origin):
		err = fmt.Errorf("%w: %q", ErrOriginDenied, origin)
	default:
		return nil
	}

	s.log.Warn().Err(err).Msg("denying WebSocket handshake")
	_ = s.SendResponse(Reject(http.StatusForbidden))
	return err
}

func (s *Server) encodeResponse(r *Response) string {
	var sb strings.Builder

	if !r.accept {
		status := r.status
		if http.StatusText(status) == "" {
			status = http.StatusInternalServerError
		}
		sb.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + http.StatusText(status) + "\r\n\r\n")
		return sb.String()
	}

	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Server: strand-" + Version + "\r\n")
	sb.WriteString("Upgrade: websocket\r\nConnection: upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + AcceptKey(r.key) + "\r\n")
	if r.protocol != "" {
		sb.WriteString("Sec-WebSocket-Protocol: " + r.protocol + "\r\n")
	}
	if h := extension.FormatHeader(extension.Enabled(s.exts)); h != "" {
		sb.WriteString("Sec-WebSocket-Extensions: " + h + "\r\n")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// parseRequestLine splits "GET /chat HTTP/1.1" into its three parts.
func parseRequestLine(line string) (method, resource, version string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: bad request line %q", ErrMalformedHTTP, line)
	}
	return parts[0], parts[1], parts[2], nil
}
