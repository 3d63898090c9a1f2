package handshake

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/tzrikka/strand/pkg/buffer"
)

// httpHeader is one parsed header line. Names keep their wire casing;
// all lookups are case-insensitive.
type httpHeader struct {
	name  string
	value string
}

// httpHead is the parsed head (start line + headers) of an HTTP/1.1
// message.
type httpHead struct {
	startLine string
	headers   []httpHeader
}

// parseHead tries to parse a complete HTTP message head out of the
// unread portion of buf. It returns (nil, 0, nil) while the terminating
// blank line has not arrived yet; the caller reads more bytes and
// retries. On success it returns the head and the number of bytes it
// occupies, without consuming them.
func parseHead(buf *buffer.Buffer) (*httpHead, int, error) {
	b := buf.Bytes()
	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, 0, nil
	}
	n := end + 4

	lines := strings.Split(string(b[:end]), "\r\n")
	if len(lines)-1 > maxNumHeaders {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrTooManyHeaders, len(lines)-1, maxNumHeaders)
	}

	head := &httpHead{startLine: lines[0]}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return nil, 0, fmt.Errorf("%w: bad header line %q", ErrMalformedHTTP, line)
		}
		head.headers = append(head.headers, httpHeader{
			name:  name,
			value: strings.TrimSpace(value),
		})
	}

	return head, n, nil
}

// firstHeader returns the value of the first header with the given
// (case-insensitive) name.
func (h *httpHead) firstHeader(name string) (string, bool) {
	for _, hdr := range h.headers {
		if strings.EqualFold(hdr.name, name) {
			return hdr.value, true
		}
	}
	return "", false
}

// allHeaders returns the values of every header with the given name,
// in order of appearance.
func (h *httpHead) allHeaders(name string) []string {
	var values []string
	for _, hdr := range h.headers {
		if strings.EqualFold(hdr.name, name) {
			values = append(values, hdr.value)
		}
	}
	return values
}

// expectToken checks that at least one header with the given name has
// the wanted token among its comma-separated values, comparing
// case-insensitively. It distinguishes a missing header from one that
// is present with the wrong value.
func (h *httpHead) expectToken(name, want string) error {
	found := false
	for _, hdr := range h.headers {
		if !strings.EqualFold(hdr.name, name) {
			continue
		}
		found = true
		for v := range strings.SplitSeq(hdr.value, ",") {
			if strings.EqualFold(strings.TrimSpace(v), want) {
				return nil
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrHeaderNotFound, name)
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedHeader, name)
}

// readHead grows buf from r until it holds a complete HTTP message
// head, then consumes and returns it. Bytes following the head remain
// in buf for the connection to pick up.
func readHead(r io.Reader, buf *buffer.Buffer) (*httpHead, error) {
	for {
		head, n, err := parseHead(buf)
		if err != nil {
			return nil, err
		}
		if head != nil {
			buf.Discard(n)
			return head, nil
		}

		chunk := buf.Reserve(blockSize)
		n, rerr := r.Read(chunk)
		buf.Extend(n)
		if n == 0 && rerr != nil {
			return nil, rerr
		}
	}
}

// splitCommaList splits a comma-separated header value into trimmed,
// non-empty tokens.
func splitCommaList(v string) []string {
	var out []string
	for t := range strings.SplitSeq(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
