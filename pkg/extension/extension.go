// Package extension defines the contract for frame-transforming
// WebSocket extensions and the helpers that negotiate them from
// Sec-WebSocket-Extensions headers.
package extension

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tzrikka/strand/pkg/frame"
)

// Param is a single extension parameter from a Sec-WebSocket-Extensions
// clause: either a bare key or a key=value pair (quotes already removed).
type Param struct {
	Name  string
	Value string
}

// String renders the parameter the way it appears on the wire.
func (p Param) String() string {
	if p.Value == "" {
		return p.Name
	}
	return p.Name + "=" + p.Value
}

// Extension transforms data frames on their way in and out of a
// connection. Implementations are stateful: one instance serves one
// connection, configured once during the handshake and applied per
// message afterwards.
//
// Extensions form an ordered chain. Decoding runs in negotiation order,
// encoding in reverse.
type Extension interface {
	// Name is the case-insensitive token used during negotiation,
	// e.g. "permessage-deflate".
	Name() string
	// Enabled reports whether negotiation succeeded for this extension.
	// Disabled extensions are skipped by the encode/decode chains and
	// left out of response headers.
	Enabled() bool
	// Params returns the parameters to advertise for this extension in
	// a request or response header.
	Params() []Param
	// Configure applies the parameters of a matching header clause.
	// An error fails the negotiation (and the handshake).
	Configure(params []Param) error
	// ReservedBits reports which RSV bits the extension claims once
	// enabled.
	ReservedBits() (rsv1, rsv2, rsv3 bool)
	// Decode reverses the extension's transform on an inbound frame.
	Decode(f *frame.Frame) error
	// Encode applies the extension's transform to an outbound frame.
	Encode(f *frame.Frame) error
}

// Error wraps a failure with the name of the extension that caused it.
type Error struct {
	Ext string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extension %q: %v", e.Ext, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrBitsTaken reports an extension whose RSV bits were already claimed
// by an earlier extension in the chain.
var ErrBitsTaken = errors.New("reserved bits already claimed by an earlier extension")

// Configure applies one Sec-WebSocket-Extensions header value to exts.
// Each comma-separated clause names an extension and optional ";"
// separated parameters; clauses naming no known extension are ignored.
func Configure(exts []Extension, header string) error {
	for clause := range strings.SplitSeq(header, ",") {
		parts := strings.Split(clause, ";")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			continue
		}

		var ext Extension
		for _, e := range exts {
			if strings.EqualFold(e.Name(), name) {
				ext = e
				break
			}
		}
		if ext == nil {
			continue
		}

		params := make([]Param, 0, len(parts)-1)
		for _, p := range parts[1:] {
			key, val, _ := strings.Cut(p, "=")
			params = append(params, Param{
				Name:  strings.TrimSpace(key),
				Value: strings.Trim(strings.TrimSpace(val), `"`),
			})
		}

		if err := ext.Configure(params); err != nil {
			return &Error{Ext: ext.Name(), Err: err}
		}
	}

	return nil
}

// ClaimBits folds the RSV bits of all enabled extensions and verifies
// no bit is claimed twice.
func ClaimBits(exts []Extension) (rsv1, rsv2, rsv3 bool, err error) {
	for _, e := range exts {
		if !e.Enabled() {
			continue
		}
		r1, r2, r3 := e.ReservedBits()
		if (r1 && rsv1) || (r2 && rsv2) || (r3 && rsv3) {
			return false, false, false, &Error{Ext: e.Name(), Err: ErrBitsTaken}
		}
		rsv1 = rsv1 || r1
		rsv2 = rsv2 || r2
		rsv3 = rsv3 || r3
	}
	return rsv1, rsv2, rsv3, nil
}

// FormatHeader renders exts as a Sec-WebSocket-Extensions header value,
// or "" if the slice is empty.
func FormatHeader(exts []Extension) string {
	var sb strings.Builder
	for _, e := range exts {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.Name())
		for _, p := range e.Params() {
			sb.WriteString("; ")
			sb.WriteString(p.String())
		}
	}
	return sb.String()
}

// Enabled filters exts down to the ones whose negotiation succeeded.
func Enabled(exts []Extension) []Extension {
	var on []Extension
	for _, e := range exts {
		if e.Enabled() {
			on = append(on, e)
		}
	}
	return on
}

// DecodeChain runs an inbound frame through all enabled extensions in
// negotiation order.
func DecodeChain(exts []Extension, f *frame.Frame) error {
	for _, e := range exts {
		if !e.Enabled() {
			continue
		}
		if err := e.Decode(f); err != nil {
			return &Error{Ext: e.Name(), Err: err}
		}
	}
	return nil
}

// EncodeChain runs an outbound frame through all enabled extensions in
// reverse negotiation order.
func EncodeChain(exts []Extension, f *frame.Frame) error {
	for i := len(exts) - 1; i >= 0; i-- {
		e := exts[i]
		if !e.Enabled() {
			continue
		}
		if err := e.Encode(f); err != nil {
			return &Error{Ext: e.Name(), Err: err}
		}
	}
	return nil
}
