package websocket

import "github.com/tzrikka/strand/pkg/frame"

// DataType distinguishes the two kinds of application messages.
type DataType int

const (
	TextData DataType = iota + 1
	BinaryData
)

// String returns "text" or "binary".
func (t DataType) String() string {
	if t == BinaryData {
		return "binary"
	}
	return "text"
}

// Message is the logical unit exposed to consumers: UTF-8 text or
// arbitrary binary data, assembled from one or more (defragmented)
// data frames, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
type Message struct {
	Type DataType
	Data []byte
}

// IsText reports whether the message carries UTF-8 text.
func (m Message) IsText() bool {
	return m.Type == TextData
}

func dataType(op frame.OpCode) DataType {
	if op == frame.OpcodeBinary {
		return BinaryData
	}
	return TextData
}
