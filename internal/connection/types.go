package connection

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/sockethub/internal/session"
)

// MaxMessageLength is the largest accepted text frame, in UTF-16 code units
// (JavaScript string length).
const MaxMessageLength = 10000

// Errors
var (
	ErrAlreadyClosed = errors.New("already closed")
)

// FrameType is the websocket opcode class of an inbound frame.
type FrameType int

const (
	FrameText   FrameType = 1
	FrameBinary FrameType = 2
)

// Frame is one inbound transport message.
type Frame struct {
	Type FrameType
	Data []byte
}

// TextFrame builds a text frame from s.
func TextFrame(s string) Frame {
	return Frame{Type: FrameText, Data: []byte(s)}
}

// Transport is the write side of one client connection.
type Transport interface {
	SendText(text string) error
	Close() error
}

// Record is one live client connection.
type Record struct {
	ID         string
	Origin     string
	Session    *session.Session // nil when the handshake carried none
	AcceptedAt time.Time

	transport Transport
	limiter   *rate.Limiter
}
