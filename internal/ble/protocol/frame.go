// internal/ble/protocol/frame.go
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocolViolation is returned when the notification stream breaks the
// length-prefixed framing: a fragment before any length marker, a malformed
// marker, or more bytes than the marker declared.
var ErrProtocolViolation = errors.New("protocol violation")

const (
	// lengthMarker separates the ASCII decimal length from the first payload bytes.
	lengthMarker = 0x00

	// MaxMessageLen bounds the declared length of a single message.
	MaxMessageLen = 1 << 20
)

// Reassembler turns a sequence of notification fragments into complete
// messages. The first fragment of a message is "<len>\x00<payload...>",
// later fragments carry raw payload bytes. A message is complete once the
// accumulated payload reaches the declared length.
//
// A Reassembler is not safe for concurrent use; fragments must be fed in
// arrival order.
type Reassembler struct {
	declared   int
	haveLength bool
	buf        []byte
}

// Feed appends one fragment. It returns the complete payload and true once
// the declared length has been reached. On error the buffer is reset and
// the message is lost.
func (r *Reassembler) Feed(fragment []byte) ([]byte, bool, error) {
	if i := bytes.IndexByte(fragment, lengthMarker); i >= 0 {
		n, err := parseLength(fragment[:i])
		if err != nil {
			r.Reset()
			return nil, false, err
		}
		// A marker always starts a new message.
		r.declared = n
		r.haveLength = true
		r.buf = append(make([]byte, 0, n), fragment[i+1:]...)
	} else {
		if !r.haveLength {
			r.Reset()
			return nil, false, fmt.Errorf("%w: fragment received before length marker", ErrProtocolViolation)
		}
		r.buf = append(r.buf, fragment...)
	}

	switch {
	case len(r.buf) == r.declared:
		msg := r.buf
		r.Reset()
		return msg, true, nil
	case len(r.buf) > r.declared:
		got, want := len(r.buf), r.declared
		r.Reset()
		return nil, false, fmt.Errorf("%w: received %d bytes, declared %d", ErrProtocolViolation, got, want)
	}
	return nil, false, nil
}

// Pending reports whether a message is partially received.
func (r *Reassembler) Pending() bool {
	return r.haveLength
}

// Reset drops any partially received message.
func (r *Reassembler) Reset() {
	r.declared = 0
	r.haveLength = false
	r.buf = nil
}

func parseLength(prefix []byte) (int, error) {
	if len(prefix) == 0 {
		return 0, fmt.Errorf("%w: empty length marker", ErrProtocolViolation)
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: invalid length marker %q", ErrProtocolViolation, prefix)
		}
	}
	n, err := strconv.Atoi(string(prefix))
	if err != nil {
		return 0, fmt.Errorf("%w: length marker %q: %v", ErrProtocolViolation, prefix, err)
	}
	if n > MaxMessageLen {
		return 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrProtocolViolation, n, MaxMessageLen)
	}
	return n, nil
}
