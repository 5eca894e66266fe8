// internal/ble/protocol/fragment.go
package protocol

import "strconv"

// DefaultFragmentSize is the notification payload size of the Tempo3
// firmware (ATT MTU 23 minus the 3 byte ATT header).
const DefaultFragmentSize = 20

// Frame prefixes payload with its ASCII decimal length and the marker byte.
func Frame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+8)
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, lengthMarker)
	return append(buf, payload...)
}

// Fragment frames payload and splits it into notification-sized pieces of
// at most size bytes, the way the peripheral sends a response. The length
// marker always travels whole in the first fragment. Returns nil when size
// is not positive.
func Fragment(payload []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	framed := Frame(payload)

	// The header (digits + marker) must not be split.
	header := len(framed) - len(payload)
	first := size
	if first < header {
		first = header
	}
	if first > len(framed) {
		first = len(framed)
	}

	fragments := [][]byte{framed[:first]}
	rest := framed[first:]
	for len(rest) > 0 {
		n := size
		if n > len(rest) {
			n = len(rest)
		}
		fragments = append(fragments, rest[:n])
		rest = rest[n:]
	}
	return fragments
}
