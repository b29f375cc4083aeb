// Package control implements the side-channel used to deliver window-size
// updates to a pty bridge process.
//
// A message is plain text "<rows> <cols>" terminated by a newline. There is no
// length prefix, acknowledgment, or error reply: resize is advisory and a lost
// update is corrected by the next one.
package control

import (
	"strconv"
	"strings"
)

// FD is the descriptor index at which the bridge process receives the
// control pipe (first entry of exec.Cmd.ExtraFiles).
const FD = 3

// MaxRead bounds a single read from the control descriptor.
const MaxRead = 1024

// Size is a terminal window size in character cells.
type Size struct {
	Rows uint16
	Cols uint16
}

// Encode formats a resize message.
func Encode(rows, cols int) []byte {
	return []byte(strconv.Itoa(rows) + " " + strconv.Itoa(cols) + "\n")
}

// Parse extracts a window size from a control payload. Several messages may
// arrive in one read; the last complete pair wins. Text after the final
// newline belongs to a message still in flight and is ignored. Malformed or
// out-of-range payloads report ok=false.
func Parse(p []byte) (Size, bool) {
	text := string(p)
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	n := len(fields) &^ 1
	if n == 0 {
		return Size{}, false
	}
	rows, ok := parseDim(fields[n-2])
	if !ok {
		return Size{}, false
	}
	cols, ok := parseDim(fields[n-1])
	if !ok {
		return Size{}, false
	}
	return Size{Rows: rows, Cols: cols}, true
}

func parseDim(s string) (uint16, bool) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}
