package stream

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrTruncated is returned by Reassembler.End when the stream ended in the middle of a line.
var ErrTruncated = errors.New("stream ended mid-message")

// Reassembler turns arbitrarily sized chunks of a newline-delimited stream back into lines.
// The zero value is ready to use. It is not goroutine-safe.
type Reassembler struct {
	partial []byte
}

// Feed consumes the next chunk and returns the lines it completed, in order.
// A trailing fragment with no newline after it is withheld until a later chunk completes it.
// Blank lines are skipped. The returned lines do not alias chunk.
//
// Every newline-terminated line counts as complete, even when it doesn't end in a closing brace,
// so a malformed line is handed on alone and never merged into the next one.
// The closing-brace check only applies to the unterminated fragment left over at End.
func (r *Reassembler) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			r.partial = append(r.partial, chunk...)
			return lines
		}
		var line []byte
		if len(r.partial) > 0 {
			line = append(r.partial, chunk[:i]...)
			r.partial = nil
		} else {
			line = append([]byte(nil), chunk[:i]...)
		}
		chunk = chunk[i+1:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
}

// Pending returns the number of withheld bytes.
func (r *Reassembler) Pending() int {
	return len(r.partial)
}

// End resolves whatever fragment is still withheld once the transport has closed.
// If the fragment looks like the end of an object it is returned as the final line,
// otherwise it is discarded and ErrTruncated is returned.
// End returns nil, nil if nothing was withheld.
func (r *Reassembler) End() ([]byte, error) {
	rest := bytes.TrimSpace(r.partial)
	r.partial = nil
	if len(rest) == 0 {
		return nil, nil
	}
	if !LooksComplete(rest) {
		return nil, fmt.Errorf("%w (%d bytes withheld)", ErrTruncated, len(rest))
	}
	return rest, nil
}

// LooksComplete reports whether line ends with a closing brace.
// This is only a heuristic: a top-level string, number or array never looks complete.
func LooksComplete(line []byte) bool {
	line = bytes.TrimSpace(line)
	return len(line) > 0 && line[len(line)-1] == '}'
}
