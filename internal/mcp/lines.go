package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong reports a line longer than the reader's limit. The
// whole line has been consumed, so the next read starts on the
// following line.
var ErrLineTooLong = errors.New("line too long")

// ReadLine returns the next newline-terminated line from r without its
// line ending. A final unterminated line is returned together with
// io.EOF. At most limit bytes are buffered for one line.
func ReadLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	over := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !over {
			line = append(line, chunk...)
			if len(bytes.TrimRight(line, "\r\n")) > limit {
				over, line = true, nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if over {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, ErrLineTooLong
		}
		return bytes.TrimRight(line, "\r\n"), err
	}
}
