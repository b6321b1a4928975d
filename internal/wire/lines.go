// Package wire holds the hand-rolled pieces of HTTP/1.0 and RTSP/1.0 that the
// stream sessions and discovery probes speak directly over a socket.
package wire

import (
	"bufio"
	"errors"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrHeaderTooLarge is returned when a header area exceeds the reader budget.
	ErrHeaderTooLarge = errors.New("header area too large")

	// ErrMalformedHeader is returned for header lines without a colon.
	ErrMalformedHeader = errors.New("malformed header line")
)

// DefaultHeaderLimit bounds one header area (status line plus headers, or the
// junk between two multipart bodies).
const DefaultHeaderLimit = 64 << 10

var statusLineRE = regexp.MustCompile(`^(HTTP|RTSP)/1\.\d (\d{3})(?:\s|$)`)

// ParseStatusLine recognises "HTTP/1.x NNN ..." and "RTSP/1.0 NNN ...".
func ParseStatusLine(line string) (proto string, code int, ok bool) {
	m := statusLineRE.FindStringSubmatch(line)
	if m == nil {
		return "", 0, false
	}
	code, _ = strconv.Atoi(m[2])
	return m[1], code, true
}

// LineReader reads CRLF or LF terminated lines while charging every byte to a
// budget. Callers Reset the budget when a new header area starts.
type LineReader struct {
	r      *bufio.Reader
	limit  int
	budget int
}

// NewLineReader wraps r; limit <= 0 selects DefaultHeaderLimit.
func NewLineReader(r *bufio.Reader, limit int) *LineReader {
	if limit <= 0 {
		limit = DefaultHeaderLimit
	}
	return &LineReader{r: r, limit: limit, budget: limit}
}

// Reader exposes the underlying buffered reader for body reads.
func (lr *LineReader) Reader() *bufio.Reader {
	return lr.r
}

// Reset restores the full budget.
func (lr *LineReader) Reset() {
	lr.budget = lr.limit
}

// ReadLine returns the next line without its terminator.
func (lr *LineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.budget -= len(chunk)
		if lr.budget < 0 {
			return "", ErrHeaderTooLarge
		}
		buf = append(buf, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(buf), "\r\n"), nil
	}
}

// ReadHeaderBlock reads header lines up to and including the blank line.
// Continuation lines are folded into the previous value.
func ReadHeaderBlock(lr *LineReader) (textproto.MIMEHeader, error) {
	h := make(textproto.MIMEHeader)
	var last string
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return h, err
		}
		if line == "" {
			return h, nil
		}
		if (line[0] == ' ' || line[0] == '\t') && last != "" {
			vals := h[last]
			vals[len(vals)-1] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			return h, ErrMalformedHeader
		}
		last = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		h.Add(last, strings.TrimSpace(value))
	}
}

// HeaderValue splits a "Name: value" line, matching name case-insensitively.
func HeaderValue(line, name string) (string, bool) {
	k, v, found := strings.Cut(line, ":")
	if !found || !strings.EqualFold(strings.TrimSpace(k), name) {
		return "", false
	}
	return strings.TrimSpace(v), true
}
