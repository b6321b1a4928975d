package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParseStatusLine(t *testing.T) {
	cases := []struct {
		line  string
		proto string
		code  int
		ok    bool
	}{
		{"HTTP/1.0 200 OK", "HTTP", 200, true},
		{"HTTP/1.1 401 Unauthorized", "HTTP", 401, true},
		{"RTSP/1.0 200 OK", "RTSP", 200, true},
		{"HTTP/1.0 204", "HTTP", 204, true},
		{"HTTP/2 200 OK", "", 0, false},
		{"--BoundaryString", "", 0, false},
		{"HTTP/1.0 20 OK", "", 0, false},
	}
	for _, c := range cases {
		proto, code, ok := ParseStatusLine(c.line)
		if proto != c.proto || code != c.code || ok != c.ok {
			t.Errorf("%q: got (%q, %d, %v)", c.line, proto, code, ok)
		}
	}
}

func TestLineReader(t *testing.T) {
	lr := NewLineReader(bufio.NewReader(strings.NewReader("one\r\ntwo\nthree")), 0)
	for _, want := range []string{"one", "two"} {
		got, err := lr.ReadLine()
		if err != nil || got != want {
			t.Fatalf("got %q, %v want %q", got, err, want)
		}
	}
	if _, err := lr.ReadLine(); err != io.EOF {
		t.Errorf("expected EOF for unterminated tail, got %v", err)
	}
}

func TestLineReader_budget(t *testing.T) {
	long := strings.Repeat("x", 100) + "\r\n"
	lr := NewLineReader(bufio.NewReaderSize(strings.NewReader(long+long), 16), 150)
	if _, err := lr.ReadLine(); err != nil {
		t.Fatalf("first line within budget: %v", err)
	}
	if _, err := lr.ReadLine(); !errors.Is(err, ErrHeaderTooLarge) {
		t.Errorf("expected ErrHeaderTooLarge, got %v", err)
	}
	lr.Reset()
}

func TestReadHeaderBlock(t *testing.T) {
	raw := "content-type: multipart/x-mixed-replace; boundary=x\r\n" +
		"WWW-Authenticate: Digest realm=\"r\",\r\n" +
		"\tnonce=\"n\"\r\n" +
		"Content-Length: 12\r\n" +
		"\r\n" +
		"body"
	lr := NewLineReader(bufio.NewReader(strings.NewReader(raw)), 0)
	h, err := ReadHeaderBlock(lr)
	if err != nil {
		t.Fatal(err)
	}
	if h.Get("Content-Type") != "multipart/x-mixed-replace; boundary=x" {
		t.Errorf("content type: %q", h.Get("Content-Type"))
	}
	if h.Get("Www-Authenticate") != `Digest realm="r", nonce="n"` {
		t.Errorf("folded header: %q", h.Get("Www-Authenticate"))
	}
	rest, _ := io.ReadAll(lr.Reader())
	if string(rest) != "body" {
		t.Errorf("body should remain unread, got %q", rest)
	}
}

func TestReadHeaderBlock_malformed(t *testing.T) {
	lr := NewLineReader(bufio.NewReader(strings.NewReader("no colon here\r\n\r\n")), 0)
	if _, err := ReadHeaderBlock(lr); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestHeaderValue(t *testing.T) {
	if v, ok := HeaderValue("content-length: 42", "Content-Length"); !ok || v != "42" {
		t.Errorf("got %q %v", v, ok)
	}
	if _, ok := HeaderValue("Content-Type: image/jpeg", "Content-Length"); ok {
		t.Error("wrong header matched")
	}
}

func TestRequest(t *testing.T) {
	got := string(Request("OPTIONS", "rtsp://cam/live", "RTSP/1.0", "CSeq: 1", "", "User-Agent: x"))
	want := "OPTIONS rtsp://cam/live RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: x\r\n\r\n"
	if got != want {
		t.Errorf("got %q", got)
	}
}
