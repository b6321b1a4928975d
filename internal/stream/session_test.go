package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"motion-relay/internal/cameras"
	"motion-relay/internal/wire"
)

func startSession(t *testing.T, cfg SessionConfig) (*Session, <-chan error) {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := newSession(cfg, (&net.Dialer{}).DialContext, time.Now, discardLogger())
	done := make(chan error, 1)
	s.onClose = func(_ *Session, err error) { done <- err }
	s.start()
	t.Cleanup(s.Close)
	return s, done
}

func waitClosed(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close")
	}
	return nil
}

func TestSession_readsFrames(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, req *http.Request, conn net.Conn) {
		if req.URL.Path != "/" || req.Proto != "HTTP/1.0" {
			t.Errorf("unexpected request %s %s", req.URL.Path, req.Proto)
		}
		io.WriteString(conn, mjpegHead+mjpegPart("AAAAA")+mjpegPart("BBB"))
	})

	s, _ := startSession(t, SessionConfig{CameraID: 1, Port: d.port()})
	waitFor(t, "second frame", func() bool { return string(s.LastFrame()) == "BBB" })

	waitFor(t, "next part", func() bool { return s.State() == StateAwaitingContentLength })
}

func TestSession_zeroLengthFrame(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, mjpegHead+mjpegPart("")+mjpegPart("CC"))
	})

	s, _ := startSession(t, SessionConfig{CameraID: 1, Port: d.port()})
	waitFor(t, "frame after empty part", func() bool { return string(s.LastFrame()) == "CC" })
}

func TestSession_basicAuth(t *testing.T) {
	want := wire.BasicAuthorization("admin", "secret")
	d := startFakeDaemon(t, func(_ int, req *http.Request, conn net.Conn) {
		if req.Header.Get("Authorization") != want {
			io.WriteString(conn, unauthorized(`Basic realm="motion"`))
			return
		}
		io.WriteString(conn, mjpegHead+mjpegPart("OK"))
	})

	s, _ := startSession(t, SessionConfig{
		CameraID: 1, Port: d.port(),
		Username: "admin", Password: "secret", AuthMode: cameras.AuthBasic,
	})
	waitFor(t, "frame", func() bool { return string(s.LastFrame()) == "OK" })

	if n := d.conns.Load(); n != 1 {
		t.Errorf("expected credentials on the first connection, got %d connections", n)
	}
}

func TestSession_digestAuth(t *testing.T) {
	d := startFakeDaemon(t, func(n int, req *http.Request, conn net.Conn) {
		if n == 1 {
			io.WriteString(conn, unauthorized(`Digest realm="motion", nonce="abc123", qop="auth", algorithm=MD5`))
			return
		}
		ch, err := wire.ParseChallenge(req.Header.Get("Authorization"))
		if err != nil {
			t.Errorf("parse authorization: %v", err)
			return
		}
		p := ch.Params
		want, err := wire.DigestResponse(p["algorithm"], "admin", "motion", "secret", "GET", p["uri"], "abc123", p["nc"], p["cnonce"], p["qop"])
		if err != nil || p["response"] != want || p["username"] != "admin" || p["nc"] != "00000001" {
			t.Errorf("bad digest authorization %q", req.Header.Get("Authorization"))
			io.WriteString(conn, unauthorized(`Digest realm="motion", nonce="abc123"`))
			return
		}
		io.WriteString(conn, mjpegHead+mjpegPart("DIGEST"))
	})

	s, _ := startSession(t, SessionConfig{
		CameraID: 1, Port: d.port(),
		Username: "admin", Password: "secret", AuthMode: cameras.AuthDigest,
	})
	waitFor(t, "frame", func() bool { return string(s.LastFrame()) == "DIGEST" })

	if n := d.conns.Load(); n != 2 {
		t.Errorf("expected a reconnect after the challenge, got %d connections", n)
	}
}

func TestSession_authRetriedOnce(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, unauthorized(`Basic realm="motion"`))
		conn.Close()
	})

	s, done := startSession(t, SessionConfig{
		CameraID: 1, Port: d.port(),
		Username: "admin", Password: "wrong", AuthMode: cameras.AuthDigest,
	})
	err := waitClosed(t, done)

	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if n := d.conns.Load(); n != 2 {
		t.Errorf("expected exactly one credentialed retry, got %d connections", n)
	}
	if s.LastFrame() != nil {
		t.Error("expected no frame")
	}
}

func TestSession_rejectedBodyIsNotAFrame(t *testing.T) {
	const page = "<html><body>401 Unauthorized</body></html>"
	tests := []struct {
		name      string
		challenge string
	}{
		{"credentials refused", `Basic realm="motion"`},
		{"unknown scheme", `Negotiate abc`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
				io.WriteString(conn, "HTTP/1.0 401 Unauthorized\r\n"+
					"WWW-Authenticate: "+tt.challenge+"\r\n"+
					"Content-Type: text/html\r\n"+
					"Content-Length: "+strconv.Itoa(len(page))+"\r\n\r\n"+page)
				conn.Close()
			})

			s, done := startSession(t, SessionConfig{
				CameraID: 1, Port: d.port(),
				Username: "admin", Password: "wrong", AuthMode: cameras.AuthDigest,
			})
			err := waitClosed(t, done)

			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", err)
			}
			if frame := s.LastFrame(); frame != nil {
				t.Errorf("expected no frame, got %q", frame)
			}
		})
	}
}

func TestSession_unsupportedScheme(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, unauthorized(`Negotiate abc`))
		conn.Close()
	})

	_, done := startSession(t, SessionConfig{CameraID: 1, Port: d.port(), Username: "a", Password: "b"})
	waitClosed(t, done)

	if n := d.conns.Load(); n != 1 {
		t.Errorf("expected no retry for an unknown scheme, got %d connections", n)
	}
}

func TestSession_malformedContentLength(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, mjpegHead+"--BoundaryString\r\nContent-Length: lots\r\n\r\n")
	})

	s, done := startSession(t, SessionConfig{CameraID: 1, Port: d.port()})
	err := waitClosed(t, done)

	if !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
	if s.State() != StateErrored {
		t.Errorf("expected errored state, got %s", s.State())
	}
}

func TestSession_connectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, done := startSession(t, SessionConfig{CameraID: 1, Port: port})
	err = waitClosed(t, done)

	if !errors.Is(err, ErrConnectionRefused) {
		t.Errorf("expected ErrConnectionRefused, got %v", err)
	}
}

func TestSession_readTimeout(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, mjpegHead)
	})

	_, done := startSession(t, SessionConfig{CameraID: 1, Port: d.port(), ReadTimeout: 50 * time.Millisecond})
	err := waitClosed(t, done)

	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSession_closeIsNotAnError(t *testing.T) {
	d := startFakeDaemon(t, func(_ int, _ *http.Request, conn net.Conn) {
		io.WriteString(conn, mjpegHead+mjpegPart("X"))
	})

	s, done := startSession(t, SessionConfig{CameraID: 1, Port: d.port()})
	waitFor(t, "frame", func() bool { return s.LastFrame() != nil })
	next := s.Next()
	s.Close()

	if err := waitClosed(t, done); err != nil {
		t.Errorf("expected clean close, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected closed state, got %s", s.State())
	}
	select {
	case <-next:
	default:
		t.Error("expected waiters to be released on close")
	}
}

func TestSession_FPS(t *testing.T) {
	clock := newFakeClock()
	s := newSession(SessionConfig{CameraID: 1}, nil, clock.Now, discardLogger())

	feed := func(n int, every time.Duration) {
		for i := 0; i < n; i++ {
			clock.Advance(every)
			s.storeFrame([]byte("f"))
		}
	}

	feed(9, 100*time.Millisecond)
	if fps := s.FPS(clock.Now()); fps != 0 {
		t.Errorf("expected 0 with 9 samples, got %v", fps)
	}

	feed(1, 100*time.Millisecond)
	if fps := s.FPS(clock.Now()); fps < 9.99 || fps > 10.01 {
		t.Errorf("expected 10 fps, got %v", fps)
	}

	// Older samples fall out of the window.
	feed(10, 200*time.Millisecond)
	if fps := s.FPS(clock.Now()); fps < 4.99 || fps > 5.01 {
		t.Errorf("expected 5 fps, got %v", fps)
	}

	clock.Advance(1500 * time.Millisecond)
	if fps := s.FPS(clock.Now()); fps != 0 {
		t.Errorf("expected 0 for a stale stream, got %v", fps)
	}
}

func TestSession_LastFrameTime(t *testing.T) {
	clock := newFakeClock()
	created := clock.Now()
	s := newSession(SessionConfig{CameraID: 1}, nil, clock.Now, discardLogger())

	clock.Advance(3 * time.Second)
	if got := s.LastFrameTime(); !got.Equal(created) {
		t.Errorf("expected creation time before any frame, got %v", got)
	}

	s.storeFrame([]byte("f"))
	if got := s.LastFrameTime(); !got.Equal(clock.Now()) {
		t.Errorf("expected frame time, got %v", got)
	}
}

func TestSession_Next(t *testing.T) {
	s := newSession(SessionConfig{CameraID: 1}, nil, time.Now, discardLogger())
	next := s.Next()

	select {
	case <-next:
		t.Fatal("channel closed before a frame")
	default:
	}

	s.storeFrame([]byte("f"))
	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("channel not closed by frame")
	}
}

func TestClassify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"eof", io.EOF, ErrConnectionClosed},
		{"unexpected eof", io.ErrUnexpectedEOF, ErrConnectionClosed},
		{"deadline", ctx.Err(), ErrTimeout},
		{"header too large", wire.ErrHeaderTooLarge, ErrMalformedHeader},
		{"already classified", ErrAuthRejected, ErrAuthRejected},
		{"number", &strconv.NumError{Func: "Atoi", Num: "x", Err: strconv.ErrSyntax}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.want == nil {
				if got != tt.err {
					t.Errorf("expected error unchanged, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
