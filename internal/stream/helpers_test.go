package stream

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"motion-relay/internal/cameras"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDaemon accepts connections and hands each one to handle together with
// the parsed request line and headers.
type fakeDaemon struct {
	ln    net.Listener
	conns atomic.Int32
}

func startFakeDaemon(t *testing.T, handle func(n int, req *http.Request, conn net.Conn)) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDaemon{ln: ln}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(d.conns.Add(1))
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))
				br := bufio.NewReader(conn)
				req, err := http.ReadRequest(br)
				if err != nil {
					return
				}
				handle(n, req, conn)
				io.Copy(io.Discard, br)
			}()
		}
	}()
	return d
}

func (d *fakeDaemon) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

const mjpegHead = "HTTP/1.0 200 OK\r\n" +
	"Server: Motion/4.5.1\r\n" +
	"Content-Type: multipart/x-mixed-replace; boundary=BoundaryString\r\n\r\n"

func mjpegPart(body string) string {
	return "--BoundaryString\r\n" +
		"Content-type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" +
		body + "\r\n"
}

func unauthorized(challenge string) string {
	return "HTTP/1.0 401 Unauthorized\r\n" +
		"WWW-Authenticate: " + challenge + "\r\n" +
		"Content-Length: 0\r\n\r\n"
}

func newCatalog(t *testing.T, list ...cameras.Camera) *cameras.Catalog {
	t.Helper()
	c, err := cameras.NewCatalog(list)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
