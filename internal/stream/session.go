package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"motion-relay/internal/cameras"
	"motion-relay/internal/wire"
)

// State is the position of a session in the MJPEG protocol.
type State int

const (
	StateConnecting State = iota
	StateRequestSent
	StateAwaitingStatusLine
	StateAwaitingAuthChallenge
	StateAwaitingContentLength
	StateReadingFrameBody
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRequestSent:
		return "request_sent"
	case StateAwaitingStatusLine:
		return "awaiting_status_line"
	case StateAwaitingAuthChallenge:
		return "awaiting_auth_challenge"
	case StateAwaitingContentLength:
		return "awaiting_content_length"
	case StateReadingFrameBody:
		return "reading_frame_body"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

const (
	// DefaultFPSSamples is the number of frame arrival times kept per session.
	DefaultFPSSamples = 10

	maxFrameSize = 16 << 20
)

// DialFunc opens the socket to the daemon's streaming port.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SessionConfig describes one camera stream on the daemon.
type SessionConfig struct {
	CameraID    int
	Host        string
	Port        int
	Path        string
	Username    string
	Password    string
	AuthMode    cameras.AuthMode
	DialTimeout time.Duration
	ReadTimeout time.Duration
	FPSSamples  int
}

// Session owns one socket to the daemon and the frame cache for one camera.
type Session struct {
	cfg     SessionConfig
	log     *slog.Logger
	dial    DialFunc
	now     func() time.Time
	onFrame func()
	onClose func(*Session, error)

	ctx    context.Context
	cancel context.CancelFunc

	// Protocol state, touched only by the run goroutine.
	authTried bool
	digest    *wire.Digest

	mu         sync.Mutex
	state      State
	conn       net.Conn
	closing    bool
	err        error
	lastFrame  []byte
	frameTimes []time.Time
	lastAccess time.Time
	created    time.Time
	next       chan struct{}
}

func newSession(cfg SessionConfig, dial DialFunc, now func() time.Time, log *slog.Logger) *Session {
	if cfg.FPSSamples <= 1 {
		cfg.FPSSamples = DefaultFPSSamples
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := now()
	return &Session{
		cfg:        cfg,
		log:        log.With(slog.Int("camera_id", cfg.CameraID), slog.Int("port", cfg.Port)),
		dial:       dial,
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateConnecting,
		lastAccess: t,
		created:    t,
		next:       make(chan struct{}),
	}
}

// CameraID returns the camera the session streams.
func (s *Session) CameraID() int {
	return s.cfg.CameraID
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastFrame returns the most recent frame. Frames are never modified after
// they are stored, so the slice is shared rather than copied.
func (s *Session) LastFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// LastFrameTime returns the arrival time of the newest frame, or the session
// creation time when nothing has arrived yet.
func (s *Session) LastFrameTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.frameTimes); n > 0 {
		return s.frameTimes[n-1]
	}
	return s.created
}

// LastAccess returns the last time a consumer asked for a frame.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	s.lastAccess = t
	s.mu.Unlock()
}

// FPS is (N-1) divided by the span of the last N arrival times. It is zero
// with fewer than N samples or when the newest frame is over a second old.
func (s *Session) FPS(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.frameTimes)
	if n < s.cfg.FPSSamples {
		return 0
	}
	last := s.frameTimes[n-1]
	if now.Sub(last) > time.Second {
		return 0
	}
	span := last.Sub(s.frameTimes[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

// Next returns a channel closed when the next frame arrives or the session ends.
func (s *Session) Next() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.next
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) storeFrame(frame []byte) {
	s.mu.Lock()
	s.lastFrame = frame
	s.frameTimes = append(s.frameTimes, s.now())
	if extra := len(s.frameTimes) - s.cfg.FPSSamples; extra > 0 {
		s.frameTimes = append(s.frameTimes[:0], s.frameTimes[extra:]...)
	}
	if s.next != nil {
		close(s.next)
		s.next = make(chan struct{})
	}
	s.mu.Unlock()

	if s.onFrame != nil {
		s.onFrame()
	}
}

// Close tears the session down. It is safe to call from any goroutine and
// more than once; the run goroutine reports the close through onClose.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) start() {
	go func() {
		s.finish(s.run())
	}()
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.closing {
		err = nil
	} else {
		err = classify(err)
	}
	s.err = err
	if err != nil {
		s.state = StateErrored
	} else {
		s.state = StateClosed
	}
	if s.next != nil {
		close(s.next)
		s.next = nil
	}
	s.mu.Unlock()
	s.cancel()

	switch {
	case err == nil:
		s.log.Debug("stream session closed")
	case errors.Is(err, ErrConnectionRefused):
		s.log.Warn("stream session could not connect, daemon not listening", slog.String("error", err.Error()))
	default:
		s.log.Error("stream session failed", slog.String("error", err.Error()))
	}

	if s.onClose != nil {
		s.onClose(s, err)
	}
}

// deadlineConn arms a read deadline before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (s *Session) connect() (*wire.LineReader, error) {
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return nil, net.ErrClosed
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	dc := deadlineConn{Conn: conn, timeout: s.cfg.ReadTimeout}
	return wire.NewLineReader(bufio.NewReader(dc), wire.DefaultHeaderLimit), nil
}

func (s *Session) sendRequest(authorization string) error {
	headers := []string{"Host: " + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))}
	if authorization != "" {
		headers = append(headers, "Authorization: "+authorization)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	if _, err := conn.Write(wire.Request("GET", s.cfg.Path, "HTTP/1.0", headers...)); err != nil {
		return err
	}
	s.setState(StateRequestSent)
	return nil
}

func (s *Session) run() error {
	lr, err := s.connect()
	if err != nil {
		return err
	}

	authorization := ""
	if s.cfg.AuthMode == cameras.AuthBasic {
		authorization = wire.BasicAuthorization(s.cfg.Username, s.cfg.Password)
	}

	for {
		if err := s.sendRequest(authorization); err != nil {
			return err
		}
		code, err := s.awaitStatusLine(lr)
		if err != nil {
			return err
		}
		if code != 401 {
			break
		}
		if s.authTried {
			s.log.Error("stream session credentials refused", slog.String("error", ErrAuthRejected.Error()))
			lr.Reset()
			header, err := wire.ReadHeaderBlock(lr)
			if err != nil {
				return err
			}
			if err := discardBody(lr, header); err != nil {
				return err
			}
			break
		}
		s.authTried = true

		authorization, err = s.answerChallenge(lr)
		if err != nil {
			return err
		}
		if authorization == "" {
			break
		}
		if lr, err = s.connect(); err != nil {
			return err
		}
	}

	for {
		n, err := s.seekContentLength(lr)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		s.setState(StateReadingFrameBody)
		frame := make([]byte, n)
		if _, err := io.ReadFull(lr.Reader(), frame); err != nil {
			return err
		}
		s.storeFrame(frame)
	}
}

// awaitStatusLine skips input until an HTTP status line shows up.
func (s *Session) awaitStatusLine(lr *wire.LineReader) (int, error) {
	s.setState(StateAwaitingStatusLine)
	lr.Reset()
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return 0, err
		}
		if _, code, ok := wire.ParseStatusLine(line); ok {
			return code, nil
		}
	}
}

// answerChallenge reads the 401 headers and returns the Authorization value
// for the retry, or "" when the challenge cannot be answered. In that case
// the 401 body is skipped so it is not mistaken for a frame.
func (s *Session) answerChallenge(lr *wire.LineReader) (string, error) {
	s.setState(StateAwaitingAuthChallenge)
	lr.Reset()
	header, err := wire.ReadHeaderBlock(lr)
	if err != nil {
		return "", err
	}
	authorization, err := s.challengeResponse(header)
	if err == nil && authorization == "" {
		err = discardBody(lr, header)
	}
	return authorization, err
}

// discardBody skips the body of a response that carries no frame.
func discardBody(lr *wire.LineReader, header textproto.MIMEHeader) error {
	v := header.Get("Content-Length")
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxFrameSize {
		return fmt.Errorf("%w: content length %q", ErrMalformedHeader, v)
	}
	_, err = lr.Reader().Discard(n)
	return err
}

func (s *Session) challengeResponse(header textproto.MIMEHeader) (string, error) {
	value := header.Get("Www-Authenticate")
	if value == "" {
		s.log.Warn("stream session got 401 without a challenge")
		return "", nil
	}
	ch, err := wire.ParseChallenge(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	switch ch.Scheme {
	case wire.SchemeBasic:
		s.log.Debug("stream session using basic authentication")
		return wire.BasicAuthorization(s.cfg.Username, s.cfg.Password), nil
	case wire.SchemeDigest:
		s.log.Debug("stream session using digest authentication")
		if s.digest == nil {
			s.digest, err = wire.NewDigest(ch)
		} else {
			err = s.digest.Update(ch)
		}
		if err != nil {
			s.log.Error("stream session cannot answer digest challenge", slog.String("error", err.Error()))
			return "", nil
		}
		return s.digest.Authorization("GET", s.cfg.Path, s.cfg.Username, s.cfg.Password)
	}
	s.log.Error("stream session got unknown challenge",
		slog.String("error", ErrUnsupportedAuthScheme.Error()),
		slog.String("scheme", ch.Scheme))
	return "", nil
}

// seekContentLength skips multipart boundaries and part headers until a
// Content-Length header followed by a blank line.
func (s *Session) seekContentLength(lr *wire.LineReader) (int, error) {
	s.setState(StateAwaitingContentLength)
	lr.Reset()
	length := -1
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return 0, err
		}
		if line == "" {
			if length >= 0 {
				return length, nil
			}
			continue
		}
		v, ok := wire.HeaderValue(line, "Content-Length")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxFrameSize {
			return 0, fmt.Errorf("%w: content length %q", ErrMalformedHeader, v)
		}
		length = n
	}
}
