// Package probe classifies a camera URL before it is added to the
// configuration. Each probe makes one handshake, retrying at most once with
// credentials, and always resolves to a Result.
package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"motion-relay/internal/platform/metrics"
	"motion-relay/internal/wire"
)

const (
	userAgent      = "motion-relay"
	defaultTimeout = 10 * time.Second

	msgAuthFailed   = "authentication failed"
	msgUnsupported  = "not a supported network camera"
	msgRefused      = "connection refused"
	msgTimeout      = "timeout connecting to camera"
	msgBadURL       = "invalid camera URL"
	msgBadScheme    = "unsupported URL scheme"
	msgMalformed    = "malformed response from camera"
	outcomeOK       = "ok"
	outcomeAuth     = "auth_failed"
	outcomeNotFound = "unsupported"
	outcomeError    = "error"
)

// Capability describes one way the probed URL can be added as a camera.
type Capability struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	KeepAlive bool   `json:"keep_alive"`
}

// Result is the outcome of a probe. Exactly one of Cameras and Error is set.
type Result struct {
	Cameras []Capability `json:"cameras,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Request names the URL to probe.
type Request struct {
	URL       string `json:"url"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	AllowJPEG bool   `json:"allow_jpeg,omitempty"`
}

// DialFunc opens a TCP connection to the camera.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober runs discovery probes.
type Prober struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	dial    DialFunc
	tls     *tls.Config
	timeout time.Duration
}

// New creates a prober. m may be nil.
func New(log *slog.Logger, m *metrics.Metrics) *Prober {
	return &Prober{
		log:     log,
		metrics: m,
		dial:    (&net.Dialer{}).DialContext,
		// Network cameras ship self-signed certificates.
		tls:     &tls.Config{InsecureSkipVerify: true},
		timeout: defaultTimeout,
	}
}

// SetTimeout bounds each probe.
func (p *Prober) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

type response struct {
	proto  string
	code   int
	header textproto.MIMEHeader
}

// exchange dials addr, writes req and reads one status line plus headers.
func (p *Prober) exchange(ctx context.Context, addr string, useTLS bool, req []byte) (response, error) {
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return response{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		cfg := p.tls.Clone()
		cfg.ServerName = host
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return response{}, err
		}
		conn = tc
	}

	if _, err := conn.Write(req); err != nil {
		return response{}, err
	}

	lr := wire.NewLineReader(bufio.NewReader(conn), wire.DefaultHeaderLimit)
	var res response
	for {
		line, err := lr.ReadLine()
		if err != nil {
			return response{}, err
		}
		if proto, code, ok := wire.ParseStatusLine(line); ok {
			res.proto, res.code = proto, code
			break
		}
	}
	if res.header, err = wire.ReadHeaderBlock(lr); err != nil {
		return response{}, err
	}
	return res, nil
}

// describe turns a transport error into text fit for a user.
func describe(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return msgRefused
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return msgTimeout
	case errors.Is(err, wire.ErrHeaderTooLarge), errors.Is(err, wire.ErrMalformedHeader):
		return msgMalformed
	}
	return err.Error()
}

func (p *Prober) finish(protocol, target string, res Result) Result {
	outcome := outcomeOK
	switch res.Error {
	case "":
	case msgAuthFailed:
		outcome = outcomeAuth
	case msgUnsupported:
		outcome = outcomeNotFound
	default:
		outcome = outcomeError
	}
	p.metrics.IncProbeResults(protocol, outcome)

	log := p.log.With(slog.String("protocol", protocol), slog.String("url", target))
	if res.Error != "" {
		log.Info("camera probe failed", slog.String("error", res.Error))
	} else {
		log.Info("camera probe succeeded", slog.Int("capabilities", len(res.Cameras)))
	}
	return res
}

// parseTarget validates rawURL against the accepted schemes and fills in
// the default port.
func parseTarget(rawURL string, ports map[string]int) (*url.URL, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, "", errors.New(msgBadURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	def, ok := ports[u.Scheme]
	if !ok {
		return nil, "", errors.New(msgBadScheme)
	}
	port := def
	if s := u.Port(); s != "" {
		if port, err = strconv.Atoi(s); err != nil {
			return nil, "", errors.New(msgBadURL)
		}
	}
	return u, net.JoinHostPort(u.Hostname(), strconv.Itoa(port)), nil
}

// redact drops credentials embedded in the URL before it is logged.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}

// MJPEG probes an HTTP(S) URL and reports whether it serves single JPEG
// images or a multipart MJPEG stream.
func (p *Prober) MJPEG(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u, addr, err := parseTarget(req.URL, map[string]int{"http": 80, "https": 443})
	if err != nil {
		return p.finish("mjpeg", req.URL, Result{Error: err.Error()})
	}
	target := redact(u)
	username, password := credentials(u, req)

	uri := u.RequestURI()
	var digest *wire.Digest
	authorization := ""
	var res response
	for attempt := 0; ; attempt++ {
		res, err = p.exchange(ctx, addr, u.Scheme == "https", wire.Request("GET", uri, "HTTP/1.0",
			"Host: "+u.Host,
			"User-Agent: "+userAgent,
			authHeader(authorization),
		))
		if err != nil {
			return p.finish("mjpeg", target, Result{Error: describe(err)})
		}
		if res.code != 401 {
			break
		}
		if attempt > 0 || username == "" {
			return p.finish("mjpeg", target, Result{Error: msgAuthFailed})
		}

		ch, err := wire.ParseChallenge(res.header.Get("Www-Authenticate"))
		if err != nil {
			return p.finish("mjpeg", target, Result{Error: msgAuthFailed})
		}
		switch ch.Scheme {
		case wire.SchemeBasic:
			authorization = wire.BasicAuthorization(username, password)
		case wire.SchemeDigest:
			if digest, err = wire.NewDigest(ch); err == nil {
				authorization, err = digest.Authorization("GET", uri, username, password)
			}
			if err != nil {
				return p.finish("mjpeg", target, Result{Error: msgAuthFailed})
			}
		default:
			return p.finish("mjpeg", target, Result{Error: msgAuthFailed})
		}
	}

	if res.code < 200 || res.code > 299 {
		return p.finish("mjpeg", target, Result{Error: msgUnsupported})
	}
	mediaType, _, _ := mime.ParseMediaType(res.header.Get("Content-Type"))
	switch {
	case mediaType == "image/jpeg" && req.AllowJPEG:
		return p.finish("mjpeg", target, Result{Cameras: []Capability{
			{ID: "1", Name: "JPEG Network Camera", KeepAlive: false},
		}})
	case mediaType == "multipart/x-mixed-replace":
		return p.finish("mjpeg", target, Result{Cameras: []Capability{
			{ID: "1", Name: "MJPEG Network Camera", KeepAlive: true},
		}})
	}
	return p.finish("mjpeg", target, Result{Error: msgUnsupported})
}

// RTSP probes an rtsp:// URL with OPTIONS and, on success, offers it over
// both TCP and UDP transports named after the server's identity.
func (p *Prober) RTSP(ctx context.Context, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	u, addr, err := parseTarget(req.URL, map[string]int{"rtsp": 554})
	if err != nil {
		return p.finish("rtsp", req.URL, Result{Error: err.Error()})
	}
	target := redact(u)
	username, password := credentials(u, req)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	requestURI := "rtsp://" + addr + path
	if u.RawQuery != "" {
		requestURI += "?" + u.RawQuery
	}

	authorization := ""
	var res response
	for attempt := 0; ; attempt++ {
		res, err = p.exchange(ctx, addr, false, wire.Request("OPTIONS", requestURI, "RTSP/1.0",
			"CSeq: 1",
			"User-Agent: "+userAgent,
			authHeader(authorization),
		))
		if err != nil {
			return p.finish("rtsp", target, Result{Error: describe(err)})
		}
		if res.code != 401 {
			break
		}
		if attempt > 0 || username == "" {
			return p.finish("rtsp", target, Result{Error: msgAuthFailed})
		}
		authorization = wire.BasicAuthorization(username, password)
	}

	if res.proto != "RTSP" || res.code != 200 {
		return p.finish("rtsp", target, Result{Error: msgUnsupported})
	}
	identity := strings.TrimSpace(res.header.Get("Server"))
	if identity != "" {
		identity += " "
	}
	return p.finish("rtsp", target, Result{Cameras: []Capability{
		{ID: "tcp", Name: identity + "RTSP/TCP Camera", KeepAlive: true},
		{ID: "udp", Name: identity + "RTSP/UDP Camera", KeepAlive: true},
	}})
}

func credentials(u *url.URL, req Request) (string, string) {
	if req.Username != "" {
		return req.Username, req.Password
	}
	if u.User != nil {
		password, _ := u.User.Password()
		return u.User.Username(), password
	}
	return "", ""
}

func authHeader(authorization string) string {
	if authorization == "" {
		return ""
	}
	return fmt.Sprintf("Authorization: %s", authorization)
}
