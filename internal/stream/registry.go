package stream

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"motion-relay/internal/cameras"
	"motion-relay/internal/platform/metrics"
)

// Options configures the sessions a Registry opens.
type Options struct {
	// Host is the daemon's streaming address.
	Host        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	FPSSamples  int

	// InstabilityWindow is how close two erroneous closes must be for the
	// daemon to be considered unstable.
	InstabilityWindow time.Duration

	// OnInstability is called, in its own goroutine, when the daemon looks unstable.
	OnInstability func()
}

// Registry holds at most one live session per camera id.
type Registry struct {
	cameras cameras.Lookup
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	dial    DialFunc
	now     func() time.Time

	mu                 sync.Mutex
	sessions           map[int]*Session
	lastErroneousClose time.Time
	restartLimiter     *rate.Limiter
}

// NewRegistry creates a registry for the cameras in lookup. m may be nil.
func NewRegistry(lookup cameras.Lookup, opts Options, log *slog.Logger, m *metrics.Metrics) *Registry {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	window := opts.InstabilityWindow
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Registry{
		cameras:        lookup,
		opts:           opts,
		log:            log,
		metrics:        m,
		dial:           (&net.Dialer{}).DialContext,
		now:            time.Now,
		sessions:       make(map[int]*Session),
		restartLimiter: rate.NewLimiter(rate.Every(window), 1),
	}
}

// SetDialer replaces the function used to reach the daemon.
func (r *Registry) SetDialer(dial DialFunc) {
	r.mu.Lock()
	r.dial = dial
	r.mu.Unlock()
}

// SetClock replaces the registry's time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// session returns the live session for id, opening one if needed. The
// lookup and the insert happen under one lock so concurrent callers share
// a single session.
func (r *Registry) session(id int) (*Session, bool) {
	if !r.cameras.IsEnabled(id) || !r.cameras.IsLocal(id) {
		r.log.Error("frame requested for camera that is not an enabled local camera", slog.Int("camera_id", id))
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, true
	}

	username, password := r.cameras.Credentials(id)
	s := newSession(SessionConfig{
		CameraID:    id,
		Host:        r.opts.Host,
		Port:        r.cameras.StreamPort(id),
		Username:    username,
		Password:    password,
		AuthMode:    r.cameras.AuthMode(id),
		DialTimeout: r.opts.DialTimeout,
		ReadTimeout: r.opts.ReadTimeout,
		FPSSamples:  r.opts.FPSSamples,
	}, r.dial, r.now, r.log)
	s.onFrame = r.metrics.IncFrames
	s.onClose = r.sessionClosed
	r.sessions[id] = s
	s.start()

	r.log.Debug("stream session opened", slog.Int("camera_id", id), slog.Int("port", s.cfg.Port))
	return s, true
}

// GetFrame returns the most recent frame for id and records the access. It
// never blocks: a new session starts in the background and the first call
// returns no frame.
func (r *Registry) GetFrame(id int) ([]byte, bool) {
	s, ok := r.session(id)
	if !ok {
		return nil, false
	}
	s.touch(r.clock())
	frame := s.LastFrame()
	return frame, frame != nil
}

// Watch returns a channel closed when the next frame for id arrives or its
// session ends. It opens a session like GetFrame does.
func (r *Registry) Watch(id int) (<-chan struct{}, bool) {
	s, ok := r.session(id)
	if !ok {
		return nil, false
	}
	s.touch(r.clock())
	return s.Next(), true
}

// GetFPS reports the frame rate of the live session for id, or zero.
func (r *Registry) GetFPS(id int) float64 {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.FPS(r.clock())
}

// Has reports whether a session exists for id.
func (r *Registry) Has(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes and forgets the session for id.
func (r *Registry) Close(id int) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every session. With invalidate the registry is emptied at
// once and the instability history is forgotten, otherwise sessions drop
// out as their goroutines finish.
func (r *Registry) CloseAll(invalidate bool) {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	if invalidate {
		r.sessions = make(map[int]*Session)
		r.lastErroneousClose = time.Time{}
	}
	r.mu.Unlock()

	for _, s := range list {
		s.Close()
	}
	if len(list) > 0 {
		r.log.Debug("closed stream sessions", slog.Int("count", len(list)), slog.Bool("invalidate", invalidate))
	}
}

// snapshot returns the live sessions ordered by camera id.
func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].cfg.CameraID < list[j].cfg.CameraID })
	return list
}

func (r *Registry) closeSession(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.cfg.CameraID]; ok && cur == s {
		delete(r.sessions, s.cfg.CameraID)
	}
	r.mu.Unlock()
	s.Close()
}

func (r *Registry) clock() time.Time {
	r.mu.Lock()
	now := r.now
	r.mu.Unlock()
	return now()
}

// sessionClosed removes s and applies the instability heuristic: two
// erroneous closes other than a refused connection within the window mean
// the daemon is misbehaving.
func (r *Registry) sessionClosed(s *Session, err error) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.cfg.CameraID]; ok && cur == s {
		delete(r.sessions, s.cfg.CameraID)
	}
	now := r.now()
	unstable := false
	if err != nil && !errors.Is(err, ErrConnectionRefused) {
		window := r.opts.InstabilityWindow
		if !r.lastErroneousClose.IsZero() && window > 0 && now.Sub(r.lastErroneousClose) < window {
			unstable = true
		}
		r.lastErroneousClose = now
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.IncSessionErrors(errorKind(err))
	}
	if !unstable || r.opts.OnInstability == nil {
		return
	}
	if !r.restartLimiter.AllowN(now, 1) {
		r.log.Debug("daemon instability restart suppressed by rate limit")
		return
	}
	r.log.Error("stream sessions failing repeatedly, restarting daemon",
		slog.Int("camera_id", s.cfg.CameraID),
		slog.String("error", err.Error()))
	r.metrics.IncDaemonRestarts("instability")
	go r.opts.OnInstability()
}
