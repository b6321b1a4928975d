// Package daemon supervises the motion capture daemon: it launches the
// process, tracks it through a PID file, stops it with an escalating
// signal ladder and talks to its control endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"motion-relay/internal/platform/metrics"
)

// Config holds the paths and timings used to run the daemon.
type Config struct {
	// Binary is an explicit path, or a name looked up in PATH. Empty means "motion".
	Binary     string
	ConfigPath string
	LogPath    string
	PIDPath    string
	WorkDir    string
	Debug      bool

	ControlURL     string
	ControlTimeout time.Duration

	EnableReboot bool

	PollInterval time.Duration
	StartPolls   int
	TermPolls    int
	KillPolls    int

	DetectionRetries    int
	DetectionRetryDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.Binary == "" {
		c.Binary = "motion"
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StartPolls <= 0 {
		c.StartPolls = 20
	}
	if c.TermPolls <= 0 {
		c.TermPolls = 50
	}
	if c.KillPolls <= 0 {
		c.KillPolls = 20
	}
	if c.DetectionRetries <= 0 {
		c.DetectionRetries = 5
	}
	if c.DetectionRetryDelay <= 0 {
		c.DetectionRetryDelay = time.Second
	}
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Binary  string `json:"binary,omitempty"`
	Version string `json:"version,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Running bool   `json:"running"`
	Started bool   `json:"started"`
}

var versionRe = regexp.MustCompile(`motion Version ([^,\s]+)`)

const versionTimeout = 5 * time.Second

// process is the child launched by this supervisor. exited is closed once
// the child has been reaped.
type process struct {
	pid    int
	exited chan struct{}
	state  *os.ProcessState
}

// Supervisor owns the lifecycle of the capture daemon.
type Supervisor struct {
	cfg      Config
	cameras  CameraList
	control  *Client
	log      *slog.Logger
	metrics  *metrics.Metrics
	rebooter Rebooter

	closeSessions func(invalidate bool)
	signal        func(pid int, sig syscall.Signal) error
	alive         func(pid int) bool

	mu      sync.Mutex
	started bool
	proc    *process

	lookupMu sync.Mutex
	binary   string
	version  string
	group    singleflight.Group
}

// New creates a supervisor. m may be nil.
func New(cfg Config, cameras CameraList, log *slog.Logger, m *metrics.Metrics) *Supervisor {
	cfg.setDefaults()
	s := &Supervisor{
		cfg:      cfg,
		cameras:  cameras,
		control:  NewClient(cfg.ControlURL, cfg.ControlTimeout, cameras),
		log:      log,
		metrics:  m,
		rebooter: CommandRebooter{},
		signal:   unix.Kill,
	}
	s.alive = s.processAlive
	return s
}

// SetSessionCloser registers the function that drops stream sessions before
// the daemon is stopped.
func (s *Supervisor) SetSessionCloser(fn func(invalidate bool)) {
	s.mu.Lock()
	s.closeSessions = fn
	s.mu.Unlock()
}

// SetRebooter replaces the reboot fallback.
func (s *Supervisor) SetRebooter(r Rebooter) {
	s.mu.Lock()
	s.rebooter = r
	s.mu.Unlock()
}

// Binary resolves the daemon executable. Successful lookups are cached.
func (s *Supervisor) Binary() (string, error) {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()
	if s.binary != "" {
		return s.binary, nil
	}

	name := s.cfg.Binary
	if strings.ContainsRune(name, filepath.Separator) {
		info, err := os.Stat(name)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
		}
		s.binary = name
		return name, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
	}
	s.binary = path
	return path, nil
}

// Version runs the binary with -h once and returns the version it reports.
func (s *Supervisor) Version() (string, error) {
	s.lookupMu.Lock()
	cached := s.version
	s.lookupMu.Unlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := s.group.Do("version", func() (interface{}, error) {
		bin, err := s.Binary()
		if err != nil {
			return "", err
		}
		ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
		defer cancel()
		// motion -h exits non-zero, so only the output matters.
		out, _ := exec.CommandContext(ctx, bin, "-h").CombinedOutput()
		m := versionRe.FindSubmatch(out)
		if m == nil {
			return "", fmt.Errorf("%w: no version in help output", ErrUnexpectedResponse)
		}
		version := string(m[1])
		s.lookupMu.Lock()
		s.version = version
		s.lookupMu.Unlock()
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Started reports whether the daemon was launched and not deliberately stopped.
func (s *Supervisor) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Running reports whether the process named in the PID file is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

// PID returns the process id from the PID file, or 0.
func (s *Supervisor) PID() int {
	pid, err := s.readPID()
	if err != nil {
		return 0
	}
	return pid
}

func (s *Supervisor) runningLocked() bool {
	pid, err := s.readPID()
	if err != nil {
		return false
	}
	return s.alive(pid)
}

// processAlive probes pid with signal 0. A child of ours that exited but was
// not reaped yet still answers, so the reaper's state is consulted first.
func (s *Supervisor) processAlive(pid int) bool {
	if p := s.proc; p != nil && p.pid == pid {
		select {
		case <-p.exited:
			return false
		default:
		}
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true
	case errors.Is(err, unix.EPERM):
		return true
	case errors.Is(err, unix.ESRCH), errors.Is(err, unix.ECHILD):
		return false
	}
	s.log.Warn("could not probe motion process", slog.Int("pid", pid), slog.String("error", err.Error()))
	return false
}

func (s *Supervisor) readPID() (int, error) {
	data, err := os.ReadFile(s.cfg.PIDPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", s.cfg.PIDPath)
	}
	return pid, nil
}

// Start launches the daemon unless it is already running or there is no
// enabled local camera for it to serve. Either way the supervisor takes
// charge of the daemon from here on, including one found running from an
// earlier relay process, and Check keeps it alive until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = true
	if s.runningLocked() {
		return nil
	}
	ids := s.cameras.LocalIDs()
	if len(ids) == 0 {
		s.log.Debug("no enabled local camera, not starting motion")
		return nil
	}

	bin, err := s.Binary()
	if err != nil {
		return err
	}
	if s.cfg.WorkDir != "" {
		if err := os.MkdirAll(s.cfg.WorkDir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
	}
	logFile, err := os.OpenFile(s.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open motion log: %w", err)
	}
	defer logFile.Close()

	level := "4"
	if s.cfg.Debug {
		level = "9"
	}
	cmd := exec.Command(bin, "-n", "-c", s.cfg.ConfigPath, "-d", level)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Dir = s.cfg.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s.log.Info("starting motion", slog.String("binary", bin), slog.String("config", s.cfg.ConfigPath))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start motion: %w", err)
	}

	p := &process{pid: cmd.Process.Pid, exited: make(chan struct{})}
	go func() {
		cmd.Wait()
		p.state = cmd.ProcessState
		close(p.exited)
	}()

	for i := 0; i < s.cfg.StartPolls; i++ {
		select {
		case <-p.exited:
			code := p.state.ExitCode()
			s.log.Error("motion exited during startup", slog.Int("exit_code", code), slog.String("log", s.cfg.LogPath))
			return &LaunchError{ExitCode: code}
		case <-ctx.Done():
			cmd.Process.Kill()
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}

	if err := os.WriteFile(s.cfg.PIDPath, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("write pid file: %w", err)
	}
	s.proc = p
	s.metrics.SetDaemonRunning(true)
	s.log.Info("motion started", slog.Int("pid", p.pid))

	go s.reconcileDetection(ids)
	return nil
}

// reconcileDetection pauses detection on cameras configured to start with it
// off. The daemon always starts with detection active and its control
// endpoint may take a moment to come up, so each camera is retried.
func (s *Supervisor) reconcileDetection(ids []int) {
	for _, id := range ids {
		if s.cameras.DetectionAtStart(id) {
			continue
		}
		var err error
		for attempt := 0; attempt < s.cfg.DetectionRetries; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ControlTimeout)
			err = s.control.SetMotionDetection(ctx, id, false)
			cancel()
			if err == nil || errors.Is(err, ErrUnknownCamera) {
				break
			}
			time.Sleep(s.cfg.DetectionRetryDelay)
		}
		if err != nil {
			s.log.Error("could not pause motion detection", slog.Int("camera_id", id), slog.String("error", err.Error()))
			continue
		}
		s.log.Debug("motion detection paused at start", slog.Int("camera_id", id))
	}
}

// Stop terminates the daemon: SIGTERM, then SIGKILL, then the reboot
// fallback. With invalidate, stream sessions are dropped first so the
// streaming ports are released.
func (s *Supervisor) Stop(ctx context.Context, invalidate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.runningLocked() {
		return nil
	}
	if invalidate && s.closeSessions != nil {
		s.closeSessions(true)
	}

	pid, err := s.readPID()
	if err != nil {
		return err
	}
	log := s.log.With(slog.Int("pid", pid))
	log.Info("stopping motion")

	if err := s.signal(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warn("could not send SIGTERM", slog.String("error", err.Error()))
	}
	if !s.waitExit(ctx, pid, s.cfg.TermPolls) {
		log.Warn("motion ignored SIGTERM, killing")
		if err := s.signal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Warn("could not send SIGKILL", slog.String("error", err.Error()))
		}
		if !s.waitExit(ctx, pid, s.cfg.KillPolls) {
			if s.cfg.EnableReboot && s.rebooter != nil {
				log.Error("motion survived SIGKILL, rebooting")
				return s.rebooter.Reboot(ctx)
			}
			log.Error("motion survived SIGKILL")
			return ErrShutdownFailed
		}
	}

	if err := os.Remove(s.cfg.PIDPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove pid file", slog.String("error", err.Error()))
	}
	s.started = false
	s.proc = nil
	s.metrics.SetDaemonRunning(false)
	log.Info("motion stopped")
	return nil
}

func (s *Supervisor) waitExit(ctx context.Context, pid int, polls int) bool {
	for i := 0; i < polls; i++ {
		if !s.alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.alive(pid)
		case <-time.After(s.cfg.PollInterval):
		}
	}
	return !s.alive(pid)
}

// Restart stops the daemon, dropping all sessions, and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx, true); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Check starts the daemon again if it was started and has since died.
func (s *Supervisor) Check(ctx context.Context) error {
	if !s.Started() {
		return nil
	}
	running := s.Running()
	s.metrics.SetDaemonRunning(running)
	if running || len(s.cameras.LocalIDs()) == 0 {
		return nil
	}
	s.log.Error("motion is not running, starting it again")
	s.metrics.IncDaemonRestarts("watchdog")
	return s.Start(ctx)
}

// Run performs one liveness check. It satisfies cron.Job.
func (s *Supervisor) Run() {
	if err := s.Check(context.Background()); err != nil {
		s.log.Error("motion watchdog failed", slog.String("error", err.Error()))
	}
}

// Status reports the daemon's binary, version and liveness.
func (s *Supervisor) Status() Status {
	st := Status{Started: s.Started(), Running: s.Running()}
	if bin, err := s.Binary(); err == nil {
		st.Binary = bin
	}
	if v, err := s.Version(); err == nil {
		st.Version = v
	}
	if st.Running {
		st.PID = s.PID()
	}
	return st
}

// GetMotionDetection reports whether detection is active for the camera.
func (s *Supervisor) GetMotionDetection(ctx context.Context, cameraID int) (bool, error) {
	enabled, err := s.control.GetMotionDetection(ctx, cameraID)
	if err != nil {
		s.log.Error("could not read motion detection status", slog.Int("camera_id", cameraID), slog.String("error", err.Error()))
	}
	return enabled, err
}

// SetMotionDetection resumes or pauses detection for the camera.
func (s *Supervisor) SetMotionDetection(ctx context.Context, cameraID int, enabled bool) error {
	err := s.control.SetMotionDetection(ctx, cameraID, enabled)
	if err != nil {
		s.log.Error("could not change motion detection", slog.Int("camera_id", cameraID), slog.Bool("enabled", enabled), slog.String("error", err.Error()))
		return err
	}
	s.log.Debug("motion detection changed", slog.Int("camera_id", cameraID), slog.Bool("enabled", enabled))
	return nil
}

// TakeSnapshot asks the daemon to save a snapshot for the camera.
func (s *Supervisor) TakeSnapshot(ctx context.Context, cameraID int) error {
	err := s.control.TakeSnapshot(ctx, cameraID)
	if err != nil {
		s.log.Error("could not take snapshot", slog.Int("camera_id", cameraID), slog.String("error", err.Error()))
	}
	return err
}
