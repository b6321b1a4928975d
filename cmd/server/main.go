package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"motion-relay/internal/cameras"
	"motion-relay/internal/daemon"
	"motion-relay/internal/platform/config"
	"motion-relay/internal/platform/logger"
	"motion-relay/internal/platform/metrics"
	"motion-relay/internal/probe"
	"motion-relay/internal/relay"
	"motion-relay/internal/stream"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
)

const (
	shutdownTimeout = 10 * time.Second
	dialTimeout     = 5 * time.Second
	firstFrameWait  = 2 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8765")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	camerasFile := config.GetEnv("CAMERAS_FILE", "cameras.yaml")
	confPath := config.GetEnv("CONF_PATH", "./run")
	streamHost := config.GetEnv("STREAM_HOST", "127.0.0.1")
	controlPort := config.GetEnvInt("MOTION_CONTROL_PORT", 7999)
	restartOnErrors := config.GetEnvBool("MOTION_RESTART_ON_ERRORS", false)
	clientTimeout := config.GetEnvDuration("MJPG_CLIENT_TIMEOUT", 10*time.Second)
	idleTimeout := config.GetEnvDuration("MJPG_CLIENT_IDLE_TIMEOUT", 10*time.Second)
	gcInterval := config.GetEnvDuration("GC_INTERVAL", 10*time.Second)
	watchdogInterval := config.GetEnvDuration("WATCHDOG_INTERVAL", 10*time.Second)

	log := logger.New(logLevel, logFormat)

	catalog, err := cameras.LoadFile(camerasFile)
	if err != nil {
		log.Error("load cameras", "path", camerasFile, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	motion := cameras.NewMotionFlags()

	var supervisor *daemon.Supervisor
	registry := stream.NewRegistry(catalog, stream.Options{
		Host:              streamHost,
		DialTimeout:       dialTimeout,
		ReadTimeout:       3 * clientTimeout,
		InstabilityWindow: clientTimeout,
		OnInstability: func() {
			if err := supervisor.Restart(context.Background()); err != nil {
				log.Error("motion restart failed", "error", err)
			}
		},
	}, log, met)

	supervisor = daemon.New(daemon.Config{
		Binary:         config.GetEnv("MOTION_BINARY", "motion"),
		ConfigPath:     config.GetEnv("MOTION_CONFIG_PATH", filepath.Join(confPath, "motion.conf")),
		LogPath:        config.GetEnv("MOTION_LOG_PATH", filepath.Join(confPath, "motion.log")),
		PIDPath:        config.GetEnv("MOTION_PID_PATH", filepath.Join(confPath, "motion.pid")),
		WorkDir:        confPath,
		Debug:          logger.ParseLevel(logLevel) <= slog.LevelDebug,
		ControlURL:     fmt.Sprintf("http://%s", net.JoinHostPort("127.0.0.1", fmt.Sprint(controlPort))),
		ControlTimeout: dialTimeout,
		EnableReboot:   config.GetEnvBool("ENABLE_REBOOT", false),
	}, catalog, log, met)
	supervisor.SetSessionCloser(sessionCloser(registry, motion))

	collector := stream.NewCollector(registry, supervisor, stream.CollectorConfig{
		FrameTimeout:    clientTimeout,
		IdleTimeout:     idleTimeout,
		RestartOnErrors: restartOnErrors,
	}, log, met)

	cronLog := &logger.CronLogger{Logger: log}
	jobs := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	if gcInterval > 0 {
		if _, err := jobs.AddJob(fmt.Sprintf("@every %s", gcInterval), collector); err != nil {
			log.Error("schedule stream gc", "error", err)
			os.Exit(1)
		}
	}
	if watchdogInterval > 0 {
		if _, err := jobs.AddJob(fmt.Sprintf("@every %s", watchdogInterval), supervisor); err != nil {
			log.Error("schedule motion watchdog", "error", err)
			os.Exit(1)
		}
	}

	if err := supervisor.Start(context.Background()); err != nil {
		log.Error("motion failed to start", "error", err)
	}
	jobs.Start()

	h := relay.NewHandler(registry, supervisor, probe.New(log, met), motion, log, firstFrameWait)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(registry.Len())
			met.SetDaemonRunning(supervisor.Running())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	// MJPEG clients never finish on their own; cancelling the base context
	// ends them so Shutdown can drain.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	addr := ":" + port
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"cameras", len(catalog.IDs()),
		"local_cameras", len(catalog.LocalIDs()),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		if err := catalog.Reload(); err != nil {
			log.Error("reload cameras", "path", camerasFile, "error", err)
			continue
		}
		log.Info("cameras reloaded, restarting motion", "local_cameras", len(catalog.LocalIDs()))
		if err := supervisor.Restart(context.Background()); err != nil {
			log.Error("motion restart failed", "error", err)
		}
	}

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	<-jobs.Stop().Done()
	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := supervisor.Stop(ctx, true); err != nil {
		log.Error("motion stop failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// sessionCloser drops the stream sessions when the daemon goes down. On a
// restart the motion flags go too: event hooks of the stopped daemon will
// never report the end of motion.
func sessionCloser(registry *stream.Registry, motion *cameras.MotionFlags) func(invalidate bool) {
	return func(invalidate bool) {
		registry.CloseAll(invalidate)
		if invalidate {
			motion.Clear()
		}
	}
}
