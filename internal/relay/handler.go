package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"motion-relay/internal/cameras"
	"motion-relay/internal/daemon"
	"motion-relay/internal/probe"

	"github.com/go-chi/chi/v5"
)

// Frames is the frame cache the relay serves from.
type Frames interface {
	GetFrame(cameraID int) ([]byte, bool)
	Watch(cameraID int) (<-chan struct{}, bool)
	GetFPS(cameraID int) float64
}

// Daemon is the supervisor surface the relay exposes.
type Daemon interface {
	GetMotionDetection(ctx context.Context, cameraID int) (bool, error)
	SetMotionDetection(ctx context.Context, cameraID int, enabled bool) error
	TakeSnapshot(ctx context.Context, cameraID int) error
	Restart(ctx context.Context) error
	Status() daemon.Status
}

// Prober classifies camera URLs.
type Prober interface {
	MJPEG(ctx context.Context, req probe.Request) probe.Result
	RTSP(ctx context.Context, req probe.Request) probe.Result
}

// Handler exposes the relay HTTP endpoints using go-chi.
type Handler struct {
	frames    Frames
	daemon    Daemon
	probes    Prober
	motion    *cameras.MotionFlags
	log       *slog.Logger
	frameWait time.Duration
}

// NewHandler returns a Handler over the given collaborators. frameWait bounds
// how long a single-frame request waits for a freshly opened session.
func NewHandler(frames Frames, d Daemon, probes Prober, motion *cameras.MotionFlags, log *slog.Logger, frameWait time.Duration) *Handler {
	return &Handler{
		frames:    frames,
		daemon:    d,
		probes:    probes,
		motion:    motion,
		log:       log,
		frameWait: frameWait,
	}
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/cameras/{camera_id}", func(r chi.Router) {
		r.Get("/frame", h.GetFrame)
		r.Get("/mjpeg", h.StreamMJPEG)
		r.Get("/fps", h.GetFPS)
		r.Get("/detection", h.GetDetection)
		r.Put("/detection", h.SetDetection)
		r.Post("/snapshot", h.TakeSnapshot)
		r.Get("/motion_detected", h.GetMotionDetected)
		r.Put("/motion_detected", h.SetMotionDetected)
	})
	r.Get("/daemon", h.GetDaemon)
	r.Post("/daemon/restart", h.RestartDaemon)
	r.Post("/probe/mjpeg", h.ProbeMJPEG)
	r.Post("/probe/rtsp", h.ProbeRTSP)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func cameraID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "camera_id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// daemonError maps a control channel failure onto a response.
func (h *Handler) daemonError(w http.ResponseWriter, id int, err error) {
	if errors.Is(err, daemon.ErrUnknownCamera) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	h.log.Debug("motion control request failed", slog.Int("camera_id", id), slog.String("error", err.Error()))
	writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
}

// GetFrame handles GET /cameras/{camera_id}/frame. A camera without a
// current frame answers 204.
func (h *Handler) GetFrame(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	next, ok := h.frames.Watch(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	frame, ok := h.frames.GetFrame(id)
	if !ok && h.frameWait > 0 {
		timer := time.NewTimer(h.frameWait)
		defer timer.Stop()
		select {
		case <-next:
			frame, ok = h.frames.GetFrame(id)
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.WriteHeader(http.StatusOK)
	w.Write(frame)
}

// GetFPS handles GET /cameras/{camera_id}/fps.
func (h *Handler) GetFPS(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CameraID int     `json:"camera_id"`
		FPS      float64 `json:"fps"`
	}{id, h.frames.GetFPS(id)})
}

type detectionBody struct {
	Enabled *bool `json:"enabled"`
}

// GetDetection handles GET /cameras/{camera_id}/detection.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	enabled, err := h.daemon.GetMotionDetection(r.Context(), id)
	if err != nil {
		h.daemonError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, detectionBody{Enabled: &enabled})
}

// SetDetection handles PUT /cameras/{camera_id}/detection.
// Body: { "enabled": false }.
func (h *Handler) SetDetection(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body detectionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.daemon.SetMotionDetection(r.Context(), id, *body.Enabled); err != nil {
		h.daemonError(w, id, err)
		return
	}
	h.log.Info("motion detection changed", slog.Int("camera_id", id), slog.Bool("enabled", *body.Enabled))
	writeJSON(w, http.StatusOK, body)
}

// TakeSnapshot handles POST /cameras/{camera_id}/snapshot.
func (h *Handler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.daemon.TakeSnapshot(r.Context(), id); err != nil {
		h.daemonError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type motionBody struct {
	Detected *bool `json:"detected"`
}

// GetMotionDetected handles GET /cameras/{camera_id}/motion_detected.
func (h *Handler) GetMotionDetected(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	detected := h.motion.Detected(id)
	writeJSON(w, http.StatusOK, motionBody{Detected: &detected})
}

// SetMotionDetected handles PUT /cameras/{camera_id}/motion_detected, called
// from the daemon's event hooks. Body: { "detected": true }.
func (h *Handler) SetMotionDetected(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body motionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Detected == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.motion.Set(id, *body.Detected)
	h.log.Debug("motion detected flag set", slog.Int("camera_id", id), slog.Bool("detected", *body.Detected))
	w.WriteHeader(http.StatusNoContent)
}

// GetDaemon handles GET /daemon.
func (h *Handler) GetDaemon(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.daemon.Status())
}

// RestartDaemon handles POST /daemon/restart.
func (h *Handler) RestartDaemon(w http.ResponseWriter, r *http.Request) {
	h.log.Info("motion restart requested")
	if err := h.daemon.Restart(r.Context()); err != nil {
		h.log.Error("motion restart failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.daemon.Status())
}

// ProbeMJPEG handles POST /probe/mjpeg.
// Body: { "url": "http://cam/video", "username": "", "password": "", "allow_jpeg": true }.
func (h *Handler) ProbeMJPEG(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, h.probes.MJPEG)
}

// ProbeRTSP handles POST /probe/rtsp.
func (h *Handler) ProbeRTSP(w http.ResponseWriter, r *http.Request) {
	h.probe(w, r, h.probes.RTSP)
}

func (h *Handler) probe(w http.ResponseWriter, r *http.Request, run func(context.Context, probe.Request) probe.Result) {
	var req probe.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, run(r.Context(), req))
}
