package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	boundary = "motionrelayframe"

	// reconnectDelay spaces session reopen attempts while the daemon is down.
	reconnectDelay = time.Second
)

// StreamMJPEG handles GET /cameras/{camera_id}/mjpeg. Every frame cached for
// the camera is pushed to the client as one multipart part until the client
// goes away.
func (h *Handler) StreamMJPEG(w http.ResponseWriter, r *http.Request) {
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
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.log.With(slog.Int("camera_id", id))
	log.Debug("mjpeg client connected")
	defer log.Debug("mjpeg client disconnected")

	var last []byte
	for {
		frame, _ := h.frames.GetFrame(id)
		if len(frame) > 0 && !sameFrame(frame, last) {
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
			last = frame
		}

		select {
		case <-r.Context().Done():
			return
		case <-next:
		}

		if next, ok = h.frames.Watch(id); !ok {
			return
		}
		if current, ok := h.frames.GetFrame(id); !ok || sameFrame(current, last) {
			// Woken without a new frame: the session ended, or its replacement
			// has nothing yet. Back off so a dead daemon is not redialed in a loop.
			select {
			case <-r.Context().Done():
				return
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// sameFrame reports whether a and b are the same cached buffer. Cached
// frames are never mutated, so identity is enough.
func sameFrame(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return &a[0] == &b[0]
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
