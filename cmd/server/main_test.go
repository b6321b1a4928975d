package main

import (
	"io"
	"log/slog"
	"testing"

	"motion-relay/internal/cameras"
	"motion-relay/internal/stream"
)

func TestSessionCloser(t *testing.T) {
	catalog, err := cameras.NewCatalog([]cameras.Camera{{ID: 1, Enabled: true, StreamPort: 8081}})
	if err != nil {
		t.Fatal(err)
	}
	registry := stream.NewRegistry(catalog, stream.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	motion := cameras.NewMotionFlags()
	closeSessions := sessionCloser(registry, motion)

	motion.Set(1, true)
	closeSessions(false)
	if !motion.Detected(1) {
		t.Error("expected motion flags to survive closing without invalidation")
	}

	closeSessions(true)
	if motion.Detected(1) {
		t.Error("expected motion flags cleared when the daemon is restarted")
	}
}
