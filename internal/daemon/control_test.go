package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"motion-relay/internal/cameras"
)

func newControlServer(t *testing.T, status string, code int) (*httptest.Server, *[]string) {
	t.Helper()
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(code)
		io.WriteString(w, status)
	}))
	t.Cleanup(srv.Close)
	return srv, &paths
}

func controlCatalog(t *testing.T) *cameras.Catalog {
	return newCatalog(t,
		cameras.Camera{ID: 7, Enabled: true, StreamPort: 8087},
		cameras.Camera{ID: 2, Enabled: false, StreamPort: 8082},
		cameras.Camera{ID: 9, Enabled: true, Remote: true},
		cameras.Camera{ID: 3, Enabled: true, StreamPort: 8083},
	)
}

func TestClient_Index(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", time.Second, controlCatalog(t))

	tests := []struct {
		id      int
		want    int
		wantErr error
	}{
		{7, 1, nil},
		{3, 2, nil},
		{2, 0, ErrUnknownCamera},
		{9, 0, ErrUnknownCamera},
		{42, 0, ErrUnknownCamera},
	}
	for _, tt := range tests {
		got, err := c.Index(tt.id)
		if !errors.Is(err, tt.wantErr) || got != tt.want {
			t.Errorf("camera %d: expected %d, %v; got %d, %v", tt.id, tt.want, tt.wantErr, got, err)
		}
	}
}

func TestClient_GetMotionDetection(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		code    int
		want    bool
		wantErr error
	}{
		{"active", "Camera 2 Detection status ACTIVE\n", http.StatusOK, true, nil},
		{"paused", "Camera 2 Detection status PAUSE\n", http.StatusOK, false, nil},
		{"garbage", "hello", http.StatusOK, false, ErrUnexpectedResponse},
		{"server error", "", http.StatusInternalServerError, false, ErrUnexpectedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, paths := newControlServer(t, tt.body, tt.code)
			c := NewClient(srv.URL, time.Second, controlCatalog(t))

			got, err := c.GetMotionDetection(context.Background(), 3)
			if !errors.Is(err, tt.wantErr) || got != tt.want {
				t.Errorf("expected %v, %v; got %v, %v", tt.want, tt.wantErr, got, err)
			}
			if len(*paths) != 1 || (*paths)[0] != "/2/detection/status" {
				t.Errorf("unexpected requests %v", *paths)
			}
		})
	}
}

func TestClient_SetMotionDetection(t *testing.T) {
	srv, paths := newControlServer(t, "Done\n", http.StatusOK)
	c := NewClient(srv.URL, time.Second, controlCatalog(t))

	if err := c.SetMotionDetection(context.Background(), 7, true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetMotionDetection(context.Background(), 3, false); err != nil {
		t.Fatal(err)
	}
	want := []string{"/1/detection/start", "/2/detection/pause"}
	if len(*paths) != 2 || (*paths)[0] != want[0] || (*paths)[1] != want[1] {
		t.Errorf("expected %v, got %v", want, *paths)
	}
}

func TestClient_TakeSnapshot(t *testing.T) {
	srv, paths := newControlServer(t, "Done\n", http.StatusOK)
	c := NewClient(srv.URL, time.Second, controlCatalog(t))

	if err := c.TakeSnapshot(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if len(*paths) != 1 || (*paths)[0] != "/2/action/snapshot" {
		t.Errorf("unexpected requests %v", *paths)
	}
}

func TestClient_unknownCameraSendsNothing(t *testing.T) {
	srv, paths := newControlServer(t, "Done\n", http.StatusOK)
	c := NewClient(srv.URL, time.Second, controlCatalog(t))

	if err := c.TakeSnapshot(context.Background(), 2); !errors.Is(err, ErrUnknownCamera) {
		t.Errorf("expected ErrUnknownCamera, got %v", err)
	}
	if len(*paths) != 0 {
		t.Errorf("expected no request, got %v", *paths)
	}
}

func TestClient_transportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewClient(url, time.Second, controlCatalog(t))

	if _, err := c.GetMotionDetection(context.Background(), 7); err == nil {
		t.Error("expected transport error")
	}
}
