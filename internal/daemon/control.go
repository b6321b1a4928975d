package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// CameraList is the part of the camera configuration the supervisor needs.
// LocalIDs must return enabled local cameras in the order the daemon
// numbers them.
type CameraList interface {
	LocalIDs() []int
	DetectionAtStart(id int) bool
}

// Client talks to the daemon's local control HTTP endpoint.
type Client struct {
	http    *resty.Client
	cameras CameraList
}

// NewClient creates a control client for the daemon listening at baseURL.
func NewClient(baseURL string, timeout time.Duration, cameras CameraList) *Client {
	return &Client{
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		cameras: cameras,
	}
}

// Index translates a camera id into the daemon's 1-based camera number. The
// number is the camera's position among enabled local cameras, so it shifts
// whenever that list changes.
func (c *Client) Index(cameraID int) (int, error) {
	for i, id := range c.cameras.LocalIDs() {
		if id == cameraID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownCamera, cameraID)
}

func (c *Client) get(ctx context.Context, cameraID int, path string) (string, error) {
	idx, err := c.Index(cameraID)
	if err != nil {
		return "", err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("index", fmt.Sprint(idx)).
		Get("/{index}/" + path)
	if err != nil {
		return "", fmt.Errorf("motion control %s: %w", path, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %s returned %d", ErrUnexpectedResponse, path, resp.StatusCode())
	}
	return resp.String(), nil
}

// GetMotionDetection reports whether detection is active for the camera.
func (c *Client) GetMotionDetection(ctx context.Context, cameraID int) (bool, error) {
	body, err := c.get(ctx, cameraID, "detection/status")
	if err != nil {
		return false, err
	}
	switch {
	case strings.Contains(body, "ACTIVE"):
		return true, nil
	case strings.Contains(body, "PAUSE"):
		return false, nil
	}
	return false, fmt.Errorf("%w: detection status %q", ErrUnexpectedResponse, strings.TrimSpace(body))
}

// SetMotionDetection resumes or pauses detection for the camera.
func (c *Client) SetMotionDetection(ctx context.Context, cameraID int, enabled bool) error {
	action := "detection/pause"
	if enabled {
		action = "detection/start"
	}
	_, err := c.get(ctx, cameraID, action)
	return err
}

// TakeSnapshot asks the daemon to save a snapshot for the camera.
func (c *Client) TakeSnapshot(ctx context.Context, cameraID int) error {
	_, err := c.get(ctx, cameraID, "action/snapshot")
	return err
}
