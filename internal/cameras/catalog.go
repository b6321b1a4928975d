// Package cameras is the read-only view of camera configuration used by the
// relay, the daemon supervisor and the stream sessions.
package cameras

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how a stream session authenticates against the daemon.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBasic  AuthMode = "basic"
	AuthDigest AuthMode = "digest"
)

// ParseAuthMode maps a config value onto AuthMode; empty and unknown values are AuthNone.
func ParseAuthMode(s string) AuthMode {
	switch AuthMode(strings.ToLower(strings.TrimSpace(s))) {
	case AuthBasic:
		return AuthBasic
	case AuthDigest:
		return AuthDigest
	default:
		return AuthNone
	}
}

// Lookup is the narrow capability stream sessions need from the configuration layer.
type Lookup interface {
	IsEnabled(id int) bool
	IsLocal(id int) bool
	StreamPort(id int) int
	Credentials(id int) (username, password string)
	AuthMode(id int) AuthMode
}

// Camera is one entry of the catalog file.
type Camera struct {
	ID         int    `yaml:"id"`
	Name       string `yaml:"name"`
	Enabled    bool   `yaml:"enabled"`
	Remote     bool   `yaml:"remote"`
	StreamPort int    `yaml:"stream_port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	AuthMode   string `yaml:"auth_mode"`
	// MotionDetection is the detection state the daemon should run with; nil means enabled.
	MotionDetection *bool `yaml:"motion_detection"`
}

type file struct {
	Cameras []Camera `yaml:"cameras"`
}

var (
	// ErrDuplicateCamera is returned when two entries share an id.
	ErrDuplicateCamera = errors.New("duplicate camera id")

	// ErrInvalidCamera is returned for entries with a non-positive id.
	ErrInvalidCamera = errors.New("invalid camera id")
)

// Catalog is a concurrency-safe, ordered set of cameras. Order matters: the
// capture daemon numbers its cameras by their position in this list.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	order   []int
	cameras map[int]Camera
}

// NewCatalog builds a catalog from an in-memory list.
func NewCatalog(list []Camera) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(list); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file the catalog was loaded from.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read camera catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse camera catalog %s: %w", c.path, err)
	}
	return c.Replace(f.Cameras)
}

// Replace swaps the whole catalog atomically.
func (c *Catalog) Replace(list []Camera) error {
	order := make([]int, 0, len(list))
	byID := make(map[int]Camera, len(list))
	for _, cam := range list {
		if cam.ID <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidCamera, cam.ID)
		}
		if _, dup := byID[cam.ID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateCamera, cam.ID)
		}
		byID[cam.ID] = cam
		order = append(order, cam.ID)
	}

	c.mu.Lock()
	c.order = order
	c.cameras = byID
	c.mu.Unlock()
	return nil
}

// Camera returns a copy of the entry for id.
func (c *Catalog) Camera(id int) (Camera, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cam, ok := c.cameras[id]
	return cam, ok
}

// IDs returns all camera ids in catalog order.
func (c *Catalog) IDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int(nil), c.order...)
}

// LocalIDs returns the enabled, locally managed cameras in catalog order.
// This is the list the daemon index is computed from.
func (c *Catalog) LocalIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.order))
	for _, id := range c.order {
		cam := c.cameras[id]
		if cam.Enabled && !cam.Remote {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsEnabled reports whether id is a configured camera that is switched on.
func (c *Catalog) IsEnabled(id int) bool {
	cam, ok := c.Camera(id)
	return ok && cam.Enabled
}

// IsLocal reports whether id is a camera served by the local daemon.
func (c *Catalog) IsLocal(id int) bool {
	cam, ok := c.Camera(id)
	return ok && !cam.Remote
}

// StreamPort returns the daemon's MJPEG port for id, or zero if unknown.
func (c *Catalog) StreamPort(id int) int {
	cam, _ := c.Camera(id)
	return cam.StreamPort
}

// Credentials returns the stream username and password for id.
func (c *Catalog) Credentials(id int) (string, string) {
	cam, _ := c.Camera(id)
	return cam.Username, cam.Password
}

// AuthMode returns how the stream of id expects to be authenticated.
func (c *Catalog) AuthMode(id int) AuthMode {
	cam, _ := c.Camera(id)
	return ParseAuthMode(cam.AuthMode)
}

// DetectionAtStart reports whether motion detection should stay active after
// the daemon starts.
func (c *Catalog) DetectionAtStart(id int) bool {
	cam, ok := c.Camera(id)
	if !ok || cam.MotionDetection == nil {
		return true
	}
	return *cam.MotionDetection
}
