package tape

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
)

// Device is one observed tape mount.
type Device struct {
	MountPath string    `json:"mount_path"`
	TapeID    string    `json:"tape_id,omitempty"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// DeviceCache persists the last device scan so API reads do not touch the
// drive. Drive probes can take seconds when the cartridge is idle.
type DeviceCache struct {
	path   string
	writer *DriveWriter
}

// NewDeviceCache stores scan results under dataDir.
func NewDeviceCache(dataDir string, writer *DriveWriter) *DeviceCache {
	return &DeviceCache{
		path:   filepath.Join(dataDir, "devices.json"),
		writer: writer,
	}
}

// Refresh probes the drive and rewrites the cache file.
func (c *DeviceCache) Refresh(ctx context.Context) (*Device, error) {
	dev := &Device{
		MountPath: c.writer.mountPath,
		CheckedAt: time.Now(),
	}
	if id, err := c.writer.CurrentTapeID(); err == nil {
		dev.TapeID = id
		dev.Available = true
	} else {
		logger.Warn(ctx, "Tape drive probe failed",
			tag.Dir(c.writer.mountPath), tag.Error(err))
	}

	if err := c.save(dev); err != nil {
		return dev, err
	}
	logger.Debug(ctx, "Device cache refreshed",
		tag.Dir(dev.MountPath), tag.Status(statusOf(dev)))
	return dev, nil
}

// Load returns the cached scan without touching the drive, or nil when no
// scan has happened yet.
func (c *DeviceCache) Load() (*Device, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		return nil, err
	}
	return &dev, nil
}

func (c *DeviceCache) save(dev *Device) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(dev, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func statusOf(dev *Device) string {
	if dev.Available {
		return "available"
	}
	return "unavailable"
}
