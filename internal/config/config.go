// Package config holds the small set of flags vstafsd needs at startup.
// There is no remote or live-reloadable configuration in this domain: mkfs,
// fsck and fsdb are offline tools that take their device path as a plain
// argument, and vstafsd itself only ever reads these flags once, at
// process start.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Daemon holds vstafsd's tunables, sized the way the buffer cache's
// CORESEC/NQIO constants were: a resident buffer cap and a bounded
// background queue depth.
type Daemon struct {
	DevicePath    string
	Direct        bool
	CacheCapacity int
	QIODepth      int
	SessionDBPath string
	LogLevel      string
}

// DefaultDaemon mirrors the ABC's own defaults (512 resident buffers, 32
// deep QIO queue).
func DefaultDaemon() Daemon {
	return Daemon{
		CacheCapacity: 512,
		QIODepth:      32,
		SessionDBPath: "vstafsd-admin.db",
		LogLevel:      "info",
	}
}

// BindFlags registers d's fields onto fs, for a cobra command's flag set.
func (d *Daemon) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&d.DevicePath, "device", d.DevicePath, "path to the filesystem image or block device")
	fs.BoolVar(&d.Direct, "direct", d.Direct, "open the device with O_DIRECT where supported")
	fs.IntVar(&d.CacheCapacity, "cache-capacity", d.CacheCapacity, "maximum resident buffers (CORESEC)")
	fs.IntVar(&d.QIODepth, "qio-depth", d.QIODepth, "depth of the background flush queue (NQIO)")
	fs.StringVar(&d.SessionDBPath, "session-db", d.SessionDBPath, "path to the admin/introspection bbolt database")
	fs.StringVar(&d.LogLevel, "log-level", d.LogLevel, "logrus level: debug, info, warn, error")
}

// Validate rejects settings that would make the daemon unable to start.
func (d *Daemon) Validate() error {
	if d.DevicePath == "" {
		return errors.New("config: --device is required")
	}
	if d.CacheCapacity <= 0 {
		return errors.New("config: --cache-capacity must be positive")
	}
	if d.QIODepth <= 0 {
		return errors.New("config: --qio-depth must be positive")
	}
	return nil
}
