/*
Package config loads the compositor configuration: a TOML file overridden by
command-line flags, with a file watcher that re-applies the tuning section on
change without a restart.
*/
package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/prisma/compositor/core"
)

// Config is the full compositor configuration.
type Config struct {
	// Display selects the output monitor by index.
	Display int `toml:"display"`
	// DisplayName selects the output monitor by its reported name; when set
	// it takes precedence over the index.
	DisplayName string `toml:"display_name"`
	// RateHz overrides the nominal refresh rate; 0 means use the monitor's
	// reported mode.
	RateHz float64 `toml:"rate_hz"`

	// DaemonSocket is the device daemon's unix socket path.
	DaemonSocket string `toml:"daemon_socket"`
	// ControlSocket is where the broker listens for the client application.
	ControlSocket string `toml:"control_socket"`

	// Simulate replaces the device daemon with the in-process simulated one.
	Simulate bool `toml:"simulate"`
	// Validate enables the GPU validation layer.
	Validate bool `toml:"validate"`

	// ShaderDir holds the compiled SPIR-V binaries.
	ShaderDir string `toml:"shader_dir"`

	Tuning Tuning `toml:"tuning"`
}

// Tuning is the hot-reloadable section: the watcher re-applies these on file
// change while the compositor runs.
type Tuning struct {
	// ExposureOffsetUS is added to the daemon-reported display latency when
	// extrapolating poses, in microseconds.
	ExposureOffsetUS int64 `toml:"exposure_offset_us"`
	// Reprojection toggles time-warp.
	Reprojection bool `toml:"reprojection"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Display:       0,
		RateHz:        0,
		DaemonSocket:  "/run/prisma/daemon.sock",
		ControlSocket: "/run/prisma/compositor.sock",
		ShaderDir:     "assets/shaders",
		Tuning: Tuning{
			ExposureOffsetUS: 0,
			Reprojection:     true,
		},
	}
}

// Load reads path over the defaults. A missing file is a configuration error;
// pass an empty path to run on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		err := fmt.Errorf("cannot read config %q: %s: %w", path, err, core.ErrConfiguration)
		core.LogError(err.Error())
		return nil, err
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		err := fmt.Errorf("cannot parse config %q: %s: %w", path, err, core.ErrConfiguration)
		core.LogError(err.Error())
		return nil, err
	}
	return cfg, nil
}

// Watcher re-reads the config file on change and delivers the new tuning
// section.
type Watcher struct {
	fsnotify *fsnotify.Watcher
	done     chan struct{}
}

// Watch starts a watcher on path. onTuning runs on the watcher goroutine with
// each successfully re-parsed tuning section.
func Watch(path string, onTuning func(Tuning)) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatch.Add(path); err != nil {
		fsWatch.Close()
		return nil, fmt.Errorf("cannot watch config %q: %s: %w", path, err, core.ErrConfiguration)
	}

	w := &Watcher{
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}

	go func() {
		for {
			select {
			case e, ok := <-fsWatch.Events:
				if !ok {
					return
				}
				if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					// A half-written file parses badly; keep the old tuning
					// and wait for the next write.
					core.LogWarn("Config reload skipped: %s", err)
					continue
				}
				core.LogInfo("Config tuning reloaded from %s.", path)
				onTuning(cfg.Tuning)
			case err, ok := <-fsWatch.Errors:
				if !ok {
					return
				}
				core.LogWarn("Config watcher: %s", err)
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsnotify.Close()
}
