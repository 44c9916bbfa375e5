package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPath is read when CAMSINK_CONFIG is not set.
const DefaultPath = "/etc/camsink/config.json"

type Device struct {
	Path        string `json:"path"`
	Facing      string `json:"facing"`
	Orientation int    `json:"orientation"`
}

type Config struct {
	Width         int      `json:"width"`
	Height        int      `json:"height"`
	Parameters    string   `json:"parameters"`
	ControlDevice string   `json:"control_device"`
	MaxOpeners    int      `json:"max_openers"`
	BlankFill     *int     `json:"blank_fill"`
	PidFile       string   `json:"pid_file"`
	LogLevel      string   `json:"log_level"`
	Devices       []Device `json:"devices"`
}

// Load reads the configuration file and fills in defaults. A missing or
// broken file is reported and the defaults are used.
func Load() *Config {
	path := os.Getenv("CAMSINK_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	conf, err := loadFromFile(path)
	if err != nil {
		slog.Warn("Failed to load config file", "path", path, "error", err)
	}
	if conf == nil {
		conf = &Config{}
	}
	conf.applyDefaults()
	return conf
}

func (conf *Config) applyDefaults() {
	if conf.Width <= 0 || conf.Height <= 0 {
		conf.Width = 1280
		conf.Height = 720
	}
	if conf.ControlDevice == "" {
		conf.ControlDevice = "/dev/v4l2loopback"
	}
	if conf.MaxOpeners <= 0 {
		conf.MaxOpeners = 32
	}
	if conf.BlankFill == nil {
		fill := 47
		conf.BlankFill = &fill
	}
	if conf.PidFile == "" {
		conf.PidFile = "/run/camsink.pid"
	}
	for i := range conf.Devices {
		switch conf.Devices[i].Orientation {
		case 0, 90, 180, 270:
		default:
			slog.Warn("Ignoring invalid orientation", "device", conf.Devices[i].Path, "orientation", conf.Devices[i].Orientation)
			conf.Devices[i].Orientation = 0
		}
	}
}

// Level returns the configured log level, info by default.
func (conf *Config) Level() slog.Level {
	switch strings.ToLower(conf.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Fill returns the byte value of the initial blank frame.
func (conf *Config) Fill() byte {
	return byte(*conf.BlankFill)
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	conf := &Config{}
	if err := json.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrapf(err, "Can not parse %s", path)
	}
	return conf, nil
}
