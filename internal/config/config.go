package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DeviceKindCamera identifies devices that produce encoded video frames.
	DeviceKindCamera = "camera"
	// DeviceKindIMU identifies devices that produce inertial samples.
	DeviceKindIMU = "imu"
)

// Config is the fully resolved configuration for one protorec process
type Config struct {
	Devices   []DeviceConfig  `mapstructure:"devices" yaml:"devices"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Preview   PreviewConfig   `mapstructure:"preview" yaml:"preview"`
}

// DeviceConfig describes one attached sensor. The device list is read once
// at startup; it is not reloaded mid-session.
type DeviceConfig struct {
	ID         string                 `mapstructure:"id" yaml:"id"`
	Kind       string                 `mapstructure:"kind" yaml:"kind"`             // "camera", "imu"
	Element    string                 `mapstructure:"element" yaml:"element"`       // GStreamer source element (camera)
	Properties map[string]interface{} `mapstructure:"properties" yaml:"properties"` // element properties (camera)
	Path       string                 `mapstructure:"path" yaml:"path"`             // device node (imu)
	SampleRate int                    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Framerate  int                    `mapstructure:"framerate" yaml:"framerate"`
	Width      int                    `mapstructure:"width" yaml:"width"`
	Height     int                    `mapstructure:"height" yaml:"height"`
}

// RecordingConfig controls the recording target and the stop/fault policy
// thresholds. MinFreeGB and SetupTimeout are deployment policy, not behavior
// baked into the controller.
type RecordingConfig struct {
	Directory    string        `mapstructure:"directory" yaml:"directory"`
	MinFreeGB    float64       `mapstructure:"min_free_gb" yaml:"min_free_gb"`
	SetupTimeout time.Duration `mapstructure:"setup_timeout" yaml:"setup_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// PreviewConfig selects the camera used for the live preview endpoint.
type PreviewConfig struct {
	Device string `mapstructure:"device" yaml:"device"`
}

var defaultConfig = Config{
	Devices: []DeviceConfig{
		{ID: "rgb0", Kind: DeviceKindCamera, Element: "v4l2src", Framerate: 30, Width: 1280, Height: 720},
	},
	Recording: RecordingConfig{
		Directory:    filepath.Join(os.Getenv("HOME"), "protorec_recordings"),
		MinFreeGB:    0.5,
		SetupTimeout: 10 * time.Second,
		ReadTimeout:  2 * time.Second,
	},
	Preview: PreviewConfig{
		Device: "rgb0",
	},
}

// Load reads and validates the configuration file. An empty path falls back
// to built-in defaults so the tool remains usable without a config file.
func Load(configFile string) (*Config, error) {
	if configFile == "" {
		cfg := defaultConfig
		return &cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	// The default device list and preview selection only make sense
	// together; a config file supplies its own or does without.
	cfg := defaultConfig
	cfg.Devices = nil
	cfg.Preview.Device = ""
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configFile, err)
	}

	applyDefaults(&cfg)
	cfg.Recording.Directory = expandPath(cfg.Recording.Directory)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Recording.Directory == "" {
		cfg.Recording.Directory = defaultConfig.Recording.Directory
	}
	if cfg.Recording.MinFreeGB == 0 {
		cfg.Recording.MinFreeGB = defaultConfig.Recording.MinFreeGB
	}
	if cfg.Recording.SetupTimeout == 0 {
		cfg.Recording.SetupTimeout = defaultConfig.Recording.SetupTimeout
	}
	if cfg.Recording.ReadTimeout == 0 {
		cfg.Recording.ReadTimeout = defaultConfig.Recording.ReadTimeout
	}

	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		if d.Kind == DeviceKindCamera {
			if d.Framerate == 0 {
				d.Framerate = 30
			}
			if d.Width == 0 {
				d.Width = 1280
			}
			if d.Height == 0 {
				d.Height = 720
			}
		}
		if d.Kind == DeviceKindIMU && d.SampleRate == 0 {
			d.SampleRate = 100
		}
	}
}

// Validate checks the device list and preview selection for the mistakes
// that would otherwise only surface at session start.
func Validate(cfg *Config) error {
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	seen := make(map[string]bool)
	for _, d := range cfg.Devices {
		if d.ID == "" {
			return fmt.Errorf("device with empty id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id: %s", d.ID)
		}
		seen[d.ID] = true

		switch d.Kind {
		case DeviceKindCamera:
			if d.Element == "" {
				return fmt.Errorf("camera device '%s' has no source element", d.ID)
			}
		case DeviceKindIMU:
			if d.Path == "" {
				return fmt.Errorf("imu device '%s' has no device path", d.ID)
			}
			if d.SampleRate <= 0 {
				return fmt.Errorf("imu device '%s' has invalid sample_rate %d", d.ID, d.SampleRate)
			}
		default:
			return fmt.Errorf("unknown device kind '%s' for device '%s', should be either '%s' or '%s'",
				d.Kind, d.ID, DeviceKindCamera, DeviceKindIMU)
		}
	}

	if cfg.Recording.MinFreeGB < 0 {
		return fmt.Errorf("min_free_gb must not be negative")
	}
	if cfg.Recording.SetupTimeout <= 0 {
		return fmt.Errorf("setup_timeout must be positive")
	}

	if cfg.Preview.Device != "" {
		dev := cfg.DeviceByID(cfg.Preview.Device)
		if dev == nil {
			return fmt.Errorf("unknown preview device '%s', should be one of %v",
				cfg.Preview.Device, cfg.DeviceIDs())
		}
		if dev.Kind != DeviceKindCamera {
			return fmt.Errorf("preview device '%s' is not a camera, preview is only supported for cameras",
				cfg.Preview.Device)
		}
	}

	return nil
}

// DeviceByID returns the configuration for the named device, or nil.
func (c *Config) DeviceByID(id string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			return &c.Devices[i]
		}
	}
	return nil
}

// DeviceIDs returns the configured device ids in declaration order.
func (c *Config) DeviceIDs() []string {
	ids := make([]string, len(c.Devices))
	for i, d := range c.Devices {
		ids[i] = d.ID
	}
	return ids
}

// MinFreeBytes converts the configured low-space threshold to bytes.
func (c *RecordingConfig) MinFreeBytes() uint64 {
	return uint64(c.MinFreeGB * float64(1024*1024*1024))
}

// expandPath expands a leading tilde to the user's home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
