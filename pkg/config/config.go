// Package config provides configuration management for cortex.
// It loads configuration from YAML files with sensible defaults and allows a
// handful of CORTEX_* environment variables to override individual keys.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MrCodeEU/cortex/pkg/recognition"
	"gopkg.in/yaml.v3"
)

// Config holds all cortex configuration.
type Config struct {
	Camera       CameraConfig       `yaml:"camera"`
	Recognition  RecognitionConfig  `yaml:"recognition"`
	Enrollment   EnrollmentConfig   `yaml:"enrollment"`
	Actuation    ActuationConfig    `yaml:"actuation"`
	Server       ServerConfig       `yaml:"server"`
	Acceleration AccelerationConfig `yaml:"acceleration"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// CameraConfig holds capture device settings.
type CameraConfig struct {
	// Device is either a numeric index ("0") or a device path ("/dev/video0").
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// RecognitionConfig holds face model and matching settings.
type RecognitionConfig struct {
	Backend   string `yaml:"backend"` // "sface" or "dlib"
	ModelPath string `yaml:"model_path"`
	// Tolerance is the cosine similarity a match must reach. When unset
	// the backend's calibrated default applies.
	Tolerance          *float64 `yaml:"tolerance,omitempty"`
	Scale              float64  `yaml:"scale"`
	DetectionThreshold float64  `yaml:"detection_threshold"`
}

// EffectiveTolerance returns the configured tolerance or the backend default.
func (c *RecognitionConfig) EffectiveTolerance() float64 {
	if c.Tolerance != nil {
		return *c.Tolerance
	}
	return recognition.DefaultTolerance(c.Backend)
}

// EnrollmentConfig holds the enrolled image store location.
type EnrollmentConfig struct {
	Dir string `yaml:"dir"`
}

// ActuationConfig holds the unlock endpoint settings.
type ActuationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Target   string `yaml:"target"`
	Path     string `yaml:"path"`
	Cooldown int    `yaml:"cooldown"` // seconds
	Timeout  int    `yaml:"timeout"`  // seconds
}

// ServerConfig holds the query API listener settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AccelerationConfig selects the inference backend for the sface model.
type AccelerationConfig struct {
	Backend       string `yaml:"backend"` // auto, cpu, cuda, openvino
	FallbackToCPU bool   `yaml:"fallback_to_cpu"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Camera: CameraConfig{
			Device: "0",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Recognition: RecognitionConfig{
			Backend:            "sface",
			ModelPath:          filepath.Join(homeDir, ".local/share/cortex/models"),
			Scale:              0.25,
			DetectionThreshold: 0.9,
		},
		Enrollment: EnrollmentConfig{
			Dir: filepath.Join(homeDir, ".local/share/cortex/known_faces"),
		},
		Actuation: ActuationConfig{
			Enabled:  false,
			Target:   "192.168.1.50",
			Path:     "/unlock",
			Cooldown: 5,
			Timeout:  3,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Acceleration: AccelerationConfig{
			Backend:       "auto",
			FallbackToCPU: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/cortex/cortex.yaml"); err == nil {
		return Load("/etc/cortex/cortex.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/cortex/cortex.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overrides individual keys from CORTEX_* environment variables.
// Malformed numeric and boolean values are reported, not silently ignored.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("CORTEX_CAMERA_DEVICE", &c.Camera.Device)
	str("CORTEX_RECOGNITION_BACKEND", &c.Recognition.Backend)
	str("CORTEX_MODEL_PATH", &c.Recognition.ModelPath)
	str("CORTEX_ENROLLMENT_DIR", &c.Enrollment.Dir)
	str("CORTEX_ACTUATION_TARGET", &c.Actuation.Target)
	str("CORTEX_LISTEN", &c.Server.Listen)
	str("CORTEX_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("CORTEX_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CORTEX_TOLERANCE %q: %w", v, err)
		}
		c.Recognition.Tolerance = &f
	}
	if v := os.Getenv("CORTEX_ACTUATION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CORTEX_ACTUATION_ENABLED %q: %w", v, err)
		}
		c.Actuation.Enabled = b
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 240 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	switch c.Recognition.Backend {
	case "sface", "dlib":
	default:
		return fmt.Errorf("invalid recognition backend: %s (must be sface or dlib)", c.Recognition.Backend)
	}
	if t := c.Recognition.Tolerance; t != nil && (*t < -1 || *t > 1) {
		return fmt.Errorf("tolerance must be a cosine similarity between -1 and 1, got %f", *t)
	}
	if c.Recognition.Scale <= 0 || c.Recognition.Scale > 1 {
		return fmt.Errorf("scale must be in (0, 1], got %f", c.Recognition.Scale)
	}
	if c.Recognition.DetectionThreshold < 0 || c.Recognition.DetectionThreshold > 1 {
		return fmt.Errorf("detection_threshold must be between 0 and 1, got %f", c.Recognition.DetectionThreshold)
	}

	if c.Enrollment.Dir == "" {
		return fmt.Errorf("enrollment dir must be set")
	}

	if c.Actuation.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %d", c.Actuation.Cooldown)
	}
	if c.Actuation.Timeout <= 0 {
		return fmt.Errorf("actuation timeout must be positive, got %d", c.Actuation.Timeout)
	}
	if c.Actuation.Path != "" && !strings.HasPrefix(c.Actuation.Path, "/") {
		return fmt.Errorf("actuation path must start with '/', got %q", c.Actuation.Path)
	}

	validBackends := map[string]bool{"auto": true, "cpu": true, "cuda": true, "openvino": true}
	if !validBackends[c.Acceleration.Backend] {
		return fmt.Errorf("invalid acceleration backend: %s (must be auto, cpu, cuda, or openvino)", c.Acceleration.Backend)
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Enrollment.Dir = ExpandPath(c.Enrollment.Dir)
	c.Logging.File = ExpandPath(c.Logging.File)
	if strings.HasPrefix(c.Camera.Device, "/") || strings.HasPrefix(c.Camera.Device, "~") {
		c.Camera.Device = ExpandPath(c.Camera.Device)
	}
}

// EnsureDirectories creates the enrollment, model and log directories.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Enrollment.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create enrollment directory: %w", err)
	}

	if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// FrameInterval returns the capture cadence derived from the configured FPS.
func (c *CameraConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 33 * time.Millisecond
	}
	return time.Second / time.Duration(c.FPS)
}

// CooldownDuration returns the actuation cooldown window.
func (c *ActuationConfig) CooldownDuration() time.Duration {
	return time.Duration(c.Cooldown) * time.Second
}

// TimeoutDuration returns the per-call actuation timeout.
func (c *ActuationConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
