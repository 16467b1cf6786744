package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the server. Values come from defaults, then an
// optional YAML file, then environment variables.
type Config struct {
	Addr            string        `yaml:"addr"`
	ReleaseMode     bool          `yaml:"release_mode"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Model ModelConfig `yaml:"model"`

	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxImageBytes  int64         `yaml:"max_image_bytes"`
	MaxImagePixels int64         `yaml:"max_image_pixels"`
}

// ModelConfig locates the pretrained artifacts and the ONNX runtime.
type ModelConfig struct {
	ID         string `yaml:"id"`
	Repo       string `yaml:"repo"`
	Revision   string `yaml:"revision"`
	Dir        string `yaml:"dir"`
	Download   bool   `yaml:"download"`
	BaseURL    string `yaml:"base_url"`
	ONNXLib    string `yaml:"onnx_lib"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
		Model: ModelConfig{
			ID:         "google/vit-base-patch16-224",
			Repo:       "Xenova/vit-base-patch16-224",
			Revision:   "main",
			Dir:        "models",
			Download:   true,
			BaseURL:    "https://huggingface.co",
			InputName:  "pixel_values",
			OutputName: "logits",
		},
		FetchTimeout:   30 * time.Second,
		MaxImageBytes:  10 << 20,
		MaxImagePixels: 40_000_000,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("ADDR", &c.Addr)
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	str("LOG_LEVEL", &c.LogLevel)
	if mode, ok := lookup("GIN_MODE"); ok {
		c.ReleaseMode = mode == "release"
	}

	str("MODEL_ID", &c.Model.ID)
	str("MODEL_REPO", &c.Model.Repo)
	str("MODEL_REVISION", &c.Model.Revision)
	str("MODEL_DIR", &c.Model.Dir)
	str("MODEL_BASE_URL", &c.Model.BaseURL)
	str("ONNX_LIB", &c.Model.ONNXLib)
	str("ONNX_INPUT", &c.Model.InputName)
	str("ONNX_OUTPUT", &c.Model.OutputName)

	if v, ok := lookup("MODEL_DOWNLOAD"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MODEL_DOWNLOAD: %w", err)
		}
		c.Model.Download = b
	}
	if v, ok := lookup("FETCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FETCH_TIMEOUT: %w", err)
		}
		c.FetchTimeout = d
	}
	if v, ok := lookup("SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}
	if v, ok := lookup("MAX_IMAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_IMAGE_BYTES: %w", err)
		}
		c.MaxImageBytes = n
	}
	if v, ok := lookup("MAX_IMAGE_PIXELS"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_IMAGE_PIXELS: %w", err)
		}
		c.MaxImagePixels = n
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr must not be empty")
	case c.Model.Dir == "":
		return errors.New("model.dir must not be empty")
	case c.Model.InputName == "" || c.Model.OutputName == "":
		return errors.New("model input and output names must not be empty")
	case c.Model.Download && (c.Model.Repo == "" || c.Model.BaseURL == ""):
		return errors.New("model.repo and model.base_url are required when download is enabled")
	case c.MaxImageBytes <= 0:
		return fmt.Errorf("max_image_bytes must be positive, got %d", c.MaxImageBytes)
	case c.MaxImagePixels <= 0:
		return fmt.Errorf("max_image_pixels must be positive, got %d", c.MaxImagePixels)
	case c.FetchTimeout < 0:
		return fmt.Errorf("fetch_timeout must not be negative, got %s", c.FetchTimeout)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}
