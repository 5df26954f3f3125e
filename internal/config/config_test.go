package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			modify:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "empty output folder",
			modify:      func(c *Config) { c.Recorder.OutputFolder = "" },
			expectError: true,
			errorMsg:    "output_folder cannot be empty",
		},
		{
			name:        "prefix with separator",
			modify:      func(c *Config) { c.Recorder.FilePrefix = "a/b" },
			expectError: true,
			errorMsg:    "file_prefix cannot contain path separators",
		},
		{
			name:        "invalid recorder bit depth",
			modify:      func(c *Config) { c.Recorder.BitDepth = 20 },
			expectError: true,
			errorMsg:    "bit_depth must be 0, 16, 24 or 32",
		},
		{
			name:        "device bit depth allowed",
			modify:      func(c *Config) { c.Recorder.BitDepth = 0 },
			expectError: false,
		},
		{
			name:        "threshold above one",
			modify:      func(c *Config) { c.Detection.RMSThreshold = 1.5 },
			expectError: true,
			errorMsg:    "rms_threshold must be between 0 and 1",
		},
		{
			name:        "zero silence length",
			modify:      func(c *Config) { c.Detection.SilenceLength = 0 },
			expectError: true,
			errorMsg:    "silence_length must be positive",
		},
		{
			name:        "negative debounce",
			modify:      func(c *Config) { c.Detection.DebounceBlocks = -1 },
			expectError: true,
			errorMsg:    "debounce_blocks cannot be negative",
		},
		{
			name:        "no workers",
			modify:      func(c *Config) { c.PostProcessing.Workers = 0 },
			expectError: true,
			errorMsg:    "workers must be at least 1",
		},
		{
			name:        "negative min chunk duration",
			modify:      func(c *Config) { c.PostProcessing.MinChunkDuration = -1 },
			expectError: true,
			errorMsg:    "min_chunk_duration cannot be negative",
		},
		{
			name:        "unknown source",
			modify:      func(c *Config) { c.Device.Source = "alsa" },
			expectError: true,
			errorMsg:    "source must be 'synth', 'wav' or 'udp'",
		},
		{
			name:        "wav source without path",
			modify:      func(c *Config) { c.Device.Source = "wav" },
			expectError: true,
			errorMsg:    "wav path cannot be empty",
		},
		{
			name: "invalid udp port",
			modify: func(c *Config) {
				c.Device.Source = "udp"
				c.Device.UDP.Port = 70000
			},
			expectError: true,
			errorMsg:    "udp port must be between 1 and 65535",
		},
		{
			name:        "sample rate too low",
			modify:      func(c *Config) { c.Device.SampleRate = 4000 },
			expectError: true,
			errorMsg:    "sample_rate must be between 8000 and 384000 Hz",
		},
		{
			name:        "block size too large",
			modify:      func(c *Config) { c.Device.BlockSize = 16384 },
			expectError: true,
			errorMsg:    "block_size must be between 16 and 8192 frames",
		},
		{
			name: "invalid http port when enabled",
			modify: func(c *Config) {
				c.HTTP.Port = 0
			},
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "invalid http port ignored when disabled",
			modify: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
			expectError: false,
		},
		{
			name:        "notify without endpoint",
			modify:      func(c *Config) { c.Notify.Enabled = true },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name:        "catalog without path",
			modify:      func(c *Config) { c.Catalog.Path = "" },
			expectError: true,
			errorMsg:    "path cannot be empty when the catalog is enabled",
		},
		{
			name:        "invalid logging level",
			modify:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:        "invalid logging format",
			modify:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
			errorMsg:    "format must be 'json', 'text' or 'auto'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.modify(config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configContent := `recorder:
  output_folder: "/data/takes"
  file_prefix: "Take"
  bit_depth: 16

detection:
  rms_threshold: 0.02
  silence_length: 1.5

post_processing:
  trim: false
  min_chunk_duration: 0.5

device:
  source: "udp"
  sample_rate: 48000
  channels: 1
  udp:
    port: 5555

notify:
  enabled: true
  endpoint: "http://localhost:9000/segments"
  timeout: 5

logging:
  level: "debug"
  format: "text"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Recorder.OutputFolder != "/data/takes" {
		t.Errorf("Expected output folder /data/takes, got %s", config.Recorder.OutputFolder)
	}
	if config.Recorder.FilePrefix != "Take" {
		t.Errorf("Expected prefix Take, got %s", config.Recorder.FilePrefix)
	}
	if config.Recorder.Format != "wav" {
		t.Errorf("Expected default format wav, got %s", config.Recorder.Format)
	}
	if config.Detection.RMSThreshold != 0.02 {
		t.Errorf("Expected threshold 0.02, got %f", config.Detection.RMSThreshold)
	}
	if config.PostProcessing.Trim {
		t.Errorf("Expected trim disabled")
	}
	if !config.PostProcessing.Normalize {
		t.Errorf("Expected normalize to keep its default")
	}
	if config.Device.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", config.Device.SampleRate)
	}
	if config.Device.UDP.Port != 5555 {
		t.Errorf("Expected udp port 5555, got %d", config.Device.UDP.Port)
	}
	if config.Device.UDP.BufferSize != 65536 {
		t.Errorf("Expected default udp buffer size 65536, got %d", config.Device.UDP.BufferSize)
	}
	if config.Notify.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", config.Notify.MaxRetries)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected logging level debug, got %s", config.Logging.Level)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tempDir := t.TempDir()

	if _, err := Load(filepath.Join(tempDir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	badYAML := filepath.Join(tempDir, "bad.yaml")
	if err := os.WriteFile(badYAML, []byte("recorder: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := Load(badYAML); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	invalid := filepath.Join(tempDir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("detection:\n  silence_length: -1\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	_, err := Load(invalid)
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}

	if config.Recorder.FilePrefix != "Tune" {
		t.Errorf("Expected prefix Tune, got %s", config.Recorder.FilePrefix)
	}
	if config.Detection.RMSThreshold != 0.01 {
		t.Errorf("Expected threshold 0.01, got %f", config.Detection.RMSThreshold)
	}
	if config.Detection.GetSilenceLength() != 3*time.Second {
		t.Errorf("Expected silence length 3s, got %v", config.Detection.GetSilenceLength())
	}
}

func TestDurationGetters(t *testing.T) {
	detection := DetectionConfig{SilenceLength: 1.5}
	if got := detection.GetSilenceLength(); got != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %v", got)
	}

	post := PostProcessingConfig{MinChunkDuration: 0.25}
	if got := post.GetMinChunkDuration(); got != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", got)
	}

	notify := NotifyConfig{Timeout: 7}
	if got := notify.GetTimeoutDuration(); got != 7*time.Second {
		t.Errorf("Expected 7s, got %v", got)
	}
}

func TestCatalogPath(t *testing.T) {
	tests := []struct {
		path     string
		output   string
		expected string
	}{
		{".catalog.db", "/rec", filepath.Join("/rec", ".catalog.db")},
		{"/var/lib/catalog.db", "/rec", "/var/lib/catalog.db"},
		{":memory:", "/rec", ":memory:"},
	}

	for _, tt := range tests {
		c := CatalogConfig{Enabled: true, Path: tt.path}
		if got := c.GetPath(tt.output); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestLoggingIsFile(t *testing.T) {
	for output, expected := range map[string]bool{
		"stdout":           false,
		"stderr":           false,
		"/var/log/rec.log": true,
	} {
		l := LoggingConfig{Output: output}
		if got := l.IsFile(); got != expected {
			t.Errorf("IsFile(%s): expected %v, got %v", output, expected, got)
		}
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Expected example config to load, got %v", err)
	}

	if cfg.Device.Source != "udp" {
		t.Errorf("Expected udp source, got %s", cfg.Device.Source)
	}
	if cfg.Notify.Enabled {
		t.Error("Expected notifications disabled in the example")
	}
	if cfg.Detection.GetSilenceLength().Seconds() != 3 {
		t.Errorf("Expected 3s silence length, got %s", cfg.Detection.GetSilenceLength())
	}
}
