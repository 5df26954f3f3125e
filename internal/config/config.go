package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete recorder configuration
type Config struct {
	Recorder       RecorderConfig       `yaml:"recorder"`
	Detection      DetectionConfig      `yaml:"detection"`
	PostProcessing PostProcessingConfig `yaml:"post_processing"`
	Device         DeviceConfig         `yaml:"device"`
	HTTP           HTTPConfig           `yaml:"http"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Notify         NotifyConfig         `yaml:"notify"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// RecorderConfig contains segment file settings
type RecorderConfig struct {
	OutputFolder   string `yaml:"output_folder"`
	FilePrefix     string `yaml:"file_prefix"`
	Format         string `yaml:"format"`
	BitDepth       int    `yaml:"bit_depth"`       // 0 uses the device bit depth
	PreviewSeconds int    `yaml:"preview_seconds"` // waveform preview window
}

// DetectionConfig contains silence detection parameters
type DetectionConfig struct {
	RMSThreshold   float32 `yaml:"rms_threshold"`
	SilenceLength  float64 `yaml:"silence_length"` // seconds
	DebounceBlocks int     `yaml:"debounce_blocks"`
}

// PostProcessingConfig contains the stages run on finished segments
type PostProcessingConfig struct {
	Normalize         bool    `yaml:"normalize"`
	Trim              bool    `yaml:"trim"`
	RemoveShortChunks bool    `yaml:"remove_short_chunks"`
	MinChunkDuration  float64 `yaml:"min_chunk_duration"` // seconds
	Workers           int     `yaml:"workers"`
	QueueSize         int     `yaml:"queue_size"`
}

// DeviceConfig selects and configures the audio source
type DeviceConfig struct {
	Source         string      `yaml:"source"` // synth, wav or udp
	SampleRate     int         `yaml:"sample_rate"`
	Channels       int         `yaml:"channels"`
	OutputChannels int         `yaml:"output_channels"`
	BitDepth       int         `yaml:"bit_depth"`
	BlockSize      int         `yaml:"block_size"` // frames per callback
	Realtime       bool        `yaml:"realtime"`   // pace file and synth sources at the sample rate
	WAV            WAVConfig   `yaml:"wav"`
	UDP            UDPConfig   `yaml:"udp"`
	Synth          SynthConfig `yaml:"synth"`
}

// WAVConfig contains the file replay source settings
type WAVConfig struct {
	Path string `yaml:"path"`
}

// UDPConfig contains the network PCM source settings
type UDPConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	BufferSize  int    `yaml:"buffer_size"` // socket read buffer in bytes
	QueueSize   int    `yaml:"queue_size"`  // packets waiting for the capture goroutine
}

// SynthConfig contains the scripted test signal settings
type SynthConfig struct {
	Program   string  `yaml:"program"` // e.g. "sine:5s,silence:3s,sine:2s"
	Frequency float64 `yaml:"frequency"`
	Amplitude float64 `yaml:"amplitude"`
	Loop      bool    `yaml:"loop"`
}

// HTTPConfig contains status API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CatalogConfig contains the segment catalog settings
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // relative paths resolve against the output folder
}

// NotifyConfig contains segment webhook configuration
type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text or auto
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Recorder: RecorderConfig{
			OutputFolder:   "recordings",
			FilePrefix:     "Tune",
			Format:         "wav",
			BitDepth:       24,
			PreviewSeconds: 5,
		},
		Detection: DetectionConfig{
			RMSThreshold:  0.01,
			SilenceLength: 3,
		},
		PostProcessing: PostProcessingConfig{
			Normalize:         true,
			Trim:              true,
			RemoveShortChunks: true,
			MinChunkDuration:  1,
			Workers:           2,
			QueueSize:         64,
		},
		Device: DeviceConfig{
			Source:         "synth",
			SampleRate:     44100,
			Channels:       2,
			OutputChannels: 2,
			BitDepth:       24,
			BlockSize:      512,
			Realtime:       true,
			UDP: UDPConfig{
				BindAddress: "0.0.0.0",
				Port:        4444,
				BufferSize:  65536,
				QueueSize:   256,
			},
			Synth: SynthConfig{
				Program:   "sine:5s,silence:3s,sine:2s",
				Frequency: 440,
				Amplitude: 0.5,
			},
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Catalog: CatalogConfig{
			Enabled: true,
			Path:    ".collectionrecorder.db",
		},
		Notify: NotifyConfig{
			Timeout:       10,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads and parses the configuration file over the defaults.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	if err := c.Detection.Validate(); err != nil {
		return fmt.Errorf("detection config: %w", err)
	}

	if err := c.PostProcessing.Validate(); err != nil {
		return fmt.Errorf("post_processing config: %w", err)
	}

	if err := c.Device.Validate(); err != nil {
		return fmt.Errorf("device config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates recorder configuration
func (r *RecorderConfig) Validate() error {
	if r.OutputFolder == "" {
		return fmt.Errorf("output_folder cannot be empty")
	}

	if r.Format == "" {
		return fmt.Errorf("format cannot be empty")
	}

	if strings.ContainsAny(r.FilePrefix, `/\`) {
		return fmt.Errorf("file_prefix cannot contain path separators, got '%s'", r.FilePrefix)
	}

	switch r.BitDepth {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("bit_depth must be 0, 16, 24 or 32, got %d", r.BitDepth)
	}

	if r.PreviewSeconds < 1 {
		return fmt.Errorf("preview_seconds must be at least 1, got %d", r.PreviewSeconds)
	}

	return nil
}

// Validate validates detection configuration
func (d *DetectionConfig) Validate() error {
	if d.RMSThreshold < 0 || d.RMSThreshold > 1 {
		return fmt.Errorf("rms_threshold must be between 0 and 1, got %f", d.RMSThreshold)
	}

	if d.SilenceLength <= 0 {
		return fmt.Errorf("silence_length must be positive, got %f", d.SilenceLength)
	}

	if d.DebounceBlocks < 0 {
		return fmt.Errorf("debounce_blocks cannot be negative, got %d", d.DebounceBlocks)
	}

	return nil
}

// Validate validates post-processing configuration
func (p *PostProcessingConfig) Validate() error {
	if p.MinChunkDuration < 0 {
		return fmt.Errorf("min_chunk_duration cannot be negative, got %f", p.MinChunkDuration)
	}

	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}

	if p.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", p.QueueSize)
	}

	return nil
}

// Validate validates device configuration
func (d *DeviceConfig) Validate() error {
	if d.SampleRate < 8000 || d.SampleRate > 384000 {
		return fmt.Errorf("sample_rate must be between 8000 and 384000 Hz, got %d", d.SampleRate)
	}

	if d.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", d.Channels)
	}

	if d.OutputChannels < 0 {
		return fmt.Errorf("output_channels cannot be negative, got %d", d.OutputChannels)
	}

	switch d.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("bit_depth must be 16, 24 or 32, got %d", d.BitDepth)
	}

	if d.BlockSize < 16 || d.BlockSize > 8192 {
		return fmt.Errorf("block_size must be between 16 and 8192 frames, got %d", d.BlockSize)
	}

	switch d.Source {
	case "synth":
		if d.Synth.Program == "" {
			return fmt.Errorf("synth program cannot be empty")
		}
		if d.Synth.Frequency <= 0 {
			return fmt.Errorf("synth frequency must be positive, got %f", d.Synth.Frequency)
		}
		if d.Synth.Amplitude < 0 || d.Synth.Amplitude > 1 {
			return fmt.Errorf("synth amplitude must be between 0 and 1, got %f", d.Synth.Amplitude)
		}
	case "wav":
		if d.WAV.Path == "" {
			return fmt.Errorf("wav path cannot be empty")
		}
	case "udp":
		if d.UDP.Port < 1 || d.UDP.Port > 65535 {
			return fmt.Errorf("udp port must be between 1 and 65535, got %d", d.UDP.Port)
		}
		if d.UDP.BindAddress == "" {
			return fmt.Errorf("udp bind_address cannot be empty")
		}
		if d.UDP.BufferSize < 1024 {
			return fmt.Errorf("udp buffer_size must be at least 1024 bytes, got %d", d.UDP.BufferSize)
		}
		if d.UDP.QueueSize < 1 {
			return fmt.Errorf("udp queue_size must be at least 1, got %d", d.UDP.QueueSize)
		}
	default:
		return fmt.Errorf("source must be 'synth', 'wav' or 'udp', got '%s'", d.Source)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates catalog configuration
func (c *CatalogConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("path cannot be empty when the catalog is enabled")
	}
	return nil
}

// Validate validates notification configuration
func (n *NotifyConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when notifications are enabled")
	}

	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}

	if n.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", n.MaxRetries)
	}

	if n.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", n.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'auto', got '%s'", l.Format)
	}

	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}

	return nil
}

// IsFile reports whether logs go to a file rather than a standard stream
func (l *LoggingConfig) IsFile() bool {
	return l.Output != "stdout" && l.Output != "stderr"
}

// GetSilenceLength returns the silence length as a time.Duration
func (d *DetectionConfig) GetSilenceLength() time.Duration {
	return time.Duration(d.SilenceLength * float64(time.Second))
}

// GetMinChunkDuration returns the minimum chunk duration as a time.Duration
func (p *PostProcessingConfig) GetMinChunkDuration() time.Duration {
	return time.Duration(p.MinChunkDuration * float64(time.Second))
}

// GetTimeoutDuration returns the notification timeout as a time.Duration
func (n *NotifyConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

// GetPath returns the catalog path, resolved against outputFolder when relative
func (c *CatalogConfig) GetPath(outputFolder string) string {
	if filepath.IsAbs(c.Path) || c.Path == ":memory:" {
		return c.Path
	}
	return filepath.Join(outputFolder, c.Path)
}

// GetAddress returns the HTTP listen address
func (h *HTTPConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}
