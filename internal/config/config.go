package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Recording     RecordingConfig     `yaml:"recording"`
	Storage       StorageConfig       `yaml:"storage"`
	Silence       SilenceConfig       `yaml:"silence"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Interrupts    InterruptsConfig    `yaml:"interrupts"`
	HTTP          HTTPConfig          `yaml:"http"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// RecordingConfig contains capture and chunking parameters
type RecordingConfig struct {
	SampleRate      int          `yaml:"sample_rate"`
	Channels        int          `yaml:"channels"`
	BitDepth        int          `yaml:"bit_depth"`
	ChunkSeconds    int          `yaml:"chunk_seconds"`
	OverlapMs       int          `yaml:"overlap_ms"`
	ReadBufferSize  int          `yaml:"read_buffer_size"`
	RotationCheckMs int          `yaml:"rotation_check_ms"`
	Source          SourceConfig `yaml:"source"`
}

// SourceConfig selects the external capture command
type SourceConfig struct {
	Command string   `yaml:"command"` // arecord or ffmpeg
	Device  string   `yaml:"device"`
	Args    []string `yaml:"args"`
}

// StorageConfig contains filesystem and database locations and free space thresholds
type StorageConfig struct {
	RecordingsDir    string `yaml:"recordings_dir"`
	Database         string `yaml:"database"`
	MinStartFreeMB   int    `yaml:"min_start_free_mb"`
	MinRuntimeFreeMB int    `yaml:"min_runtime_free_mb"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
}

// SilenceConfig contains silence detection parameters
type SilenceConfig struct {
	WindowMs          int `yaml:"window_ms"`
	Threshold         int `yaml:"threshold"`
	RequiredSeconds   int `yaml:"required_seconds"`
	MinBytesPerWindow int `yaml:"min_bytes_per_window"`
}

// PipelineConfig contains work queue and retry settings
type PipelineConfig struct {
	Workers             int    `yaml:"workers"`
	PollIntervalMs      int    `yaml:"poll_interval_ms"`
	BackoffSeconds      int    `yaml:"backoff_seconds"`
	MaxBackoffMinutes   int    `yaml:"max_backoff_minutes"`
	RequireNetwork      bool   `yaml:"require_network"`
	NetworkCheckAddress string `yaml:"network_check_address"`
	DraftThrottleMs     int    `yaml:"draft_throttle_ms"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"` // openai or http
	Endpoint      string `yaml:"endpoint"`
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// SummarizationConfig contains chat completion settings for summaries
type SummarizationConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
}

// InterruptsConfig contains focus, call and permission settings
type InterruptsConfig struct {
	FocusLossGraceMs     int  `yaml:"focus_loss_grace_ms"`
	MicrophonePermission bool `yaml:"microphone_permission"`
	PhoneStatePermission bool `yaml:"phone_state_permission"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used for keys missing from the file
func Default() Config {
	return Config{
		Recording: RecordingConfig{
			SampleRate:      44100,
			Channels:        1,
			BitDepth:        16,
			ChunkSeconds:    30,
			OverlapMs:       2000,
			ReadBufferSize:  4096,
			RotationCheckMs: 1000,
			Source:          SourceConfig{Command: "arecord"},
		},
		Storage: StorageConfig{
			RecordingsDir:    "./recordings",
			Database:         "./recorder.db",
			MinStartFreeMB:   10,
			MinRuntimeFreeMB: 5,
			PollIntervalMs:   1000,
		},
		Silence: SilenceConfig{
			WindowMs:          200,
			Threshold:         1000,
			RequiredSeconds:   10,
			MinBytesPerWindow: 400,
		},
		Pipeline: PipelineConfig{
			Workers:             2,
			PollIntervalMs:      1000,
			BackoffSeconds:      10,
			MaxBackoffMinutes:   300,
			RequireNetwork:      true,
			NetworkCheckAddress: "api.openai.com:443",
			DraftThrottleMs:     250,
		},
		Transcription: TranscriptionConfig{
			Provider:      "openai",
			Model:         "whisper-1",
			Timeout:       60,
			MaxConcurrent: 2,
			OutputFormat:  "json",
		},
		Summarization: SummarizationConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     120,
		},
		Interrupts: InterruptsConfig{
			FocusLossGraceMs:     1500,
			MicrophonePermission: true,
			PhoneStatePermission: true,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadEnv loads variables from an optional .env file without overriding the environment
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Silence.Validate(); err != nil {
		return fmt.Errorf("silence config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Summarization.Validate(); err != nil {
		return fmt.Errorf("summarization config: %w", err)
	}

	if err := c.Interrupts.Validate(); err != nil {
		return fmt.Errorf("interrupts config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.SampleRate < 8000 || r.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", r.SampleRate)
	}

	if r.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", r.Channels)
	}

	if r.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", r.BitDepth)
	}

	if r.ChunkSeconds < 1 {
		return fmt.Errorf("chunk_seconds must be at least 1, got %d", r.ChunkSeconds)
	}

	if r.OverlapMs < 0 {
		return fmt.Errorf("overlap_ms cannot be negative, got %d", r.OverlapMs)
	}

	if r.OverlapMs >= r.ChunkSeconds*1000 {
		return fmt.Errorf("overlap_ms (%d) must be shorter than the chunk (%ds)", r.OverlapMs, r.ChunkSeconds)
	}

	if r.ReadBufferSize < 256 {
		return fmt.Errorf("read_buffer_size must be at least 256 bytes, got %d", r.ReadBufferSize)
	}

	if r.RotationCheckMs < 1 {
		return fmt.Errorf("rotation_check_ms must be positive, got %d", r.RotationCheckMs)
	}

	validCommands := map[string]bool{"arecord": true, "ffmpeg": true}
	if !validCommands[r.Source.Command] && len(r.Source.Args) == 0 {
		return fmt.Errorf("source.command must be 'arecord' or 'ffmpeg' unless source.args is set, got '%s'", r.Source.Command)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.RecordingsDir == "" {
		return fmt.Errorf("recordings_dir cannot be empty")
	}

	if s.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}

	if s.MinRuntimeFreeMB < 0 {
		return fmt.Errorf("min_runtime_free_mb cannot be negative, got %d", s.MinRuntimeFreeMB)
	}

	if s.MinStartFreeMB < s.MinRuntimeFreeMB {
		return fmt.Errorf("min_start_free_mb (%d) must be at least min_runtime_free_mb (%d)",
			s.MinStartFreeMB, s.MinRuntimeFreeMB)
	}

	if s.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", s.PollIntervalMs)
	}

	return nil
}

// Validate validates silence configuration
func (s *SilenceConfig) Validate() error {
	if s.WindowMs < 1 {
		return fmt.Errorf("window_ms must be positive, got %d", s.WindowMs)
	}

	if s.Threshold < 0 || s.Threshold > 32768 {
		return fmt.Errorf("threshold must be between 0 and 32768, got %d", s.Threshold)
	}

	if s.RequiredSeconds*1000 < s.WindowMs {
		return fmt.Errorf("required_seconds (%d) must cover at least one window (%dms)", s.RequiredSeconds, s.WindowMs)
	}

	if s.MinBytesPerWindow < 0 {
		return fmt.Errorf("min_bytes_per_window cannot be negative, got %d", s.MinBytesPerWindow)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}

	if p.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", p.PollIntervalMs)
	}

	if p.BackoffSeconds < 1 {
		return fmt.Errorf("backoff_seconds must be at least 1, got %d", p.BackoffSeconds)
	}

	if p.MaxBackoffMinutes*60 < p.BackoffSeconds {
		return fmt.Errorf("max_backoff_minutes (%d) must not be shorter than backoff_seconds (%d)",
			p.MaxBackoffMinutes, p.BackoffSeconds)
	}

	if p.RequireNetwork && p.NetworkCheckAddress == "" {
		return fmt.Errorf("network_check_address cannot be empty when require_network is set")
	}

	if p.DraftThrottleMs < 0 {
		return fmt.Errorf("draft_throttle_ms cannot be negative, got %d", p.DraftThrottleMs)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "openai":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai provider")
		}
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	default:
		return fmt.Errorf("provider must be 'openai' or 'http', got '%s'", t.Provider)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates summarization configuration. A missing API key is
// allowed; summary jobs then fail with a visible message.
func (s *SummarizationConfig) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", s.Temperature)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	return nil
}

// Validate validates interrupt configuration
func (i *InterruptsConfig) Validate() error {
	if i.FocusLossGraceMs < 0 {
		return fmt.Errorf("focus_loss_grace_ms cannot be negative, got %d", i.FocusLossGraceMs)
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

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.Output != "stdout" && l.Output != "stderr" && l.Output != "" {
		// File output is rotated
		if l.MaxSizeMB < 1 {
			return fmt.Errorf("max_size_mb must be at least 1 for file output, got %d", l.MaxSizeMB)
		}
	}

	return nil
}

// GetChunkDuration returns the chunk length as a time.Duration
func (r *RecordingConfig) GetChunkDuration() time.Duration {
	return time.Duration(r.ChunkSeconds) * time.Second
}

// GetOverlap returns the overlap as a time.Duration
func (r *RecordingConfig) GetOverlap() time.Duration {
	return time.Duration(r.OverlapMs) * time.Millisecond
}

// GetRotationCheck returns the rotation check interval as a time.Duration
func (r *RecordingConfig) GetRotationCheck() time.Duration {
	return time.Duration(r.RotationCheckMs) * time.Millisecond
}

// GetMinStartFreeBytes returns the free space required to start or rotate
func (s *StorageConfig) GetMinStartFreeBytes() uint64 {
	return uint64(s.MinStartFreeMB) * 1024 * 1024
}

// GetMinRuntimeFreeBytes returns the free space below which recording stops
func (s *StorageConfig) GetMinRuntimeFreeBytes() uint64 {
	return uint64(s.MinRuntimeFreeMB) * 1024 * 1024
}

// GetPollInterval returns the free space poll interval as a time.Duration
func (s *StorageConfig) GetPollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// GetWindow returns the silence window as a time.Duration
func (s *SilenceConfig) GetWindow() time.Duration {
	return time.Duration(s.WindowMs) * time.Millisecond
}

// GetRequired returns the sustained silence needed to raise the flag
func (s *SilenceConfig) GetRequired() time.Duration {
	return time.Duration(s.RequiredSeconds) * time.Second
}

// GetPollInterval returns the queue poll interval as a time.Duration
func (p *PipelineConfig) GetPollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// GetBackoff returns the retry backoff base as a time.Duration
func (p *PipelineConfig) GetBackoff() time.Duration {
	return time.Duration(p.BackoffSeconds) * time.Second
}

// GetMaxBackoff returns the retry backoff ceiling as a time.Duration
func (p *PipelineConfig) GetMaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMinutes) * time.Minute
}

// GetDraftThrottle returns the minimum interval between stored summary drafts
func (p *PipelineConfig) GetDraftThrottle() time.Duration {
	return time.Duration(p.DraftThrottleMs) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the summarization timeout as a time.Duration
func (s *SummarizationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetFocusLossGrace returns the focus loss grace window as a time.Duration
func (i *InterruptsConfig) GetFocusLossGrace() time.Duration {
	return time.Duration(i.FocusLossGraceMs) * time.Millisecond
}
