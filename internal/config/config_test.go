package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Transcription.Provider = "http"
	cfg.Transcription.Endpoint = "http://127.0.0.1:9000/transcribe"
	return cfg
}

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
			name:        "stereo capture",
			modify:      func(c *Config) { c.Recording.Channels = 2 },
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "overlap longer than chunk",
			modify:      func(c *Config) { c.Recording.ChunkSeconds = 2; c.Recording.OverlapMs = 2000 },
			expectError: true,
			errorMsg:    "overlap_ms (2000) must be shorter",
		},
		{
			name:        "unknown capture command without args",
			modify:      func(c *Config) { c.Recording.Source.Command = "sox" },
			expectError: true,
			errorMsg:    "source.command",
		},
		{
			name: "custom capture command with args",
			modify: func(c *Config) {
				c.Recording.Source.Command = "sox"
				c.Recording.Source.Args = []string{"-d", "-t", "raw", "-"}
			},
			expectError: false,
		},
		{
			name:        "start threshold below runtime threshold",
			modify:      func(c *Config) { c.Storage.MinStartFreeMB = 1 },
			expectError: true,
			errorMsg:    "min_start_free_mb",
		},
		{
			name:        "silence shorter than a window",
			modify:      func(c *Config) { c.Silence.RequiredSeconds = 0 },
			expectError: true,
			errorMsg:    "required_seconds",
		},
		{
			name:        "backoff ceiling below base",
			modify:      func(c *Config) { c.Pipeline.BackoffSeconds = 600; c.Pipeline.MaxBackoffMinutes = 1 },
			expectError: true,
			errorMsg:    "max_backoff_minutes",
		},
		{
			name:        "network required without probe address",
			modify:      func(c *Config) { c.Pipeline.NetworkCheckAddress = "" },
			expectError: true,
			errorMsg:    "network_check_address",
		},
		{
			name:        "network not required without probe address",
			modify:      func(c *Config) { c.Pipeline.RequireNetwork = false; c.Pipeline.NetworkCheckAddress = "" },
			expectError: false,
		},
		{
			name:        "openai provider without key",
			modify:      func(c *Config) { c.Transcription.Provider = "openai" },
			expectError: true,
			errorMsg:    "api_key cannot be empty",
		},
		{
			name:        "unknown provider",
			modify:      func(c *Config) { c.Transcription.Provider = "azure" },
			expectError: true,
			errorMsg:    "provider must be",
		},
		{
			name:        "summary temperature out of range",
			modify:      func(c *Config) { c.Summarization.Temperature = 3 },
			expectError: true,
			errorMsg:    "temperature",
		},
		{
			name:        "negative focus grace",
			modify:      func(c *Config) { c.Interrupts.FocusLossGraceMs = -1 },
			expectError: true,
			errorMsg:    "focus_loss_grace_ms",
		},
		{
			name:        "invalid http port",
			modify:      func(c *Config) { c.HTTP.Port = 70000 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "file logging without rotation size",
			modify:      func(c *Config) { c.Logging.Output = "/var/log/recorder.log"; c.Logging.MaxSizeMB = 0 },
			expectError: true,
			errorMsg:    "max_size_mb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "partial file keeps defaults",
			configYAML: `
transcription:
  provider: http
  endpoint: http://127.0.0.1:9000/transcribe
`,
			expectError: false,
		},
		{
			name: "invalid yaml",
			configYAML: `
recording:
  chunk_seconds: [30
`,
			expectError: true,
			errorMsg:    "failed to parse config file",
		},
		{
			name: "invalid values",
			configYAML: `
recording:
  sample_rate: 100
transcription:
  provider: http
  endpoint: http://127.0.0.1:9000/transcribe
`,
			expectError: true,
			errorMsg:    "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if config.Recording.SampleRate != 44100 {
				t.Errorf("Expected default sample rate 44100, got %d", config.Recording.SampleRate)
			}
			if config.Interrupts.FocusLossGraceMs != 1500 {
				t.Errorf("Expected default focus grace 1500ms, got %d", config.Interrupts.FocusLossGraceMs)
			}
		})
	}
}

func TestConfigLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("RECORDER_TEST_KEY=sk-from-env\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("RECORDER_TEST_KEY") })

	if err := LoadEnv(envPath); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	yaml := `
transcription:
  provider: openai
  api_key: ${RECORDER_TEST_KEY}
summarization:
  api_key: ${RECORDER_TEST_KEY}
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}
	if cfg.Transcription.APIKey != "sk-from-env" {
		t.Errorf("Expected api_key from env, got '%s'", cfg.Transcription.APIKey)
	}
	if cfg.Summarization.APIKey != "sk-from-env" {
		t.Errorf("Expected summarization api_key from env, got '%s'", cfg.Summarization.APIKey)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("Expected missing env file to be ignored, got: %v", err)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if d := cfg.Recording.GetChunkDuration(); d != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", d)
	}
	if d := cfg.Recording.GetRotationCheck(); d != time.Second {
		t.Errorf("Expected 1 second, got %v", d)
	}
	if d := cfg.Recording.GetOverlap(); d != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", d)
	}
	if b := cfg.Storage.GetMinStartFreeBytes(); b != 10*1024*1024 {
		t.Errorf("Expected 10 MiB, got %d", b)
	}
	if b := cfg.Storage.GetMinRuntimeFreeBytes(); b != 5*1024*1024 {
		t.Errorf("Expected 5 MiB, got %d", b)
	}
	if d := cfg.Silence.GetWindow(); d != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", d)
	}
	if d := cfg.Silence.GetRequired(); d != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", d)
	}
	if d := cfg.Pipeline.GetBackoff(); d != 10*time.Second {
		t.Errorf("Expected 10 seconds, got %v", d)
	}
	if d := cfg.Pipeline.GetMaxBackoff(); d != 5*time.Hour {
		t.Errorf("Expected 5 hours, got %v", d)
	}
	if d := cfg.Pipeline.GetDraftThrottle(); d != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", d)
	}
	if d := cfg.Interrupts.GetFocusLossGrace(); d != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", d)
	}
	if d := cfg.Transcription.GetTimeoutDuration(); d != time.Minute {
		t.Errorf("Expected 60 seconds, got %v", d)
	}
}
