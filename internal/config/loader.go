package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the recognised speech endpoint names.
var ValidProviderNames = []string{"openai-realtime", "gemini-live"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		errs = append(errs, fmt.Errorf("provider.name %q is unknown; valid values: %v", cfg.Provider.Name, ValidProviderNames))
	}
	if cfg.Provider.APIKey == "" {
		errs = append(errs, errors.New("provider.api_key is required"))
	}

	// VAD
	if cfg.VAD.HoldMs < 0 {
		errs = append(errs, fmt.Errorf("vad.hold_ms %d must not be negative", cfg.VAD.HoldMs))
	}
	if cfg.VAD.ReleaseMs < 0 {
		errs = append(errs, fmt.Errorf("vad.release_ms %d must not be negative", cfg.VAD.ReleaseMs))
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		errs = append(errs, fmt.Errorf("vad.threshold %.2f is out of range (0, 1]", cfg.VAD.Threshold))
	}
	if cfg.VAD.Aggressiveness < 0 || cfg.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", cfg.VAD.Aggressiveness))
	}
	if cfg.VAD.NoiseFloorAlpha != 0 && (cfg.VAD.NoiseFloorAlpha <= 0 || cfg.VAD.NoiseFloorAlpha >= 1) {
		errs = append(errs, fmt.Errorf("vad.noise_floor_alpha %.2f is out of range (0, 1)", cfg.VAD.NoiseFloorAlpha))
	}
	if cfg.VAD.NoiseFloorRatio != 0 && cfg.VAD.NoiseFloorRatio <= 1 {
		errs = append(errs, fmt.Errorf("vad.noise_floor_ratio %.2f must be greater than 1", cfg.VAD.NoiseFloorRatio))
	}
	if cfg.VAD.SilenceTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_timeout_ms %d must not be negative", cfg.VAD.SilenceTimeoutMs))
	}

	// Audio
	if cfg.Audio.BufferMs != 0 {
		if cfg.Audio.BufferMs < 10 || cfg.Audio.BufferMs > 100 || cfg.Audio.BufferMs%10 != 0 {
			errs = append(errs, fmt.Errorf("audio.buffer_ms %d must be a multiple of 10 in [10, 100]", cfg.Audio.BufferMs))
		}
	}
	if cfg.Audio.IngressCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.ingress_capacity %d must not be negative", cfg.Audio.IngressCapacity))
	}

	return errors.Join(errs...)
}
