package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RootConfig is the on-disk layout: named profiles plus the one to activate.
type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles"`
}

// Config holds all settings for one recording profile. It is immutable for
// the lifetime of a session once handed to the controller.
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" yaml:"analysis"`
	Stimulus  StimulusConfig  `mapstructure:"stimulus" yaml:"stimulus"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
}

type AudioConfig struct {
	SampleRate       int  `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int  `mapstructure:"channels" yaml:"channels"`
	BitDepth         int  `mapstructure:"bit_depth" yaml:"bit_depth"`
	EchoCancellation bool `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control" yaml:"auto_gain_control"`
}

type RecordingConfig struct {
	MinDuration time.Duration `mapstructure:"min_duration" yaml:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
}

type AnalysisConfig struct {
	WindowSize      int           `mapstructure:"window_size" yaml:"window_size"`
	TickInterval    time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	PeakThreshold   float64       `mapstructure:"peak_threshold" yaml:"peak_threshold"`
	MinPeakDistance int           `mapstructure:"min_peak_distance" yaml:"min_peak_distance"`
}

type StimulusConfig struct {
	AssetDirectory string `mapstructure:"asset_directory" yaml:"asset_directory"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:       48000,
		Channels:         1,
		BitDepth:         16,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  false,
	},
	Recording: RecordingConfig{
		MinDuration: 1 * time.Second,
		MaxDuration: 300 * time.Second,
	},
	Analysis: AnalysisConfig{
		WindowSize:      2048,
		TickInterval:    100 * time.Millisecond,
		PeakThreshold:   30,
		MinPeakDistance: 3,
	},
	Stimulus: StimulusConfig{
		AssetDirectory: filepath.Join(os.Getenv("HOME"), ".local", "share", "resodet", "stimuli"),
	},
	Output: OutputConfig{
		Directory: filepath.Join(os.Getenv("HOME"), "Audio", "Resonance"),
	},
}

// Default returns a copy of the built-in defaults, used when no config file
// is present.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// LoadWithProfile reads the config file and resolves the requested profile
// against the defaults. An empty profile name selects the file's
// active_profile, falling back to "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetEnvPrefix("RESODET")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	profileName := profile
	if profileName == "" {
		profileName = root.ActiveProfile
	}
	if profileName == "" {
		profileName = "default"
	}

	selected, exists := root.Profiles[profileName]
	if !exists {
		if profileName == "default" {
			// No profiles section at all is fine: run on built-in defaults.
			if len(root.Profiles) == 0 {
				return Default(), nil
			}
		}
		return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
	}

	resolved := mergeConfigs(Default(), selected)
	resolved.Output.Directory = expandPath(resolved.Output.Directory)
	resolved.Stimulus.AssetDirectory = expandPath(resolved.Stimulus.AssetDirectory)

	if err := resolved.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return resolved, nil
}

// mergeConfigs fills unset profile fields from the base config. Zero values
// for numeric and string fields mean "inherit"; booleans are taken from the
// profile as-is since viper cannot distinguish false from absent.
func mergeConfigs(base, profile *Config) *Config {
	result := *base
	if profile == nil {
		return &result
	}

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
	}
	if profile.Audio.Channels != 0 {
		result.Audio.Channels = profile.Audio.Channels
	}
	if profile.Audio.BitDepth != 0 {
		result.Audio.BitDepth = profile.Audio.BitDepth
	}
	result.Audio.EchoCancellation = profile.Audio.EchoCancellation
	result.Audio.NoiseSuppression = profile.Audio.NoiseSuppression
	result.Audio.AutoGainControl = profile.Audio.AutoGainControl

	if profile.Recording.MinDuration != 0 {
		result.Recording.MinDuration = profile.Recording.MinDuration
	}
	if profile.Recording.MaxDuration != 0 {
		result.Recording.MaxDuration = profile.Recording.MaxDuration
	}

	if profile.Analysis.WindowSize != 0 {
		result.Analysis.WindowSize = profile.Analysis.WindowSize
	}
	if profile.Analysis.TickInterval != 0 {
		result.Analysis.TickInterval = profile.Analysis.TickInterval
	}
	if profile.Analysis.PeakThreshold != 0 {
		result.Analysis.PeakThreshold = profile.Analysis.PeakThreshold
	}
	if profile.Analysis.MinPeakDistance != 0 {
		result.Analysis.MinPeakDistance = profile.Analysis.MinPeakDistance
	}

	if profile.Stimulus.AssetDirectory != "" {
		result.Stimulus.AssetDirectory = profile.Stimulus.AssetDirectory
	}
	if profile.Output.Directory != "" {
		result.Output.Directory = profile.Output.Directory
	}

	return &result
}

// Validate checks that the resolved configuration is usable for a session.
func (c *Config) Validate() error {
	switch c.Audio.SampleRate {
	case 8000, 16000, 22050, 44100, 48000, 96000:
	default:
		return fmt.Errorf("audio.sample_rate must be one of 8000, 16000, 22050, 44100, 48000, 96000, got: %d", c.Audio.SampleRate)
	}

	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}

	if c.Audio.BitDepth != 16 && c.Audio.BitDepth != 24 && c.Audio.BitDepth != 32 {
		return fmt.Errorf("audio.bit_depth must be 16, 24 or 32, got: %d", c.Audio.BitDepth)
	}

	if c.Recording.MinDuration <= 0 {
		return fmt.Errorf("recording.min_duration must be > 0, got: %s", c.Recording.MinDuration)
	}
	if c.Recording.MaxDuration <= c.Recording.MinDuration {
		return fmt.Errorf("recording.max_duration (%s) must be greater than min_duration (%s)",
			c.Recording.MaxDuration, c.Recording.MinDuration)
	}

	if c.Analysis.WindowSize < 256 || c.Analysis.WindowSize&(c.Analysis.WindowSize-1) != 0 {
		return fmt.Errorf("analysis.window_size must be a power of two >= 256, got: %d", c.Analysis.WindowSize)
	}
	if c.Analysis.TickInterval < 10*time.Millisecond {
		return fmt.Errorf("analysis.tick_interval must be >= 10ms, got: %s", c.Analysis.TickInterval)
	}
	if c.Analysis.PeakThreshold < 0 || c.Analysis.PeakThreshold > 255 {
		return fmt.Errorf("analysis.peak_threshold must be within [0, 255], got: %.1f", c.Analysis.PeakThreshold)
	}
	if c.Analysis.MinPeakDistance < 1 {
		return fmt.Errorf("analysis.min_peak_distance must be >= 1, got: %d", c.Analysis.MinPeakDistance)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory must not be empty")
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
