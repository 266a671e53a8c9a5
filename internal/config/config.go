package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	// Decode pipeline
	Platform           string `mapstructure:"platform" yaml:"platform"`
	Codec              string `mapstructure:"codec" yaml:"codec"`
	Width              int    `mapstructure:"width" yaml:"width"`
	Height             int    `mapstructure:"height" yaml:"height"`
	MaxImages          int    `mapstructure:"max_images" yaml:"max_images"`
	ReleaseDelayFrames int    `mapstructure:"release_delay_frames" yaml:"release_delay_frames"`
	RetryIntervalMs    int    `mapstructure:"retry_interval_ms" yaml:"retry_interval_ms"`
	MaxPendingBytes    int    `mapstructure:"max_pending_bytes" yaml:"max_pending_bytes"`
	RenderFPS          int    `mapstructure:"render_fps" yaml:"render_fps"`

	// Loopback platform sizing
	LoopbackInputBuffers int `mapstructure:"loopback_input_buffers" yaml:"loopback_input_buffers"`
	LoopbackBufferSize   int `mapstructure:"loopback_buffer_size" yaml:"loopback_buffer_size"`

	// OpenH264 shared library for the openh264 platform
	OpenH264Library string `mapstructure:"openh264_library" yaml:"openh264_library"`

	// Ingest
	Source             string   `mapstructure:"source" yaml:"source"`
	SourceURL          string   `mapstructure:"source_url" yaml:"source_url"`
	ICEServers         []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// Logging
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	MetricsIntervalSeconds int `mapstructure:"metrics_interval_seconds" yaml:"metrics_interval_seconds"`
}

func Default() *Config {
	return &Config{
		Platform:               "loopback",
		Codec:                  "h265",
		Width:                  1920,
		Height:                 1080,
		MaxImages:              8,
		ReleaseDelayFrames:     4,
		RetryIntervalMs:        5,
		MaxPendingBytes:        8 * 1024 * 1024,
		RenderFPS:              72,
		LoopbackInputBuffers:   4,
		LoopbackBufferSize:     256 * 1024,
		Source:                 "websocket",
		SourceURL:              "ws://127.0.0.1:4400/stream",
		ICEServers:             []string{"stun:stun.l.google.com:19302"},
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
		MetricsIntervalSeconds: 10,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("viewer")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BREEZE_VIEWER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveTo writes cfg as YAML. An empty path writes viewer.yaml in the
// platform config directory.
func SaveTo(cfg *Config, cfgFile string) error {
	v := newViper(cfg)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "viewer.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0600)
}

// newViper returns an isolated viper instance seeded with cfg's values so
// AutomaticEnv can see every key, not only the ones present in the file.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetDefault("platform", cfg.Platform)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("width", cfg.Width)
	v.SetDefault("height", cfg.Height)
	v.SetDefault("max_images", cfg.MaxImages)
	v.SetDefault("release_delay_frames", cfg.ReleaseDelayFrames)
	v.SetDefault("retry_interval_ms", cfg.RetryIntervalMs)
	v.SetDefault("max_pending_bytes", cfg.MaxPendingBytes)
	v.SetDefault("render_fps", cfg.RenderFPS)
	v.SetDefault("loopback_input_buffers", cfg.LoopbackInputBuffers)
	v.SetDefault("loopback_buffer_size", cfg.LoopbackBufferSize)
	v.SetDefault("openh264_library", cfg.OpenH264Library)
	v.SetDefault("source", cfg.Source)
	v.SetDefault("source_url", cfg.SourceURL)
	v.SetDefault("ice_servers", cfg.ICEServers)
	v.SetDefault("insecure_skip_verify", cfg.InsecureSkipVerify)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("metrics_interval_seconds", cfg.MetricsIntervalSeconds)
	return v
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}
