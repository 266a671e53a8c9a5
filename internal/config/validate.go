package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var knownPlatforms = map[string]bool{
	"loopback": true,
	"openh264": true,
}

var knownCodecs = map[string]bool{
	"h264": true,
	"h265": true,
}

var knownSources = map[string]bool{
	"websocket": true,
	"quic":      true,
	"webrtc":    true,
	"file":      true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from ones
// that were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup should be aborted.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatal errors, or returns nil if there are none.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// ValidateTiered checks the config. Out-of-range numbers are clamped to the
// nearest safe value and reported as warnings; values the viewer cannot run
// with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if !knownPlatforms[c.Platform] {
		r.Fatals = append(r.Fatals, fmt.Errorf("platform %q is not supported", c.Platform))
	}

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	if c.Codec == "hevc" {
		c.Codec = "h265"
	}
	if !knownCodecs[c.Codec] {
		r.Fatals = append(r.Fatals, fmt.Errorf("codec %q is not valid (use h264 or h265)", c.Codec))
	}

	if c.Width <= 0 || c.Width > 7680 {
		r.Fatals = append(r.Fatals, fmt.Errorf("width %d must be between 1 and 7680", c.Width))
	}
	if c.Height <= 0 || c.Height > 4320 {
		r.Fatals = append(r.Fatals, fmt.Errorf("height %d must be between 1 and 4320", c.Height))
	}

	c.MaxImages = clamp(&r, "max_images", c.MaxImages, 3, 32)
	c.ReleaseDelayFrames = clamp(&r, "release_delay_frames", c.ReleaseDelayFrames, 1, 16)
	if c.ReleaseDelayFrames > c.MaxImages-2 {
		r.Warnings = append(r.Warnings, fmt.Errorf("release_delay_frames %d needs max_images >= %d, clamping to %d",
			c.ReleaseDelayFrames, c.ReleaseDelayFrames+2, c.MaxImages-2))
		c.ReleaseDelayFrames = c.MaxImages - 2
	}
	c.RetryIntervalMs = clamp(&r, "retry_interval_ms", c.RetryIntervalMs, 1, 1000)
	if c.MaxPendingBytes < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_pending_bytes %d is negative, disabling the limit", c.MaxPendingBytes))
		c.MaxPendingBytes = 0
	}
	c.RenderFPS = clamp(&r, "render_fps", c.RenderFPS, 1, 240)
	c.LoopbackInputBuffers = clamp(&r, "loopback_input_buffers", c.LoopbackInputBuffers, 1, 64)
	c.LoopbackBufferSize = clamp(&r, "loopback_buffer_size", c.LoopbackBufferSize, 64, 16*1024*1024)
	c.MetricsIntervalSeconds = clamp(&r, "metrics_interval_seconds", c.MetricsIntervalSeconds, 1, 3600)

	c.Source = strings.ToLower(strings.TrimSpace(c.Source))
	if !knownSources[c.Source] {
		r.Fatals = append(r.Fatals, fmt.Errorf("source %q is not valid (use websocket, quic, webrtc or file)", c.Source))
	}
	switch c.Source {
	case "websocket":
		if u, err := url.Parse(c.SourceURL); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("source_url %q is not a valid URL: %w", c.SourceURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			r.Fatals = append(r.Fatals, fmt.Errorf("source_url scheme must be ws or wss for websocket, got %q", u.Scheme))
		}
	case "quic":
		if c.SourceURL == "" || strings.Contains(c.SourceURL, "://") {
			r.Fatals = append(r.Fatals, fmt.Errorf("source_url %q must be host:port for quic", c.SourceURL))
		}
	case "webrtc":
		if c.Codec != "h264" {
			r.Warnings = append(r.Warnings, fmt.Errorf("webrtc source only negotiates h264, switching codec from %q", c.Codec))
			c.Codec = "h264"
		}
	}
	if c.Platform == "openh264" && c.Codec != "h264" {
		r.Fatals = append(r.Fatals, fmt.Errorf("platform openh264 decodes h264 only, codec is %q", c.Codec))
	}
	if c.OpenH264Library != "" && c.Platform != "openh264" {
		r.Warnings = append(r.Warnings, fmt.Errorf("openh264_library is ignored by platform %q", c.Platform))
	}
	if c.InsecureSkipVerify {
		r.Warnings = append(r.Warnings, errors.New("insecure_skip_verify is enabled, server certificates are not checked"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func clamp(r *ValidationResult, key string, v, lo, hi int) int {
	switch {
	case v < lo:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	case v > hi:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
