package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStream(cfg, ve)
	validateFeatures(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if s.BaseURL == "" {
		ve.Add("stream.base_url must not be empty")
	} else if u, err := url.Parse(s.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("stream.base_url %q must be an absolute http(s) URL", s.BaseURL)
	}
	if strings.HasPrefix(s.Token, EncPrefix) {
		ve.Add("stream.token is encrypted but GOVSTREAM_CONFIG_KEY is not set")
	}
	if s.ConnTimeout < 0 {
		ve.Add("stream.conn_timeout must be >= 0")
	}
	if s.RespTimeout < 0 {
		ve.Add("stream.resp_timeout must be >= 0")
	}
	if s.MaxFrameSize <= 0 {
		ve.Add("stream.max_frame_size must be > 0")
	}
	if s.CircuitBreaker.Enabled && s.CircuitBreaker.Timeout < 0 {
		ve.Add("stream.circuit_breaker.timeout must be >= 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.OpensPerMin <= 0 {
			ve.Add("stream.rate_limit.opens_per_min must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("stream.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
}

func validateFeatures(cfg *Config, ve *ValidationError) {
	paths := map[string]string{
		"features.warmup_path":     cfg.Features.WarmupPath,
		"features.refinement_path": cfg.Features.RefinementPath,
	}
	for name, p := range paths {
		if !strings.HasPrefix(p, "/") {
			ve.Add("%s %q must start with /", name, p)
		}
		if !strings.Contains(p, "{id}") {
			ve.Add("%s %q must contain the {id} placeholder", name, p)
		}
	}
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q must be one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be stdout or noop", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be between 0 and 1", r)
	}
}
