// Package config handles platform configuration. Defaults are overlaid by
// an optional YAML file (CONFIG_FILE), then by environment variables, so a
// single env var can tweak a deployed config without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	SampleRate      int    `yaml:"sample_rate"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	PreferredDevice string `yaml:"preferred_device"`

	QueueCapacity      int    `yaml:"queue_capacity"`
	QueueChunkCapacity int    `yaml:"queue_chunk_capacity"`
	QueueStrategy      string `yaml:"queue_strategy"`

	VADWindowMs       int     `yaml:"vad_window_ms"`
	VADMinSoundMs     int     `yaml:"vad_min_sound_ms"`
	VADPostBufferMs   int     `yaml:"vad_post_buffer_ms"`
	VADThreshold      float64 `yaml:"vad_threshold"`
	PipelineWindow    int     `yaml:"pipeline_window"`
	SessionBufferSize int     `yaml:"session_buffer_size"`

	MastersDir string `yaml:"masters_dir"`
	CacheDir   string `yaml:"cache_dir"`

	HistorySize int    `yaml:"history_size"`
	LogLevel    string `yaml:"log_level"`
}

// Load builds the configuration: defaults, then CONFIG_FILE, then env.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr:           ":8000",
		SampleRate:         16000,
		FramesPerBuffer:    512,
		QueueCapacity:      256,
		QueueChunkCapacity: 2048,
		QueueStrategy:      "mutex",
		VADWindowMs:        10,
		VADMinSoundMs:      100,
		VADPostBufferMs:    150,
		VADThreshold:       0.0001,
		PipelineWindow:     512,
		SessionBufferSize:  16384,
		MastersDir:         "assets/masters",
		CacheDir:           "assets/cache",
		HistorySize:        256,
		LogLevel:           "info",
	}
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.SampleRate = getEnvInt("SAMPLE_RATE", c.SampleRate)
	c.FramesPerBuffer = getEnvInt("FRAMES_PER_BUFFER", c.FramesPerBuffer)
	c.PreferredDevice = getEnv("PREFERRED_DEVICE", c.PreferredDevice)
	c.QueueCapacity = getEnvInt("QUEUE_CAPACITY", c.QueueCapacity)
	c.QueueChunkCapacity = getEnvInt("QUEUE_CHUNK_CAPACITY", c.QueueChunkCapacity)
	c.QueueStrategy = getEnv("QUEUE_STRATEGY", c.QueueStrategy)
	c.VADWindowMs = getEnvInt("VAD_WINDOW_MS", c.VADWindowMs)
	c.VADMinSoundMs = getEnvInt("VAD_MIN_SOUND_MS", c.VADMinSoundMs)
	c.VADPostBufferMs = getEnvInt("VAD_POST_BUFFER_MS", c.VADPostBufferMs)
	c.VADThreshold = getEnvFloat("VAD_THRESHOLD", c.VADThreshold)
	c.PipelineWindow = getEnvInt("PIPELINE_WINDOW", c.PipelineWindow)
	c.SessionBufferSize = getEnvInt("SESSION_BUFFER_SIZE", c.SessionBufferSize)
	c.MastersDir = getEnv("MASTERS_DIR", c.MastersDir)
	c.CacheDir = getEnv("CACHE_DIR", c.CacheDir)
	c.HistorySize = getEnvInt("HISTORY_SIZE", c.HistorySize)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate %d must be positive", c.SampleRate)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity %d must be positive", c.QueueCapacity)
	}
	switch c.QueueStrategy {
	case "mutex", "lockfree":
	default:
		return fmt.Errorf("queue_strategy %q must be mutex or lockfree", c.QueueStrategy)
	}
	if c.VADWindowMs <= 0 {
		return fmt.Errorf("vad_window_ms %d must be positive", c.VADWindowMs)
	}
	return nil
}

// VADWindow returns the gate window duration.
func (c *Config) VADWindow() time.Duration {
	return time.Duration(c.VADWindowMs) * time.Millisecond
}

// VADMinSound returns the activation hysteresis duration.
func (c *Config) VADMinSound() time.Duration {
	return time.Duration(c.VADMinSoundMs) * time.Millisecond
}

// VADPostBuffer returns the hangover duration.
func (c *Config) VADPostBuffer() time.Duration {
	return time.Duration(c.VADPostBufferMs) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
