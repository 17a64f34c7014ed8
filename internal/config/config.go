package config

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	BodyLimitMB int    `yaml:"bodyLimitMB"`
}

type TokenizerConfig struct {
	VocabPath  string `yaml:"vocabPath"`
	MergesPath string `yaml:"mergesPath"`
}

// EngineConfig holds the fixed generation defaults handed to the
// Generation Engine when a request does not override them.
type EngineConfig struct {
	Name             string            `yaml:"name"`
	Models           map[string]string `yaml:"models"`
	DefaultModel     string            `yaml:"defaultModel"`
	Device           string            `yaml:"device"`
	AvailableDevices []string          `yaml:"availableDevices"`
	IdleDevice       string            `yaml:"idleDevice"`
	Sampler          string            `yaml:"sampler"`
	Steps            int               `yaml:"steps"`
	UseGuidance      *bool             `yaml:"useGuidance"`
	GuidanceScale    float64           `yaml:"guidanceScale"`
	Seed             *int64            `yaml:"seed"`
	Width            int               `yaml:"width"`
	Height           int               `yaml:"height"`
	StepDelayMs      int               `yaml:"stepDelayMs"`
	JPEGQuality      int               `yaml:"jpegQuality"`
	MaxInputPixels   int               `yaml:"maxInputPixels"`
	Tokenizer        TokenizerConfig   `yaml:"tokenizer"`
}

type WorkerConfig struct {
	MaxConcurrentJobs    int  `yaml:"maxConcurrentJobs"`
	MaxQueuedJobs        int  `yaml:"maxQueuedJobs"`
	SimulateProgress     bool `yaml:"simulateProgress"`
	SyncJobWaitTimeoutMs int  `yaml:"syncJobWaitTimeoutMs"`
}

type StreamConfig struct {
	PollIntervalMs int `yaml:"pollIntervalMs"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// RateLimitConfig bounds how often a single client may submit jobs.
// Redis is used when configured; otherwise an in-process limiter applies.
type RateLimitConfig struct {
	SubmissionsPerMinute int `yaml:"submissionsPerMinute"`
}

// RetentionConfig controls TTL-like deletion of finished jobs and audit
// events so that memory and the events table do not grow without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	JobTTLMinutes          int  `yaml:"jobTtlMinutes"`
	EventTTLDays           int  `yaml:"eventTtlDays"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Worker    WorkerConfig    `yaml:"worker"`
	Stream    StreamConfig    `yaml:"stream"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return cfg
}

// Parse decodes YAML config bytes and fills in defaults for any zero
// values. An empty document yields a fully defaulted config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields. The generation defaults mirror
// the reference pipeline: ddpm sampler, 50 steps, guidance scale 8.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.BodyLimitMB <= 0 {
		c.Server.BodyLimitMB = 16
	}

	e := &c.Engine
	if e.Name == "" {
		e.Name = "procedural"
	}
	if e.DefaultModel == "" {
		e.DefaultModel = "default"
	}
	if e.Device == "" {
		e.Device = "cpu"
	}
	if len(e.AvailableDevices) == 0 {
		e.AvailableDevices = []string{"cpu"}
	}
	if e.IdleDevice == "" {
		e.IdleDevice = "cpu"
	}
	if e.Sampler == "" {
		e.Sampler = "ddpm"
	}
	if e.Steps <= 0 {
		e.Steps = 50
	}
	if e.UseGuidance == nil {
		on := true
		e.UseGuidance = &on
	}
	if e.GuidanceScale <= 0 {
		e.GuidanceScale = 8
	}
	if e.Width <= 0 {
		e.Width = 512
	}
	if e.Height <= 0 {
		e.Height = 512
	}
	if e.StepDelayMs < 0 {
		e.StepDelayMs = 0
	}
	if e.JPEGQuality <= 0 || e.JPEGQuality > 100 {
		e.JPEGQuality = 90
	}
	if e.MaxInputPixels <= 0 {
		e.MaxInputPixels = 4096 * 4096
	}

	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 4
	}
	if c.Worker.MaxQueuedJobs < 0 {
		c.Worker.MaxQueuedJobs = 0
	}
	if c.Worker.SyncJobWaitTimeoutMs <= 0 {
		c.Worker.SyncJobWaitTimeoutMs = 120000
	}

	if c.Stream.PollIntervalMs <= 0 {
		c.Stream.PollIntervalMs = 100
	}

	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}
