package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amanullahtanweer/caption-relay/internal/transcriber"
)

// Config is the full relay configuration. File values are overridden by the
// environment, which main overrides again with flags.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxClients        int           `yaml:"max_clients"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type UpstreamConfig struct {
	APIURL           string        `yaml:"api_url"`
	APIKey           string        `yaml:"api_key"`
	NegotiateTimeout time.Duration `yaml:"negotiate_timeout"`
}

// SessionConfig holds the settings a transcription session starts with.
type SessionConfig struct {
	Language             string        `yaml:"language"`
	TranslateTo          string        `yaml:"translate_to"`
	SilenceThreshold     float64       `yaml:"silence_threshold"`
	MaxDuration          float64       `yaml:"max_duration"`
	Vocabulary           string        `yaml:"vocabulary"`
	DeviceID             string        `yaml:"device_id"`
	Autostart            bool          `yaml:"autostart"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	RestartDelay         time.Duration `yaml:"restart_delay"`
}

// AudioConfig selects the capture source: "mic", "wav" or "audiosocket".
type AudioConfig struct {
	Source          string `yaml:"source"`
	WAVPath         string `yaml:"wav_path"`
	WAVRealtime     bool   `yaml:"wav_realtime"`
	AudioSocketAddr string `yaml:"audiosocket_addr"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			MaxClients:        100,
			SubscriberBuffer:  64,
			KeepAliveInterval: 30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Upstream: UpstreamConfig{
			APIURL:           "https://api.gladia.io/v2/live",
			NegotiateTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			Language:             "fr",
			SilenceThreshold:     0.05,
			MaxDuration:          5,
			ReconnectMaxAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			RestartDelay:         200 * time.Millisecond,
		},
		Audio: AudioConfig{
			Source:          "mic",
			WAVRealtime:     true,
			AudioSocketAddr: "127.0.0.1:9092",
		},
		Redis: RedisConfig{Channel: "caption-relay:events"},
	}
}

// Load reads an optional .env file, then the YAML file at path (missing file
// is not an error), then applies environment overrides and validates.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = getEnvBool("LOG_PRETTY", cfg.Log.Pretty)
	cfg.Upstream.APIURL = getEnv("GLADIA_API_URL", cfg.Upstream.APIURL)
	cfg.Upstream.APIKey = getEnv("GLADIA_API_KEY", cfg.Upstream.APIKey)
	cfg.Session.Language = getEnv("SESSION_LANGUAGE", cfg.Session.Language)
	cfg.Session.TranslateTo = getEnv("SESSION_TRANSLATE_TO", cfg.Session.TranslateTo)
	cfg.Session.Vocabulary = getEnv("SESSION_VOCABULARY", cfg.Session.Vocabulary)
	cfg.Session.DeviceID = getEnv("AUDIO_DEVICE_ID", cfg.Session.DeviceID)
	cfg.Session.Autostart = getEnvBool("SESSION_AUTOSTART", cfg.Session.Autostart)
	cfg.Audio.Source = getEnv("AUDIO_SOURCE", cfg.Audio.Source)
	cfg.Audio.WAVPath = getEnv("AUDIO_WAV_PATH", cfg.Audio.WAVPath)
	cfg.Audio.AudioSocketAddr = getEnv("AUDIOSOCKET_ADDR", cfg.Audio.AudioSocketAddr)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Channel = getEnv("REDIS_CHANNEL", cfg.Redis.Channel)

	var err error
	if cfg.Server.Port, err = getEnvInt("PORT", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Server.MaxClients, err = getEnvInt("MAX_CLIENTS", cfg.Server.MaxClients); err != nil {
		return err
	}
	if cfg.Session.SilenceThreshold, err = getEnvFloat("SESSION_SILENCE_THRESHOLD", cfg.Session.SilenceThreshold); err != nil {
		return err
	}
	if cfg.Session.MaxDuration, err = getEnvFloat("SESSION_MAX_DURATION", cfg.Session.MaxDuration); err != nil {
		return err
	}
	if cfg.Upstream.NegotiateTimeout, err = getEnvDuration("GLADIA_NEGOTIATE_TIMEOUT", cfg.Upstream.NegotiateTimeout); err != nil {
		return err
	}
	return nil
}

// Validate rejects values the relay cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients must be positive")
	}
	if c.Server.SubscriberBuffer < 1 {
		return fmt.Errorf("server.subscriber_buffer must be positive")
	}
	if c.Server.KeepAliveInterval <= 0 {
		return fmt.Errorf("server.keepalive_interval must be positive")
	}
	if c.Upstream.APIURL == "" {
		return fmt.Errorf("upstream.api_url is required")
	}
	if c.Upstream.NegotiateTimeout <= 0 {
		return fmt.Errorf("upstream.negotiate_timeout must be positive")
	}
	if c.Session.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("session.reconnect_max_attempts must not be negative")
	}
	if c.Session.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("session.reconnect_base_delay must be positive")
	}
	switch c.Audio.Source {
	case "mic", "audiosocket":
	case "wav":
		if c.Audio.WAVPath == "" {
			return fmt.Errorf("audio.wav_path is required for the wav source")
		}
	default:
		return fmt.Errorf("unknown audio.source %q (want mic, wav or audiosocket)", c.Audio.Source)
	}
	return nil
}

// Transcriber is the per-session upstream configuration.
func (c Config) Transcriber() transcriber.Config {
	return transcriber.Config{
		APIKey:           c.Upstream.APIKey,
		Language:         c.Session.Language,
		TranslateTo:      c.Session.TranslateTo,
		SilenceThreshold: c.Session.SilenceThreshold,
		MaxDuration:      c.Session.MaxDuration,
		Vocabulary:       c.Session.Vocabulary,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "0", "false", "no", "off":
			return false
		default:
			return true
		}
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
