package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider         = "gemini"
	DefaultModel            = "gemini-2.5-flash"
	DefaultOracleTimeout    = 30
	DefaultTemperature      = 0.2
	DefaultMaxTokens        = 1024
	DefaultCameraURL        = "http://localhost:4912"
	DefaultCameraTimeout    = 5
	DefaultCaptureSeconds   = 3
	DefaultSpeed            = 50
	DefaultSafetyDistanceCm = 25
	DefaultHistoryLimit     = 20
	DefaultLang             = "en"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 5000
	DefaultRetentionDays    = 7
	DefaultHousekeeping     = "0 0 4 * * *"
	DefaultLogLevel         = "info"
)

// DefaultFallbackModels is tried in order when a model is reported missing.
var DefaultFallbackModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-flash-preview",
	"gemini-robotics-er-1.5-preview",
}

type Config struct {
	Oracle   OracleConfig   `json:"oracle" yaml:"oracle"`
	Camera   CameraConfig   `json:"camera" yaml:"camera"`
	Audio    AudioConfig    `json:"audio" yaml:"audio"`
	Robot    RobotConfig    `json:"robot" yaml:"robot"`
	Journal  JournalConfig  `json:"journal" yaml:"journal"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type OracleConfig struct {
	Provider       string   `json:"provider,omitempty" yaml:"provider,omitempty"` // "gemini" (default), "anthropic" or "openai"
	APIKey         string   `json:"apiKey" yaml:"apiKey"`
	BaseURL        string   `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Model          string   `json:"model" yaml:"model"`
	FallbackModels []string `json:"fallbackModels,omitempty" yaml:"fallbackModels,omitempty"`
	Timeout        int      `json:"timeout" yaml:"timeout"`
	Temperature    float64  `json:"temperature" yaml:"temperature"`
	MaxTokens      int      `json:"maxTokens" yaml:"maxTokens"`
}

type CameraConfig struct {
	URL     string `json:"url" yaml:"url"`
	Timeout int    `json:"timeout" yaml:"timeout"`
}

type AudioConfig struct {
	SoundsDir      string `json:"soundsDir" yaml:"soundsDir"`
	CacheDir       string `json:"cacheDir" yaml:"cacheDir"`
	CaptureSeconds int    `json:"captureSeconds" yaml:"captureSeconds"`
	TTSAPIKey      string `json:"ttsApiKey,omitempty" yaml:"ttsApiKey,omitempty"`
	TTSBaseURL     string `json:"ttsBaseUrl,omitempty" yaml:"ttsBaseUrl,omitempty"`
	Player         string `json:"player,omitempty" yaml:"player,omitempty"`
	Recorder       string `json:"recorder,omitempty" yaml:"recorder,omitempty"`
}

type RobotConfig struct {
	DefaultSpeed     int    `json:"defaultSpeed" yaml:"defaultSpeed"`
	SafetyDistanceCm int    `json:"safetyDistanceCm" yaml:"safetyDistanceCm"`
	HistoryLimit     int    `json:"historyLimit" yaml:"historyLimit"`
	MemoryFile       string `json:"memoryFile" yaml:"memoryFile"`
	SkillsDir        string `json:"skillsDir,omitempty" yaml:"skillsDir,omitempty"`
	Goal             string `json:"goal,omitempty" yaml:"goal,omitempty"`
	Lang             string `json:"lang" yaml:"lang"`
}

type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
	Housekeeping  string `json:"housekeeping" yaml:"housekeeping"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Oracle: OracleConfig{
			Provider:       DefaultProvider,
			Model:          DefaultModel,
			FallbackModels: append([]string(nil), DefaultFallbackModels...),
			Timeout:        DefaultOracleTimeout,
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
		},
		Camera: CameraConfig{
			URL:     DefaultCameraURL,
			Timeout: DefaultCameraTimeout,
		},
		Audio: AudioConfig{
			SoundsDir:      filepath.Join(dir, "sounds"),
			CacheDir:       filepath.Join(dir, "tts-cache"),
			CaptureSeconds: DefaultCaptureSeconds,
		},
		Robot: RobotConfig{
			DefaultSpeed:     DefaultSpeed,
			SafetyDistanceCm: DefaultSafetyDistanceCm,
			HistoryLimit:     DefaultHistoryLimit,
			MemoryFile:       filepath.Join(dir, "memory.txt"),
			SkillsDir:        filepath.Join(dir, "skills"),
			Lang:             DefaultLang,
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        filepath.Join(dir, "journal.db"),
			RetentionDays: DefaultRetentionDays,
			Housekeeping:  DefaultHousekeeping,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".rovermind")
}

// ConfigPath honors ROVERMIND_CONFIG before the default location.
func ConfigPath() string {
	if p := os.Getenv("ROVERMIND_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ROVERMIND_PROVIDER"); v != "" {
		cfg.Oracle.Provider = v
	}
	if key := os.Getenv("ROVERMIND_API_KEY"); key != "" {
		cfg.Oracle.APIKey = key
	}
	switch cfg.Oracle.Provider {
	case "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
			cfg.Oracle.APIKey = key
		}
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
			cfg.Oracle.APIKey = key
		}
	default:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
			cfg.Oracle.APIKey = key
		}
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
			cfg.Oracle.APIKey = key
		}
	}
	if v := os.Getenv("ROVERMIND_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("ROVERMIND_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("ROVERMIND_ORACLE_TIMEOUT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.Timeout = parsed
		}
	}
	if v := os.Getenv("IMAGE_SERVER_URL"); v != "" {
		cfg.Camera.URL = v
	}
	if v := os.Getenv("ROVERMIND_TTS_API_KEY"); v != "" {
		cfg.Audio.TTSAPIKey = v
	}
	if v := os.Getenv("GOOGLE_TTS_API_KEY"); v != "" && cfg.Audio.TTSAPIKey == "" {
		cfg.Audio.TTSAPIKey = v
	}
	if v := os.Getenv("ROVERMIND_SOUNDS_DIR"); v != "" {
		cfg.Audio.SoundsDir = v
	}
	if v := os.Getenv("ROVERMIND_MEMORY_FILE"); v != "" {
		cfg.Robot.MemoryFile = v
	}
	if v := os.Getenv("ROVERMIND_SAFETY_DISTANCE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Robot.SafetyDistanceCm = parsed
		}
	}
	if v := os.Getenv("ROVERMIND_JOURNAL_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Journal.Enabled = parsed
		}
	}
	if v := os.Getenv("ROVERMIND_JOURNAL_DB_PATH"); v != "" {
		cfg.Journal.DBPath = v
	}
	if token := os.Getenv("ROVERMIND_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if v := os.Getenv("ROVERMIND_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if v := os.Getenv("ROVERMIND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = DefaultProvider
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = DefaultModel
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = DefaultOracleTimeout
	}
	if cfg.Oracle.MaxTokens <= 0 {
		cfg.Oracle.MaxTokens = DefaultMaxTokens
	}
	if cfg.Camera.URL == "" {
		cfg.Camera.URL = DefaultCameraURL
	}
	if cfg.Camera.Timeout <= 0 {
		cfg.Camera.Timeout = DefaultCameraTimeout
	}
	if cfg.Audio.SoundsDir == "" {
		cfg.Audio.SoundsDir = def.Audio.SoundsDir
	}
	if cfg.Audio.CacheDir == "" {
		cfg.Audio.CacheDir = def.Audio.CacheDir
	}
	if cfg.Audio.CaptureSeconds <= 0 {
		cfg.Audio.CaptureSeconds = DefaultCaptureSeconds
	}
	if cfg.Robot.SafetyDistanceCm <= 0 {
		cfg.Robot.SafetyDistanceCm = DefaultSafetyDistanceCm
	}
	if cfg.Robot.HistoryLimit <= 0 {
		cfg.Robot.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Robot.MemoryFile == "" {
		cfg.Robot.MemoryFile = def.Robot.MemoryFile
	}
	if cfg.Robot.Lang == "" {
		cfg.Robot.Lang = DefaultLang
	}
	if cfg.Journal.DBPath == "" {
		cfg.Journal.DBPath = def.Journal.DBPath
	}
	if cfg.Journal.RetentionDays <= 0 {
		cfg.Journal.RetentionDays = DefaultRetentionDays
	}
	if cfg.Journal.Housekeeping == "" {
		cfg.Journal.Housekeeping = DefaultHousekeeping
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func SaveConfig(cfg *Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
