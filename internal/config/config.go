package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration.
type Config struct {
	Host             string        `toml:"host"`
	Port             int           `toml:"port"`
	DBPath           string        `toml:"db"`
	DownloadDir      string        `toml:"download_dir"`
	MaxRetries       int           `toml:"max_retries"`
	RetryBackoff     time.Duration `toml:"retry_backoff"`
	ProgressInterval time.Duration `toml:"progress_interval"`
	ResyncInterval   time.Duration `toml:"resync_interval"`
	StopTimeout      time.Duration `toml:"stop_timeout"`
	APIToken         string        `toml:"api_token"`
	WebhookSecret    string        `toml:"webhook_secret"`

	Telegram   TelegramConfig          `toml:"telegram"`
	Ytdlp      YtdlpConfig             `toml:"ytdlp"`
	Sources    map[string]SourceConfig `toml:"sources"`
	Processors []ProcessorConfig       `toml:"processors"`
}

// TelegramConfig points at the bot bridge that serves chat attachments.
type TelegramConfig struct {
	BridgeURL string `toml:"bridge_url"`
	Token     string `toml:"token"`
}

// YtdlpConfig tunes the yt-dlp backed URL adapter.
type YtdlpConfig struct {
	CookiesFile        string        `toml:"cookies_file"`
	CookiesFromBrowser string        `toml:"cookies_from_browser"`
	ProbeTimeout       time.Duration `toml:"probe_timeout"`
}

// SourceConfig maps a source id (e.g. "youtube") to its download folder and
// default quality.
type SourceConfig struct {
	Folder  string `toml:"folder"`
	Quality string `toml:"quality"`
}

// ProcessorConfig defines an external command adapter.
type ProcessorConfig struct {
	Name      string   `toml:"name"`
	Pattern   string   `toml:"pattern"`
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
	TargetDir string   `toml:"target_dir"`
	Isolate   *bool    `toml:"isolate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:             "127.0.0.1",
		Port:             8080,
		DBPath:           DefaultDBPath(),
		DownloadDir:      DefaultTargetDir(),
		MaxRetries:       3,
		RetryBackoff:     5 * time.Second,
		ProgressInterval: time.Second,
		ResyncInterval:   time.Minute,
		StopTimeout:      10 * time.Second,
		Ytdlp: YtdlpConfig{
			ProbeTimeout: 30 * time.Second,
		},
	}
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "downlee", "downloads.db")
}

// DefaultConfigPath returns the config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "downlee", "config.toml")
}

// DefaultTargetDir returns the default download directory.
func DefaultTargetDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads", "downlee")
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Load reads the TOML file at path on top of the defaults, then applies
// DOWNLEE_* environment overrides. An empty path means the default location,
// which may be absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	md, err := toml.DecodeFile(path, cfg)
	switch {
	case err == nil:
		for _, key := range md.Undecoded() {
			log.Printf("config: unknown key %q in %s", key.String(), path)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.DownloadDir = ExpandPath(cfg.DownloadDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"DOWNLEE_HOST":                &c.Host,
		"DOWNLEE_DB":                  &c.DBPath,
		"DOWNLEE_DOWNLOAD_DIR":        &c.DownloadDir,
		"DOWNLEE_API_TOKEN":           &c.APIToken,
		"DOWNLEE_WEBHOOK_SECRET":      &c.WebhookSecret,
		"DOWNLEE_TELEGRAM_BRIDGE_URL": &c.Telegram.BridgeURL,
		"DOWNLEE_TELEGRAM_TOKEN":      &c.Telegram.Token,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DOWNLEE_PORT":        &c.Port,
		"DOWNLEE_MAX_RETRIES": &c.MaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	for i, p := range c.Processors {
		if p.Name == "" || p.Pattern == "" || p.Command == "" {
			return fmt.Errorf("processors[%d]: name, pattern and command are required", i)
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SourceDir returns the download folder for a source id. Relative folders
// are placed under DownloadDir.
func (c *Config) SourceDir(sourceID string) string {
	sc, ok := c.Sources[sourceID]
	if !ok || sc.Folder == "" {
		return c.DownloadDir
	}
	folder := ExpandPath(sc.Folder)
	if filepath.IsAbs(folder) {
		return folder
	}
	return filepath.Join(c.DownloadDir, folder)
}

// SourceQuality returns the configured default quality for a source id.
func (c *Config) SourceQuality(sourceID string) string {
	return c.Sources[sourceID].Quality
}
