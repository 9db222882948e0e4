package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/s0ultr4d3r/tilelayer/tiles"
)

// Config is the YAML configuration of the tilelayer CLI.
type Config struct {
	Layer    LayerConfig    `yaml:"layer"`
	Download DownloadConfig `yaml:"download"`
	Render   RenderConfig   `yaml:"render"`
	LogLevel string         `yaml:"log_level"`
}

// LayerConfig selects a preset or describes a custom tile service.
// A non-empty URL takes precedence over Preset.
type LayerConfig struct {
	Preset      string    `yaml:"preset"`
	Title       string    `yaml:"title"`
	URL         string    `yaml:"url"`
	Attribution string    `yaml:"attribution"`
	ZMin        int       `yaml:"zmin"`
	ZMax        int       `yaml:"zmax"`
	YOriginTop  bool      `yaml:"y_origin_top"`
	BBox        []float64 `yaml:"bbox"` // minx, miny, maxx, maxy
	BBoxEPSG    int       `yaml:"bbox_epsg"`
}

type DownloadConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// MaxConnections overrides the host policy when positive.
	MaxConnections int    `yaml:"max_connections"`
	CacheDir       string `yaml:"cache_dir"`
	// CacheExpiryHours of 0 disables caching.
	CacheExpiryHours int     `yaml:"cache_expiry_hours"`
	UserAgent        string  `yaml:"user_agent"`
	Rate             float64 `yaml:"rate"`
	Burst            int     `yaml:"burst"`
}

type RenderConfig struct {
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Background string `yaml:"background"`
	Smooth     bool   `yaml:"smooth"`
}

func defaultConfig() Config {
	return Config{
		Layer: LayerConfig{
			Preset:     "osm",
			ZMin:       tiles.DefaultZMin,
			ZMax:       tiles.DefaultZMax,
			YOriginTop: true,
		},
		Download: DownloadConfig{
			Timeout:          30 * time.Second,
			CacheExpiryHours: 24,
			UserAgent:        "tilelayer/0.1",
			Burst:            1,
		},
		Render: RenderConfig{
			Width:      1024,
			Height:     768,
			Background: "#ffffff",
			Smooth:     true,
		},
		LogLevel: "info",
	}
}

// loadConfig reads path over the defaults and applies TILELAYER_* variables.
// An empty path skips the file.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.Layer.Preset = getEnv("TILELAYER_PRESET", c.Layer.Preset)
	c.Layer.URL = getEnv("TILELAYER_URL", c.Layer.URL)
	c.Download.CacheDir = getEnv("TILELAYER_CACHE_DIR", c.Download.CacheDir)
	c.Download.UserAgent = getEnv("TILELAYER_USER_AGENT", c.Download.UserAgent)
	c.LogLevel = getEnv("TILELAYER_LOG_LEVEL", c.LogLevel)

	if v := os.Getenv("TILELAYER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse TILELAYER_TIMEOUT: %w", err)
		}
		c.Download.Timeout = d
	}
	if v := os.Getenv("TILELAYER_CACHE_EXPIRY_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse TILELAYER_CACHE_EXPIRY_HOURS: %w", err)
		}
		c.Download.CacheExpiryHours = n
	}
	if v := os.Getenv("TILELAYER_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse TILELAYER_MAX_CONNECTIONS: %w", err)
		}
		c.Download.MaxConnections = n
	}
	if v := os.Getenv("TILELAYER_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse TILELAYER_RATE: %w", err)
		}
		c.Download.Rate = f
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Download.Timeout < 0 {
		return errors.New("config: download.timeout must not be negative")
	}
	if c.Download.CacheExpiryHours < 0 {
		return errors.New("config: download.cache_expiry_hours must not be negative")
	}
	if c.Download.Rate < 0 {
		return errors.New("config: download.rate must not be negative")
	}
	if c.Render.Width <= 0 || c.Render.Height < 0 {
		return errors.New("config: render size must be positive")
	}
	if _, err := parseHexColor(c.Render.Background); err != nil {
		return fmt.Errorf("config: render.background: %w", err)
	}
	if len(c.Layer.BBox) != 0 && len(c.Layer.BBox) != 4 {
		return errors.New("config: layer.bbox needs 4 numbers")
	}
	_, err := c.BuildLayer()
	return err
}

// BuildLayer resolves the configured tile layer.
func (c *Config) BuildLayer() (tiles.Layer, error) {
	lc := c.Layer
	if lc.URL == "" {
		l, ok := tiles.Presets[lc.Preset]
		if !ok {
			return tiles.Layer{}, fmt.Errorf("config: unknown preset %q", lc.Preset)
		}
		return l, nil
	}

	l := tiles.Layer{
		Title:       lc.Title,
		URL:         lc.URL,
		Attribution: lc.Attribution,
		ZMin:        lc.ZMin,
		ZMax:        lc.ZMax,
		YOriginTop:  lc.YOriginTop,
		BBoxEPSG:    lc.BBoxEPSG,
	}
	if l.Title == "" {
		l.Title = lc.URL
	}
	if len(lc.BBox) == 4 {
		l.BBox = &orb.Bound{
			Min: orb.Point{lc.BBox[0], lc.BBox[1]},
			Max: orb.Point{lc.BBox[2], lc.BBox[3]},
		}
	}
	if err := l.Validate(); err != nil {
		return tiles.Layer{}, fmt.Errorf("config: layer: %w", err)
	}
	return l, nil
}

// cacheExpiry converts the configured hours; a negative result disables caching.
func (c *Config) cacheExpiry() time.Duration {
	if c.Download.CacheExpiryHours <= 0 {
		return -1
	}
	return time.Duration(c.Download.CacheExpiryHours) * time.Hour
}
