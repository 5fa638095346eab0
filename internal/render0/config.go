package render0

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int      `yaml:"port" env:"PORT"`
		MaxBody     string   `yaml:"maxBody" env:"MAX_BODY"`
		CORSOrigins []string `yaml:"corsOrigins" env:"CORS_ORIGINS"`
		PublicURL   string   `yaml:"publicUrl" env:"PUBLIC_URL"`
		KeepAlive   string   `yaml:"keepAlive" env:"KEEP_ALIVE_EVERY"`

		// compiled
		maxBodyBytes int64
		keepAliveDur time.Duration
	} `yaml:"server"`

	Upstream struct {
		ContentURL        string `yaml:"contentUrl" env:"RENDER_CONTENT_URL"`
		ScreenshotURL     string `yaml:"screenshotUrl" env:"RENDER_SCREENSHOT_URL"`
		Token             string `yaml:"token" env:"RENDER_TOKEN"`
		WaitUntil         string `yaml:"waitUntil" env:"RENDER_WAIT_UNTIL"`
		NavigationTimeout string `yaml:"navigationTimeout" env:"RENDER_NAVIGATION_TIMEOUT"`
		CaptureDelay      string `yaml:"captureDelay" env:"CAPTURE_DELAY"`
		EmptyRetryDelay   string `yaml:"emptyRetryDelay" env:"EMPTY_RETRY_DELAY"`
		ScreenshotRetries int    `yaml:"screenshotRetries" env:"SCREENSHOT_RETRIES"`
		ScreenshotBackoff string `yaml:"screenshotBackoff" env:"SCREENSHOT_BACKOFF"`
		ImageType         string `yaml:"imageType" env:"SCREENSHOT_TYPE"`

		// compiled
		navTimeoutDur      time.Duration
		captureDelayDur    time.Duration
		emptyRetryDelayDur time.Duration
		backoffDur         time.Duration
	} `yaml:"upstream"`

	Cache struct {
		TTL        string `yaml:"ttl" env:"CACHE_TTL"`
		MaxEntries int    `yaml:"maxEntries" env:"CACHE_MAX_ENTRIES"`

		ttlDur time.Duration
	} `yaml:"cache"`

	Stylesheets struct {
		UserAgent string `yaml:"userAgent" env:"STYLESHEET_USER_AGENT"`
		Timeout   string `yaml:"timeout" env:"STYLESHEET_TIMEOUT"`

		timeoutDur time.Duration
	} `yaml:"stylesheets"`

	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps" env:"WARMUP_SITEMAPS"`
		InitialDelay string   `yaml:"initialDelay" env:"WARMUP_INITIAL_DELAY"`
		Every        string   `yaml:"every" env:"WARMUP_EVERY"`
		Concurrency  int      `yaml:"concurrency" env:"WARMUP_CONCURRENCY"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"warmup"`

	Logging struct {
		Level      string `yaml:"level" env:"LOG_LEVEL"`
		StatsEvery string `yaml:"statsEvery" env:"LOG_STATS_EVERY"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when neither a file nor the
// environment sets a value.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.MaxBody = "1mb"
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Server.KeepAlive = "14m"

	cfg.Upstream.ContentURL = "https://production-sfo.browserless.io/content"
	cfg.Upstream.ScreenshotURL = "https://production-sfo.browserless.io/screenshot"
	cfg.Upstream.WaitUntil = "networkidle2"
	cfg.Upstream.NavigationTimeout = "45s"
	cfg.Upstream.CaptureDelay = "2s"
	cfg.Upstream.EmptyRetryDelay = "3s"
	cfg.Upstream.ScreenshotRetries = 2
	cfg.Upstream.ScreenshotBackoff = "1500ms"
	cfg.Upstream.ImageType = "png"

	cfg.Cache.TTL = "10m"
	cfg.Cache.MaxEntries = 100

	cfg.Stylesheets.UserAgent = "Mozilla/5.0 (compatible; render0/1.0)"
	cfg.Stylesheets.Timeout = "10s"

	cfg.Warmup.InitialDelay = "30s"
	cfg.Warmup.Concurrency = 2

	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig layers an optional YAML file and then the environment (including
// .env files) over DefaultConfig. An empty path or a missing file is not an
// error: the gateway is normally configured from the environment alone.
func LoadConfig(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	n, err := humanize.ParseBytes(cfg.Server.MaxBody)
	if err != nil {
		return fmt.Errorf("server.maxBody: %w", err)
	}
	cfg.Server.maxBodyBytes = int64(n)
	cfg.Server.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.Server.PublicURL), "/")

	cfg.Upstream.ContentURL = strings.TrimSpace(cfg.Upstream.ContentURL)
	cfg.Upstream.ScreenshotURL = strings.TrimSpace(cfg.Upstream.ScreenshotURL)
	cfg.Upstream.Token = strings.TrimSpace(cfg.Upstream.Token)
	if cfg.Upstream.ContentURL == "" {
		return fmt.Errorf("upstream.contentUrl is required")
	}
	if cfg.Upstream.ScreenshotURL == "" {
		return fmt.Errorf("upstream.screenshotUrl is required")
	}
	if cfg.Upstream.ScreenshotRetries < 0 {
		cfg.Upstream.ScreenshotRetries = 0
	}
	if cfg.Upstream.ImageType == "" {
		cfg.Upstream.ImageType = "png"
	}
	if cfg.Warmup.Concurrency <= 0 {
		cfg.Warmup.Concurrency = 1
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"server.keepAlive", cfg.Server.KeepAlive, &cfg.Server.keepAliveDur},
		{"upstream.navigationTimeout", cfg.Upstream.NavigationTimeout, &cfg.Upstream.navTimeoutDur},
		{"upstream.captureDelay", cfg.Upstream.CaptureDelay, &cfg.Upstream.captureDelayDur},
		{"upstream.emptyRetryDelay", cfg.Upstream.EmptyRetryDelay, &cfg.Upstream.emptyRetryDelayDur},
		{"upstream.screenshotBackoff", cfg.Upstream.ScreenshotBackoff, &cfg.Upstream.backoffDur},
		{"cache.ttl", cfg.Cache.TTL, &cfg.Cache.ttlDur},
		{"stylesheets.timeout", cfg.Stylesheets.Timeout, &cfg.Stylesheets.timeoutDur},
		{"warmup.initialDelay", cfg.Warmup.InitialDelay, &cfg.Warmup.initialDelayDur},
		{"warmup.every", cfg.Warmup.Every, &cfg.Warmup.everyDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.src) == "" {
			*d.dst = 0
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// godotenv never overrides variables already present in the environment.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return applyEnvToStruct(v)
}

func applyEnvToStruct(v reflect.Value) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := setFieldFromString(field, val); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", val)
		}
		field.SetInt(i)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(val, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}
	return nil
}
