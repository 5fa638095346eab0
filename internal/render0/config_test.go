package render0

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "render0.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1000000), cfg.Server.maxBodyBytes)
	assert.Equal(t, 14*time.Minute, cfg.Server.keepAliveDur)
	assert.Equal(t, "networkidle2", cfg.Upstream.WaitUntil)
	assert.Equal(t, 45*time.Second, cfg.Upstream.navTimeoutDur)
	assert.Equal(t, 2*time.Second, cfg.Upstream.captureDelayDur)
	assert.Equal(t, 3*time.Second, cfg.Upstream.emptyRetryDelayDur)
	assert.Equal(t, 1500*time.Millisecond, cfg.Upstream.backoffDur)
	assert.Equal(t, 2, cfg.Upstream.ScreenshotRetries)
	assert.Equal(t, 10*time.Minute, cfg.Cache.ttlDur)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Second, cfg.Stylesheets.timeoutDur)
	assert.Zero(t, cfg.Warmup.everyDur)
	assert.Zero(t, cfg.Logging.statsEveryDur)
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	path := writeFile(t, "render0.yaml", `
server:
  port: 9000
  publicUrl: https://render.example.com/
  corsOrigins: ["https://only.test"]
upstream:
  token: file-token
  screenshotRetries: 4
cache:
  ttl: 5m
  maxEntries: 50
warmup:
  sitemaps:
    - https://example.com/sitemap.xml
  every: 1h
`)
	t.Setenv("RENDER_TOKEN", "env-token")
	t.Setenv("CACHE_MAX_ENTRIES", "7")
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test,")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://render.example.com", cfg.Server.PublicURL)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "env-token", cfg.Upstream.Token)
	assert.Equal(t, 4, cfg.Upstream.ScreenshotRetries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.ttlDur)
	assert.Equal(t, 7, cfg.Cache.MaxEntries)
	assert.Equal(t, []string{"https://example.com/sitemap.xml"}, cfg.Warmup.Sitemaps)
	assert.Equal(t, time.Hour, cfg.Warmup.everyDur)
}

func TestLoadConfig_DotenvFile(t *testing.T) {
	envPath := writeFile(t, "test.env", "STYLESHEET_USER_AGENT=dotenv-agent/2.0\n")
	t.Setenv("ENV_FILE", envPath)
	t.Cleanup(func() { _ = os.Unsetenv("STYLESHEET_USER_AGENT") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv-agent/2.0", cfg.Stylesheets.UserAgent)
}

func TestLoadConfig_InvalidValuesNameTheField(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	for _, tc := range []struct {
		name  string
		yaml  string
		field string
	}{
		{"duration", "cache:\n  ttl: soon\n", "cache.ttl"},
		{"backoff", "upstream:\n  screenshotBackoff: 3 seconds\n", "upstream.screenshotBackoff"},
		{"body size", "server:\n  maxBody: lots\n", "server.maxBody"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "render0.yaml", tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	_, err := LoadConfig(writeFile(t, "render0.yaml", "server: [port"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestConfigCompile_Clamps(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Upstream.ScreenshotRetries = -3
	cfg.Upstream.ImageType = ""
	cfg.Warmup.Concurrency = 0
	cfg.Server.KeepAlive = ""
	require.NoError(t, cfg.compile())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Upstream.ScreenshotRetries)
	assert.Equal(t, "png", cfg.Upstream.ImageType)
	assert.Equal(t, 1, cfg.Warmup.Concurrency)
	assert.Zero(t, cfg.Server.keepAliveDur)
}

func TestConfigCompile_RequiresUpstreamURLs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Upstream.ContentURL = "  "
	err := cfg.compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.contentUrl")
}

func TestLoadConfig_InvalidIntegerEnvNamesTheVariable(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))

	for _, name := range []string{"CACHE_MAX_ENTRIES", "SCREENSHOT_RETRIES", "PORT"} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, "abc")
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
			assert.Contains(t, err.Error(), `"abc"`)
		})
	}
}
