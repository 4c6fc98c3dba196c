package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminaldweller/spikescan/registry"
	"golang.org/x/crypto/bcrypt"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func clearEnv(t *testing.T) {
	t.Helper()

	t.Setenv("COINGECKO_API_KEY", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("SPIKESCAN_API_KEY_HASH", "")
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	config, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), config)
}

func TestLoadConfigTOML(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "spikescan.toml", `
port = "9000"
storeKind = "redis"
keydbAddress = "localhost:6380"
requestsPerMinute = 25
refreshSchedule = "0 */2 * * *"

[sources.secondaryExchange]
selector = "td.symbol"
`)

	config, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", config.Port)
	assert.Equal(t, storeKindRedis, config.StoreKind)
	assert.Equal(t, "localhost:6380", config.KeydbAddress)
	assert.Equal(t, 25, config.RequestsPerMinute)
	assert.Equal(t, "0 */2 * * *", config.RefreshSchedule)
	assert.Equal(t, "td.symbol", config.Sources.SecondaryExchange.Selector)
	assert.Equal(t, defaultConfig().Sources.SecondaryExchange.URL, config.Sources.SecondaryExchange.URL)
	assert.Equal(t, defaultConfig().Sources.PrimaryExchange, config.Sources.PrimaryExchange)
}

func TestLoadConfigYAML(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "spikescan.yaml", strings.Join([]string{
		"port: \"8123\"",
		"cacheDir: /tmp/spikescan",
		"alertExpr: change_1h > 50",
		"sources:",
		"  brokerage:",
		"    path: assets.#.symbol",
	}, "\n"))

	config, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "8123", config.Port)
	assert.Equal(t, "/tmp/spikescan", config.CacheDir)
	assert.Equal(t, "change_1h > 50", config.AlertExpr)
	assert.Equal(t, "assets.#.symbol", config.Sources.Brokerage.Path)
	assert.Equal(t, defaultConfig().Sources.Brokerage.StartMarker, config.Sources.Brokerage.StartMarker)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	clearEnv(t)

	_, err := loadConfig(writeFile(t, "spikescan.json", "{}"))
	require.ErrorIs(t, err, errUnknownConfigExt)

	_, err = loadConfig(writeFile(t, "spikescan.toml", `storeKind = "mongo"`))
	require.ErrorIs(t, err, errUnknownStoreKind)

	_, err = loadConfig(writeFile(t, "spikescan.toml", `port = `))
	require.Error(t, err)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "cg-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("SPIKESCAN_API_KEY_HASH", "env-hash")

	config, err := loadConfig(writeFile(t, "spikescan.toml", `apiKeyHash = "file-hash"`))
	require.NoError(t, err)
	assert.Equal(t, "cg-key", config.CoinGeckoAPIKey)
	assert.Equal(t, "tg-token", config.TelegramBotToken)
	assert.Equal(t, "env-hash", config.APIKeyHash)
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "")
	require.NoError(t, os.Unsetenv("COINGECKO_API_KEY"))

	loadEnvFile(writeFile(t, ".env", "COINGECKO_API_KEY=from-dotenv\n"))
	assert.Equal(t, "from-dotenv", os.Getenv("COINGECKO_API_KEY"))

	loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	loadEnvFile("")
}

func TestGenAPIKey(t *testing.T) {
	apiKey, hashed, err := GenAPIKey()
	require.NoError(t, err)
	assert.Len(t, apiKey, apiKeyBytes*2)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hashed), []byte(apiKey)))

	other, _, err := GenAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, apiKey, other)
}

func TestGenKeyCmd(t *testing.T) {
	var out bytes.Buffer

	require.Equal(t, 0, genKeyCmd(&out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "apikey: "))
	assert.True(t, strings.HasPrefix(lines[1], "apiKeyHash: "))
}

func TestBuildStore(t *testing.T) {
	config := defaultConfig()
	config.CacheDir = t.TempDir()

	st, closer, err := buildStore(config)
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, closer())

	config.StoreKind = "mongo"
	_, _, err = buildStore(config)
	require.ErrorIs(t, err, errUnknownStoreKind)
}

func TestBuildSourcesCoversEveryPlatform(t *testing.T) {
	sources := buildSources(defaultConfig().Sources, nil)

	platforms := make([]registry.Platform, 0, len(sources))
	for _, source := range sources {
		platforms = append(platforms, source.Platform())
	}

	assert.ElementsMatch(t, registry.Platforms, platforms)
}

func TestNewAppWithoutTelegram(t *testing.T) {
	config := defaultConfig()
	config.CacheDir = t.TempDir()

	notifier, err := buildNotifier(config)
	require.NoError(t, err)
	assert.Nil(t, notifier)

	scanner, err := newApp(config)
	require.NoError(t, err)
	require.NotNil(t, scanner.pipeline)
	scanner.Close()

	config.RefreshSchedule = "not a schedule"
	_, err = newApp(config)
	require.Error(t, err)
}
