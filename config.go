package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/terminaldweller/spikescan/coingecko"
	"github.com/terminaldweller/spikescan/registry"
	"gopkg.in/yaml.v3"
)

const (
	storeKindFile  = "file"
	storeKindRedis = "redis"
)

var (
	errUnknownStoreKind = errors.New("unknown store kind")
	errUnknownConfigExt = errors.New("unknown config file extension")
)

type JSONSourceConfig struct {
	URL  string `toml:"url"  yaml:"url"`
	Path string `toml:"path" yaml:"path"`
}

type HTMLSourceConfig struct {
	URL      string `toml:"url"      yaml:"url"`
	Selector string `toml:"selector" yaml:"selector"`
	Attr     string `toml:"attr"     yaml:"attr"`
}

type ScriptSourceConfig struct {
	URL         string `toml:"url"         yaml:"url"`
	StartMarker string `toml:"startMarker" yaml:"startMarker"`
	EndMarker   string `toml:"endMarker"   yaml:"endMarker"`
	Path        string `toml:"path"        yaml:"path"`
}

type SourcesConfig struct {
	PrimaryExchange   JSONSourceConfig   `toml:"primaryExchange"   yaml:"primaryExchange"`
	SecondaryExchange HTMLSourceConfig   `toml:"secondaryExchange" yaml:"secondaryExchange"`
	Brokerage         ScriptSourceConfig `toml:"brokerage"         yaml:"brokerage"`
}

type ScannerConfig struct {
	Port        string `toml:"port"        yaml:"port"`
	TLSCertPath string `toml:"tlsCertPath" yaml:"tlsCertPath"`
	TLSKeyPath  string `toml:"tlsKeyPath"  yaml:"tlsKeyPath"`
	APIKeyHash  string `toml:"apiKeyHash"  yaml:"apiKeyHash"`

	StoreKind     string `toml:"storeKind"     yaml:"storeKind"`
	CacheDir      string `toml:"cacheDir"      yaml:"cacheDir"`
	KeydbAddress  string `toml:"keydbAddress"  yaml:"keydbAddress"`
	KeydbPassword string `toml:"keydbPassword" yaml:"keydbPassword"`
	KeydbDB       int    `toml:"keydbDB"       yaml:"keydbDB"`
	KeyPrefix     string `toml:"keyPrefix"     yaml:"keyPrefix"`

	CoinGeckoBaseURL      string `toml:"coingeckoBaseURL"      yaml:"coingeckoBaseURL"`
	CoinGeckoAPIKeyHeader string `toml:"coingeckoAPIKeyHeader" yaml:"coingeckoAPIKeyHeader"`
	RequestsPerMinute     int    `toml:"requestsPerMinute"     yaml:"requestsPerMinute"`
	HTTPTimeout           int64  `toml:"httpTimeout"           yaml:"httpTimeout"`
	SocksProxy            string `toml:"socksProxy"            yaml:"socksProxy"`

	RefreshSchedule string        `toml:"refreshSchedule" yaml:"refreshSchedule"`
	Sources         SourcesConfig `toml:"sources"         yaml:"sources"`

	TelegramChannelID int64  `toml:"telegramChannelID" yaml:"telegramChannelID"`
	AlertExpr         string `toml:"alertExpr"         yaml:"alertExpr"`
	AlertCooldown     int64  `toml:"alertCooldown"     yaml:"alertCooldown"`

	// secrets, only ever read from the environment
	CoinGeckoAPIKey  string `toml:"-" yaml:"-"`
	TelegramBotToken string `toml:"-" yaml:"-"`
}

func defaultConfig() ScannerConfig {
	return ScannerConfig{
		Port:                  "8010",
		StoreKind:             storeKindFile,
		CacheDir:              "./cache",
		KeydbAddress:          "redis:6379",
		KeyPrefix:             "spikescan:",
		CoinGeckoBaseURL:      coingecko.DefaultBaseURL,
		CoinGeckoAPIKeyHeader: coingecko.DefaultAPIKeyHeader,
		HTTPTimeout:           httpClientTimeout,
		RefreshSchedule:       registry.DefaultSchedule,
		AlertCooldown:         alertCooldownDefault,
		Sources: SourcesConfig{
			PrimaryExchange: JSONSourceConfig{
				URL:  "https://api.exchange.coinbase.com/products",
				Path: "#.base_currency",
			},
			SecondaryExchange: HTMLSourceConfig{
				URL:      "https://www.kraken.com/prices",
				Selector: "[data-testid='asset-symbol']",
			},
			Brokerage: ScriptSourceConfig{
				URL:         "https://robinhood.com/us/en/crypto/",
				StartMarker: "window.___INITIAL_STATE___ = ",
				EndMarker:   ";\n",
				Path:        "currencyPairs.#.asset_currency.code",
			},
		},
	}
}

// loadConfig decodes a toml or yaml file over the defaults and then applies
// the environment. A missing file leaves the defaults in place.
func loadConfig(path string) (ScannerConfig, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	case err != nil:
		return config, fmt.Errorf("[loadConfig] : %w", err)
	default:
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml", "":
			if _, err := toml.Decode(string(data), &config); err != nil {
				return config, fmt.Errorf("[loadConfig] : %w", err)
			}
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &config); err != nil {
				return config, fmt.Errorf("[loadConfig] : %w", err)
			}
		default:
			return config, fmt.Errorf("[loadConfig] : %w: %s", errUnknownConfigExt, path)
		}
	}

	applyEnv(&config)

	if config.StoreKind != storeKindFile && config.StoreKind != storeKindRedis {
		return config, fmt.Errorf("[loadConfig] : %w: %q", errUnknownStoreKind, config.StoreKind)
	}

	return config, nil
}

func applyEnv(config *ScannerConfig) {
	config.CoinGeckoAPIKey = os.Getenv("COINGECKO_API_KEY")
	config.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	if hash := os.Getenv("SPIKESCAN_API_KEY_HASH"); hash != "" {
		config.APIKeyHash = hash
	}
}

// loadEnvFile pulls secrets from a dotenv file without overriding variables
// that are already set.
func loadEnvFile(path string) {
	if path == "" {
		return
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}

		log.Error().Err(err).Str("path", path).Msg("failed to load env file")
	}
}
