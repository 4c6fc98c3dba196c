package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/terminaldweller/spikescan/coingecko"
	"github.com/terminaldweller/spikescan/dashboard"
	"github.com/terminaldweller/spikescan/netclient"
	"github.com/terminaldweller/spikescan/notify"
	"github.com/terminaldweller/spikescan/registry"
	"github.com/terminaldweller/spikescan/store"
)

const (
	httpClientTimeout       = 10
	serverTLSReadTimeout    = 15
	serverTLSWriteTimeout   = 45
	defaultGracefulShutdown = 15
	alertCooldownDefault    = 60
	scanTimeout             = 30
)

type app struct {
	config   ScannerConfig
	store    store.Store
	pipeline *dashboard.Pipeline
	closers  []func() error
}

func (a *app) Close() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			log.Error().Err(err).Send()
		}
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

func buildStore(config ScannerConfig) (store.Store, func() error, error) {
	switch config.StoreKind {
	case storeKindRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.KeydbAddress,
			Password: config.KeydbPassword,
			DB:       config.KeydbDB,
		})

		return store.NewRedisStore(rdb, config.KeyPrefix), rdb.Close, nil
	case storeKindFile:
		fileStore, err := store.NewFileStore(config.CacheDir)
		if err != nil {
			return nil, nil, err
		}

		return fileStore, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("[buildStore] : %w: %q", errUnknownStoreKind, config.StoreKind)
	}
}

func buildSources(config SourcesConfig, client *http.Client) []registry.Source {
	return []registry.Source{
		registry.NewJSONListSource(
			registry.PrimaryExchange,
			config.PrimaryExchange.URL,
			config.PrimaryExchange.Path,
			client,
		),
		registry.NewHTMLSelectorSource(
			registry.SecondaryExchange,
			config.SecondaryExchange.URL,
			config.SecondaryExchange.Selector,
			config.SecondaryExchange.Attr,
			client,
		),
		registry.NewScriptPayloadSource(
			registry.Brokerage,
			config.Brokerage.URL,
			config.Brokerage.StartMarker,
			config.Brokerage.EndMarker,
			config.Brokerage.Path,
			client,
		),
	}
}

// buildNotifier returns nil when telegram is not configured.
func buildNotifier(config ScannerConfig) (dashboard.Notifier, error) {
	if config.TelegramBotToken == "" || config.TelegramChannelID == 0 {
		return nil, nil
	}

	sender, err := notify.NewTelegramSender(config.TelegramBotToken, config.TelegramChannelID)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(sender, config.AlertExpr, time.Duration(config.AlertCooldown)*time.Minute)
	if err != nil {
		return nil, err
	}

	return notifier, nil
}

func newApp(config ScannerConfig) (*app, error) {
	st, closeStore, err := buildStore(config)
	if err != nil {
		return nil, err
	}

	scanner := &app{config: config, store: st, closers: []func() error{closeStore}}

	client, err := netclient.GetClient(time.Duration(config.HTTPTimeout)*time.Second, config.SocksProxy)
	if err != nil {
		scanner.Close()

		return nil, err
	}

	schedule, err := registry.ParseSchedule(config.RefreshSchedule)
	if err != nil {
		scanner.Close()

		return nil, err
	}

	market := coingecko.NewClient(coingecko.Config{
		BaseURL:           config.CoinGeckoBaseURL,
		APIKey:            config.CoinGeckoAPIKey,
		APIKeyHeader:      config.CoinGeckoAPIKeyHeader,
		RequestsPerMinute: config.RequestsPerMinute,
	}, client)

	if config.CoinGeckoAPIKey == "" {
		log.Info().Msg("no coingecko api key set, using the public tier")
	}

	supported := registry.New(st, buildSources(config.Sources, client), schedule, registry.SystemClock)

	notifier, err := buildNotifier(config)
	if err != nil {
		log.Error().Err(err).Msg("telegram notifications disabled")

		notifier = nil
	}

	scanner.pipeline = dashboard.NewPipeline(supported, market, notifier)

	return scanner, nil
}

func startServer(gracefulWait time.Duration, handler http.Handler, config ScannerConfig) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}

	srv := &http.Server{
		Addr:         "0.0.0.0:" + config.Port,
		WriteTimeout: time.Second * serverTLSWriteTimeout,
		ReadTimeout:  time.Second * serverTLSReadTimeout,
		Handler:      handler,
		TLSConfig:    cfg,
	}

	go func() {
		var err error

		log.Info().Str("addr", srv.Addr).Msg("serving dashboard")

		if config.TLSCertPath != "" && config.TLSKeyPath != "" {
			err = srv.ListenAndServeTLS(config.TLSCertPath, config.TLSKeyPath)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Send()
		}
	}()

	c := make(chan os.Signal, 1)

	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), gracefulWait)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Send()
	}

	log.Info().Msg("gracefully shut down the server")
}

// runScan runs a single cycle and prints the result as JSON.
func runScan(scanner *app, opts dashboard.Options) int {
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout*time.Second)
	defer cancel()

	result := scanner.pipeline.Run(ctx, opts)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(result); err != nil {
		log.Error().Err(err).Send()

		return 1
	}

	if result.NoData {
		return 1
	}

	return 0
}

func main() {
	setupLogging()

	if len(os.Args) > 1 && os.Args[1] == "genkey" {
		os.Exit(genKeyCmd(os.Stdout))
	}

	var gracefulWait time.Duration

	flag.DurationVar(
		&gracefulWait,
		"gracefulwait",
		time.Second*defaultGracefulShutdown,
		"the duration to wait during the graceful shutdown",
	)

	configPath := flag.String("config", "/spikescan/spikescan.toml", "path to the config file, toml or yaml")
	envFile := flag.String("envfile", ".env", "dotenv file holding COINGECKO_API_KEY and TELEGRAM_BOT_TOKEN")
	port := flag.String("port", "", "overrides the port in the config file")
	scanOnce := flag.Bool("scan", false, "run one scan, print it as json and exit")
	supportedOnly := flag.Bool("supported", false, "with -scan, keep only coins listed on a supported platform")
	debug := flag.Bool("debug", false, "with -scan, include the raw and filtered snapshots")
	flag.Parse()

	loadEnvFile(*envFile)

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	if *port != "" {
		config.Port = *port
	}

	scanner, err := newApp(config)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	if *scanOnce {
		code := runScan(scanner, dashboard.Options{SupportedOnly: *supportedOnly, Debug: *debug})
		scanner.Close()
		os.Exit(code)
	}

	server := dashboard.NewServer(scanner.pipeline, scanner.store, config.APIKeyHash)

	startServer(gracefulWait, server.Router(), config)
	scanner.Close()
}
