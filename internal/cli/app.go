package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/api"
	"convergence-trading-bot/internal/auth"
	"convergence-trading-bot/internal/autopilot"
	"convergence-trading-bot/internal/binance"
	"convergence-trading-bot/internal/circuit"
	"convergence-trading-bot/internal/database"
	"convergence-trading-bot/internal/events"
	"convergence-trading-bot/internal/exchange"
	"convergence-trading-bot/internal/indicators"
	"convergence-trading-bot/internal/logging"
	"convergence-trading-bot/internal/market"
	"convergence-trading-bot/internal/metrics"
	"convergence-trading-bot/internal/notification"
	"convergence-trading-bot/internal/reconcile"
	"convergence-trading-bot/internal/risk"
	"convergence-trading-bot/internal/signal"
	"convergence-trading-bot/internal/snapshot"
	"convergence-trading-bot/internal/vault"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	testnetBaseURL   = "https://testnet.binance.vision"
	testnetStreamURL = "wss://testnet.binance.vision/ws"

	// Simulated market seed price when no live venue is used.
	simulatedStartPrice = 30000.0
)

// runOptions are the command-line switches of the run command.
type runOptions struct {
	simulate bool
}

// app holds everything the run command starts and must stop.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	exchange   exchange.Exchange
	stream     *binance.PriceStream
	controller *autopilot.Controller
	bus        *events.EventBus
	kafka      *events.KafkaPublisher
	db         *database.DB
	journal    *database.Journal
	redis      *redis.Client
	server     *api.Server
}

func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	return logger
}

// resolveCredentials replaces the configured API keys with the Vault copy
// when Vault is enabled.
func resolveCredentials(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if !cfg.VaultConfig.Enabled {
		return nil
	}
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	creds, err := client.GetExchangeCredentials(ctx, cfg.BinanceConfig.TestNet)
	if err != nil {
		return fmt.Errorf("failed to load exchange credentials: %w", err)
	}
	cfg.BinanceConfig.APIKey = creds.APIKey
	cfg.BinanceConfig.SecretKey = creds.SecretKey
	logger.Info("Exchange credentials loaded from Vault", "testnet", creds.IsTestnet)
	return nil
}

func binanceURLs(cfg config.BinanceConfig) (string, string) {
	def := config.Default().BinanceConfig
	baseURL, streamURL := cfg.BaseURL, cfg.StreamURL
	if cfg.TestNet {
		if baseURL == def.BaseURL {
			baseURL = testnetBaseURL
		}
		if streamURL == def.StreamURL {
			streamURL = testnetStreamURL
		}
	}
	return baseURL, streamURL
}

// newLiveExchange builds the REST (and optional stream) adapter.
func newLiveExchange(cfg *config.Config, logger *logging.Logger) (*binance.Exchange, *binance.PriceStream) {
	baseURL, streamURL := binanceURLs(cfg.BinanceConfig)
	client := binance.NewClient(
		cfg.BinanceConfig.APIKey,
		cfg.BinanceConfig.SecretKey,
		baseURL,
		time.Duration(cfg.BinanceConfig.TimeoutMs)*time.Millisecond,
	)

	var stream *binance.PriceStream
	if cfg.BinanceConfig.UseStream {
		stream = binance.NewPriceStream(streamURL, cfg.TradingConfig.Symbol, logger)
	}

	return binance.NewExchange(client, stream, binance.ExchangeConfig{
		Symbol:       cfg.TradingConfig.Symbol,
		BaseAsset:    cfg.TradingConfig.BaseAsset,
		Interval:     cfg.TradingConfig.Interval,
		WindowSize:   cfg.TradingConfig.WindowSize,
		StreamMaxAge: cfg.TradingConfig.TickInterval(),
	}, logger), stream
}

// newExchange picks the venue: a simulated market, paper fills over live
// data, or the live account.
func newExchange(cfg *config.Config, opts runOptions, logger *logging.Logger) (exchange.Exchange, *binance.PriceStream, error) {
	interval := market.IntervalDuration(cfg.TradingConfig.Interval)

	if opts.simulate {
		source := binance.NewSimulatedMarket(simulatedStartPrice, interval, cfg.TradingConfig.WindowSize, time.Now().UnixNano())
		logger.Info("Using simulated market with paper fills")
		return binance.NewPaperExchange(source, cfg.TradingConfig.BaseAsset), nil, nil
	}

	live, stream := newLiveExchange(cfg, logger)
	if cfg.BinanceConfig.PaperMode {
		logger.Info("Paper mode: live market data, local fills")
		return binance.NewPaperExchange(live, cfg.TradingConfig.BaseAsset), stream, nil
	}

	if cfg.BinanceConfig.APIKey == "" || cfg.BinanceConfig.SecretKey == "" {
		return nil, nil, fmt.Errorf("binance API key and secret are required outside paper mode")
	}
	return live, stream, nil
}

func newSnapshotStore(cfg *config.Config, logger *logging.Logger) (snapshot.Store, *redis.Client, error) {
	if cfg.SnapshotConfig.Backend == "redis" {
		client, err := snapshot.NewRedisClient(cfg.RedisConfig)
		if err != nil {
			return nil, nil, err
		}
		return snapshot.NewRedisStore(client, cfg.SnapshotConfig.RedisKey, logger.Zerolog()), client, nil
	}
	return snapshot.NewFileStore(cfg.SnapshotConfig.Path, logger.Zerolog()), nil, nil
}

func newAggregator(cfg config.SignalConfig, logger *logging.Logger) *signal.Aggregator {
	return signal.NewAggregator(
		signal.Config{
			EntryQuorum:        cfg.EntryQuorum,
			EntryLookbackTicks: cfg.EntryLookbackTicks,
			MinDivergence:      cfg.MinDivergence,
			MaxDivergenceAge:   time.Duration(cfg.DivergenceMaxAgeSec) * time.Second,
			SupportIndicator:   cfg.SupportIndicator,
		},
		signal.StaticBuckets(cfg.ExitBuckets),
		signal.DelayTable{
			Trending: time.Duration(cfg.TrendingDelaySecs) * time.Second,
			Ranging:  time.Duration(cfg.RangingDelaySecs) * time.Second,
		},
		signal.PercentMomentum{
			Lookback:     cfg.MomentumLookback,
			ThresholdPct: cfg.TrendingThresholdPc,
		},
	).WithLogger(logger)
}

// newApp wires the trading loop and its optional collaborators. On error
// anything already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, opts runOptions, logger *logging.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := resolveCredentials(ctx, cfg, logger); err != nil {
		return nil, err
	}

	a.exchange, a.stream, err = newExchange(cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	bank, err := indicators.NewBankFromConfig(cfg.IndicatorConfig, cfg.SignalConfig.EntryIndicators, cfg.SignalConfig.ExitIndicators)
	if err != nil {
		return nil, fmt.Errorf("failed to build indicator bank: %w", err)
	}

	a.bus = events.NewEventBus(cfg.TradingConfig.Symbol)

	if cfg.KafkaConfig.Enabled {
		a.kafka, err = events.NewKafkaPublisher(cfg.KafkaConfig.Brokers, cfg.KafkaConfig.Topic, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		a.kafka.Attach(a.bus)
	}

	if cfg.DatabaseConfig.Enabled {
		a.db, err = database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := a.db.RunMigrations(ctx); err != nil {
			return nil, err
		}
		a.journal = database.NewJournal(a.db, logger)
		a.journal.Attach(a.bus)
	}

	if cfg.NotificationConfig.Enabled {
		if notifier := newNotifier(cfg.NotificationConfig, logger); notifier.Enabled() {
			notifier.Attach(a.bus)
		} else {
			logger.Warn("Notifications enabled but no provider is configured")
		}
	}

	var store snapshot.Store
	store, a.redis, err = newSnapshotStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	recorder := metrics.New(autopilot.AllStates())
	retrier := circuit.NewRetrier(&circuit.RetryConfig{
		MaxRetries:    cfg.RetryConfig.MaxRetries,
		BackoffDelays: cfg.RetryConfig.BackoffDelays(),
	}, logger)

	machine := autopilot.NewStateMachine(
		autopilot.MachineConfig{
			Symbol:       cfg.TradingConfig.Symbol,
			OrderSize:    decimal.NewFromFloat(cfg.TradingConfig.OrderSize),
			OrderTimeout: cfg.TradingConfig.OrderTimeout(),
			DryRun:       cfg.TradingConfig.DryRun,
		},
		newAggregator(cfg.SignalConfig, logger),
		a.exchange,
		retrier,
		a.bus,
		recorder,
		logger,
	)

	a.controller = autopilot.NewController(
		autopilot.Settings{
			Symbol:       cfg.TradingConfig.Symbol,
			Interval:     cfg.TradingConfig.Interval,
			WindowSize:   cfg.TradingConfig.WindowSize,
			TickInterval: cfg.TradingConfig.TickInterval(),
			HaltBackoff:  cfg.TradingConfig.HaltBackoff(),
			Stats:        indicators.StatsConfigFrom(cfg.IndicatorConfig),
		},
		autopilot.Dependencies{
			Exchange:   a.exchange,
			Bank:       bank,
			Machine:    machine,
			Reconciler: reconcile.NewReconciler(a.exchange, cfg.TradingConfig.LedgerLookback(), logger),
			Guard: risk.NewGuard(&risk.Config{
				MinPrice:        cfg.RiskConfig.MinPrice,
				MaxSpikePercent: cfg.RiskConfig.MaxSpikePercent,
			}),
			Breaker: circuit.NewCircuitBreaker(&circuit.Config{
				Enabled:              true,
				MaxConsecutiveErrors: cfg.RiskConfig.MaxConsecutiveErrors,
			}),
			Retrier:   retrier,
			Snapshots: store,
			Bus:       a.bus,
			Metrics:   recorder,
			Logger:    logger,
		},
	)

	if cfg.ServerConfig.Enabled {
		a.server = newServer(cfg, a, logger)
	}
	return a, nil
}

func newServer(cfg *config.Config, a *app, logger *logging.Logger) *api.Server {
	var origins []string
	for _, o := range strings.Split(cfg.ServerConfig.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	opts := api.Options{}
	if cfg.AuthConfig.Enabled {
		opts.JWTManager = newJWTManager(cfg.AuthConfig)
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}
	if a.db != nil {
		opts.DB = a.db
	}
	if a.stream != nil {
		opts.Stream = a.stream
	}

	return api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowedOrigins: origins,
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, a.controller, opts, logger)
}

func newNotifier(cfg config.NotificationConfig, logger *logging.Logger) *notification.Manager {
	m := notification.NewManager(logger)
	m.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
		Enabled:  cfg.Telegram.Enabled,
	}))
	m.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		WebhookURL: cfg.Discord.WebhookURL,
		Enabled:    cfg.Discord.Enabled,
	}))
	return m
}

func newJWTManager(cfg config.AuthConfig) *auth.JWTManager {
	return auth.NewJWTManager(cfg.JWTSecret, time.Duration(cfg.TokenTTLMinutes)*time.Minute)
}

// run starts the stream and server, then blocks in the control loop until
// ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if a.stream != nil {
		go a.stream.Run(ctx)
	}

	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil {
				a.logger.Error("API server stopped", "error", err)
			}
		}()
	}

	err := a.controller.Run(ctx)

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if serr := a.server.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("API server shutdown failed", "error", serr)
		}
		cancel()
	}
	return err
}

// close flushes pending events and releases connections.
func (a *app) close() {
	if a.bus != nil {
		a.bus.Drain()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Error("Failed to close kafka publisher", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", "error", err)
		}
	}
}
