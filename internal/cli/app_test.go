package cli

import (
	"io"
	"testing"

	"convergence-trading-bot/config"
	"convergence-trading-bot/internal/binance"
	"convergence-trading-bot/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, &logging.Config{Level: "ERROR"})
}

func TestBinanceURLs(t *testing.T) {
	def := config.Default().BinanceConfig

	testCases := []struct {
		name       string
		mutate     func(c *config.BinanceConfig)
		wantBase   string
		wantStream string
	}{
		{"mainnet defaults", func(c *config.BinanceConfig) {}, def.BaseURL, def.StreamURL},
		{"testnet swaps defaults", func(c *config.BinanceConfig) { c.TestNet = true }, testnetBaseURL, testnetStreamURL},
		{"testnet keeps explicit urls", func(c *config.BinanceConfig) {
			c.TestNet = true
			c.BaseURL = "http://localhost:9000"
		}, "http://localhost:9000", testnetStreamURL},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := def
			tc.mutate(&c)
			base, stream := binanceURLs(c)
			if base != tc.wantBase || stream != tc.wantStream {
				t.Errorf("binanceURLs() = %s, %s; want %s, %s", base, stream, tc.wantBase, tc.wantStream)
			}
		})
	}
}

func TestNewExchange(t *testing.T) {
	t.Run("simulate uses paper fills", func(t *testing.T) {
		ex, stream, err := newExchange(config.Default(), runOptions{simulate: true}, quietLogger())
		if err != nil {
			t.Fatalf("newExchange: %v", err)
		}
		if _, ok := ex.(*binance.PaperExchange); !ok {
			t.Errorf("exchange = %T, want *binance.PaperExchange", ex)
		}
		if stream != nil {
			t.Error("simulated market should not open a stream")
		}
	})

	t.Run("paper mode wraps live data", func(t *testing.T) {
		cfg := config.Default()
		cfg.BinanceConfig.PaperMode = true
		ex, _, err := newExchange(cfg, runOptions{}, quietLogger())
		if err != nil {
			t.Fatalf("newExchange: %v", err)
		}
		if _, ok := ex.(*binance.PaperExchange); !ok {
			t.Errorf("exchange = %T, want *binance.PaperExchange", ex)
		}
	})

	t.Run("live requires keys", func(t *testing.T) {
		if _, _, err := newExchange(config.Default(), runOptions{}, quietLogger()); err == nil {
			t.Error("expected an error without API keys")
		}
	})

	t.Run("live with stream", func(t *testing.T) {
		cfg := config.Default()
		cfg.BinanceConfig.APIKey = "k"
		cfg.BinanceConfig.SecretKey = "s"
		cfg.BinanceConfig.UseStream = true
		ex, stream, err := newExchange(cfg, runOptions{}, quietLogger())
		if err != nil {
			t.Fatalf("newExchange: %v", err)
		}
		if _, ok := ex.(*binance.Exchange); !ok {
			t.Errorf("exchange = %T, want *binance.Exchange", ex)
		}
		if stream == nil {
			t.Error("expected a price stream")
		}
	})
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"run", "reconcile", "snapshot", "token"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestNewNotifierNeedsAProvider(t *testing.T) {
	cfg := config.Default().NotificationConfig
	if newNotifier(cfg, quietLogger()).Enabled() {
		t.Error("notifier enabled without providers")
	}

	cfg.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"}
	if !newNotifier(cfg, quietLogger()).Enabled() {
		t.Error("telegram provider not enabled")
	}
}
