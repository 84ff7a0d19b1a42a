package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"bitget-spot/internal/alert"
	"bitget-spot/internal/config"
	"bitget-spot/internal/core"
	"bitget-spot/internal/engine"
	"bitget-spot/internal/exchange/bitget"
	"bitget-spot/internal/logging"
	"bitget-spot/internal/orderbook"
	"bitget-spot/internal/queue"
	"bitget-spot/internal/safety"
	"bitget-spot/internal/store"
)

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with credentials")
	flag.Parse()

	if err := loadEnvFile(envFile); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
	})
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.WithError(err).Error("connector stopped")
		fatal(err.Error())
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	dir := stateDir(cfg)
	lock, err := store.AcquireLock(dir, store.LockOptions{
		InstanceID: cfg.InstanceID,
		Takeover:   *cfg.State.LockTakeover,
		StaleAfter: time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.WithError(relErr).Warn("release instance lock failed")
		}
	}()
	st, err := store.New(dir, logger)
	if err != nil {
		return err
	}

	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			logger.WithError(err).Warn("close alert manager failed")
		}
	}()

	signer, err := bitget.NewSigner(bitget.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
	}, nil)
	if err != nil {
		return err
	}
	fees := cfg.Fees()
	client := bitget.NewClient(bitget.Options{
		Signer:         signer,
		RestBaseURL:    cfg.Exchange.RestBaseURL,
		HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
		Logger:         logger,
		DefaultFees:    &fees,
	})

	breaker := safety.NewBreaker(breakerOptions(cfg, logger))
	breaker.SetAlerter(alerts)
	orders := safety.NewGuardedOrderAPI(client, breaker)

	dialer := bitget.WSDialer{PingInterval: time.Duration(cfg.Exchange.PingIntervalSec) * time.Second}
	marketData, err := bitget.NewMarketData(bitget.MarketDataOptions{
		Client:    client,
		WSURL:     cfg.Exchange.WSBaseURL,
		Dialer:    dialer,
		QueueSize: cfg.MarketData.QueueSize,
		Policy:    cfg.MarketData.DropPolicy,
		Depth:     cfg.Exchange.SnapshotDepth,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer marketData.Close()

	userQueue := queue.New[bitget.Message]("user_stream", cfg.UserStream.QueueSize, queue.Block)
	userStream, err := bitget.NewUserStream(bitget.UserStreamOptions{
		Signer:       signer,
		WSURL:        cfg.Exchange.WSBaseURL,
		Dialer:       dialer,
		Out:          userQueue,
		Backoff:      backoff.NewConstantBackOff(time.Duration(cfg.UserStream.RetryIntervalSec) * time.Second),
		LoginTimeout: time.Duration(cfg.UserStream.LoginTimeoutSec) * time.Second,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := engine.NewReconciler(engine.ReconcilerOptions{
		API:         orders,
		Store:       st,
		Interval:    time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
		MaxOrderAge: time.Duration(cfg.Reconcile.MaxOrderAgeSec) * time.Second,
		Alerts:      alerts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	marketLog := logging.Component(logger, "market_data")
	runner := engine.LiveRunner{
		InstanceID: cfg.InstanceID,
		Pairs:      cfg.TradingPairs,
		MarketData: marketData,
		UserStream: userStream,
		UserQueue:  userQueue,
		Reconciler: reconciler,
		Store:      st,
		Breaker:    breaker,
		Alerts:     alerts,
		Logger:     logger,
		OnTrade: func(t core.PublicTrade) {
			marketLog.WithFields(logrus.Fields{
				"pair":  t.Pair,
				"price": t.Price.String(),
				"size":  t.Size.String(),
				"side":  t.Side,
			}).Debug("public_trade")
		},
		OnBook: func(s orderbook.Snapshot) {
			bid, _ := s.BestBid()
			ask, _ := s.BestAsk()
			marketLog.WithFields(logrus.Fields{
				"pair":     s.Pair,
				"best_bid": bid.Price.String(),
				"best_ask": ask.Price.String(),
				"sequence": s.Sequence,
			}).Debug("book_update")
		},
		Heartbeat:     time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		MaxBackoff:    time.Duration(cfg.MarketData.MaxBackoffSec) * time.Second,
		StableSession: time.Duration(cfg.MarketData.StableSec) * time.Second,
	}
	return runner.Run(ctx)
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, "bitget", cfg.InstanceID)
}

func breakerOptions(cfg config.Config, logger logrus.FieldLogger) safety.Options {
	cb := cfg.CircuitBreaker
	return safety.Options{
		Enabled:              cb.Enabled,
		MaxPlaceFailures:     cb.MaxPlaceFailures,
		MaxCancelFailures:    cb.MaxCancelFailures,
		MaxReconnectFailures: cb.MaxReconnectFailures,
		Cooldown:             time.Duration(cb.CooldownSec) * time.Second,
		HalfOpenSuccesses:    cb.HalfOpenSuccesses,
		Logger:               logger,
	}
}

// buildAlertManager falls back to logging alerts when Telegram is disabled.
func buildAlertManager(cfg config.Config, logger logrus.FieldLogger) *alert.Manager {
	var notifier alert.Notifier = alert.LogNotifier{Log: logging.Component(logger, "alert")}
	if tg := cfg.Observability.Telegram; tg.Enabled {
		telegram, err := alert.NewTelegram(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
		if err != nil {
			logger.WithError(err).Warn("telegram disabled")
		} else {
			notifier = telegram
		}
	}
	return alert.NewManager(notifier, alert.Options{
		InstanceID:     cfg.InstanceID,
		Pairs:          cfg.TradingPairs,
		QueueSize:      cfg.Observability.Runtime.AlertQueueSize,
		ReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:         logger,
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
