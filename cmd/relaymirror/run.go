package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quailyquaily/relaymirror/internal/commands"
	"github.com/quailyquaily/relaymirror/internal/docstore"
	"github.com/quailyquaily/relaymirror/internal/healthserver"
	"github.com/quailyquaily/relaymirror/internal/logutil"
	"github.com/quailyquaily/relaymirror/internal/mtprotoclient"
	"github.com/quailyquaily/relaymirror/internal/platform"
	"github.com/quailyquaily/relaymirror/internal/relay"
	"github.com/quailyquaily/relaymirror/internal/retention"
	"github.com/quailyquaily/relaymirror/internal/state"
	"github.com/quailyquaily/relaymirror/internal/statepaths"
	"github.com/quailyquaily/relaymirror/internal/telegramclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start relaying",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, logger)
		},
	}

	cmd.Flags().String("env-file", ".env", "Dotenv file with Telegram credentials and OWNER_ID (optional).")
	cmd.Flags().String("telegram-mode", "", "Telegram client: user (MTProto account, default) or bot (Bot API).")
	cmd.Flags().String("listen", "", "Address for /healthz and /metrics, e.g. 127.0.0.1:9090 (empty disables).")
	cmd.Flags().String("retention-schedule", "", "Cron expression for the retention sweep (default @hourly).")
	_ = viper.BindPFlag("env_file", cmd.Flags().Lookup("env-file"))
	_ = viper.BindPFlag("telegram.mode", cmd.Flags().Lookup("telegram-mode"))
	_ = viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("retention.schedule", cmd.Flags().Lookup("retention-schedule"))

	return cmd
}

func runRelay(ctx context.Context, logger *slog.Logger) error {
	mode := telegramMode()
	creds, err := loadCredentials(viper.GetString("env_file"), mode)
	if err != nil {
		return err
	}

	dir := statepaths.StateDir()
	lock, err := docstore.AcquireDirLock(dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("state_dir_unlock_failed", "error", err.Error())
		}
	}()

	stores, err := state.Open(state.Options{
		Dir:      dir,
		OwnerID:  creds.OwnerID,
		Defaults: settingsFromViper(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if owner, _ := stores.Config.OwnerID(ctx); owner == 0 {
		logger.Warn("owner_not_configured", "hint", "set OWNER_ID to enable owner commands")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	client, err := newEventClient(mode, creds, logger)
	if err != nil {
		return err
	}

	collector := relay.NewCollector(client, relay.CollectorOptions{
		PollInterval: viper.GetDuration("relay.poll_interval"),
		Logger:       logger,
		Metrics:      metrics,
	})
	relayer, err := relay.New(relay.Options{
		Client:          client,
		Stores:          stores,
		Collector:       collector,
		Cooldown:        viper.GetDuration("relay.cooldown"),
		MaxSendAttempts: viper.GetInt("relay.send_attempts"),
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}
	edits, err := relay.NewEditMirror(relay.EditMirrorOptions{
		Client:   client,
		Config:   stores.Config,
		Mappings: stores.Mappings,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	dispatcher, err := commands.New(commands.Options{
		Client:  client,
		Config:  stores.Config,
		Relayer: relayer,
		Edits:   edits,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	sweeper, err := retention.New(retention.Options{
		Stores:   stores,
		Schedule: viper.GetString("retention.schedule"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if listen := strings.TrimSpace(viper.GetString("server.listen")); listen != "" {
		hs, err := healthserver.New(healthserver.Options{
			Addr:     listen,
			Gatherer: reg,
			Ready: func(ctx context.Context) error {
				_, err := stores.Config.Snapshot(ctx)
				return err
			},
			Version: strings.TrimSpace(version),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Run(ctx); err != nil {
				logger.Error("healthserver_failed", "error", err.Error())
			}
		}()
	}

	logger.Info("relaymirror_started", "state_dir", dir, "mode", mode, "version", strings.TrimSpace(version))
	err = client.Run(ctx, dispatcher)
	dispatcher.Wait()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("relaymirror_stopped")
	return err
}

type eventClient interface {
	platform.Client
	Run(ctx context.Context, h platform.Handler) error
}

func telegramMode() string {
	mode := strings.ToLower(strings.TrimSpace(viper.GetString("telegram.mode")))
	if mode == "" {
		return modeUser
	}
	return mode
}

// newEventClient picks the Telegram transport. Only a user account can talk
// to other bots and see its own messages, so bot mode is limited to chats
// where the responder is a human or another client feeds it.
func newEventClient(mode string, creds credentials, logger *slog.Logger) (eventClient, error) {
	if mode == modeBot {
		c, err := telegramclient.New(telegramclient.Options{
			Token:         creds.BotToken,
			PollTimeout:   viper.GetDuration("telegram.poll_timeout"),
			HistoryLimit:  viper.GetInt("telegram.history_limit"),
			RatePerSecond: viper.GetFloat64("telegram.rate_per_second"),
			Burst:         viper.GetInt("telegram.burst"),
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return newUserClient(creds, logger)
}

func newUserClient(creds credentials, logger *slog.Logger) (*mtprotoclient.Client, error) {
	return mtprotoclient.New(mtprotoclient.Options{
		AppID:          creds.APIID,
		AppHash:        creds.APIHash,
		Phone:          creds.Phone,
		Password:       creds.Password,
		SessionPath:    statepaths.SessionPath(),
		Code:           terminalCodePrompt(),
		PasswordPrompt: terminalPasswordPrompt(),
		RatePerSecond:  viper.GetFloat64("telegram.user.rate_per_second"),
		Burst:          viper.GetInt("telegram.user.burst"),
		Logger:         logger,
	})
}
