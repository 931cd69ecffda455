package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quailyquaily/relaymirror/internal/docstore"
	"github.com/quailyquaily/relaymirror/internal/logutil"
	"github.com/quailyquaily/relaymirror/internal/statepaths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize the Telegram user session interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			envFile := viper.GetString("env_file")
			if cmd.Flags().Changed("env-file") {
				envFile, _ = cmd.Flags().GetString("env-file")
			}
			creds, err := loadCredentials(envFile, modeUser)
			if err != nil {
				return err
			}
			if terminalCodePrompt() == nil {
				return fmt.Errorf("login needs an interactive terminal")
			}

			// The session file is shared with run; both hold the dir lock.
			lock, err := docstore.AcquireDirLock(statepaths.StateDir())
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := newUserClient(creds, logger)
			if err != nil {
				return err
			}
			self, err := client.Login(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %d (@%s). Session: %s\n", self.ID, self.Username, statepaths.SessionPath())
			return err
		},
	}
	// Not bound to viper: run owns the env_file binding.
	cmd.Flags().String("env-file", ".env", "Dotenv file with TELEGRAM_API_ID, TELEGRAM_API_HASH and TELEGRAM_PHONE (optional).")
	return cmd
}
