package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	modeUser = "user"
	modeBot  = "bot"
)

type credentials struct {
	BotToken string `env:"TELEGRAM_BOT_TOKEN"`
	APIID    int    `env:"TELEGRAM_API_ID"`
	APIHash  string `env:"TELEGRAM_API_HASH"`
	Phone    string `env:"TELEGRAM_PHONE"`
	Password string `env:"TELEGRAM_PASSWORD"`
	OwnerID  int64  `env:"OWNER_ID"`
}

// loadCredentials reads the secrets from the process environment after
// merging envFile. Variables already set in the environment win.
func loadCredentials(envFile, mode string) (credentials, error) {
	if path := strings.TrimSpace(envFile); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return credentials{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	var creds credentials
	if err := env.Parse(&creds); err != nil {
		return credentials{}, fmt.Errorf("credentials: %w", err)
	}
	if err := creds.check(mode); err != nil {
		return credentials{}, err
	}
	return creds, nil
}

func (c credentials) check(mode string) error {
	var missing []string
	switch mode {
	case modeBot:
		if strings.TrimSpace(c.BotToken) == "" {
			missing = append(missing, "TELEGRAM_BOT_TOKEN")
		}
	case modeUser:
		if c.APIID == 0 {
			missing = append(missing, "TELEGRAM_API_ID")
		}
		if strings.TrimSpace(c.APIHash) == "" {
			missing = append(missing, "TELEGRAM_API_HASH")
		}
		if strings.TrimSpace(c.Phone) == "" {
			missing = append(missing, "TELEGRAM_PHONE")
		}
	default:
		return fmt.Errorf("unknown telegram.mode %q: want user or bot", mode)
	}
	if len(missing) > 0 {
		return fmt.Errorf("credentials for %s mode: missing %s", mode, strings.Join(missing, ", "))
	}
	return nil
}
