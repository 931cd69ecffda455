package main

import (
	"time"

	"github.com/quailyquaily/relaymirror/internal/relay"
	"github.com/quailyquaily/relaymirror/internal/retention"
	"github.com/quailyquaily/relaymirror/internal/state"
	"github.com/spf13/viper"
)

func initViperDefaults() {
	viper.SetDefault("state_dir", "~/.relaymirror")
	viper.SetDefault("env_file", ".env")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)

	// Settings stored in config.json override these per deployment.
	def := state.DefaultSettings()
	viper.SetDefault("relay.hard_timeout_seconds", def.HardTimeoutSeconds)
	viper.SetDefault("relay.idle_timeout_seconds", def.IdleTimeoutSeconds)
	viper.SetDefault("relay.edit_debounce_seconds", def.EditDebounceSeconds)
	viper.SetDefault("relay.retention_hours", def.RetentionHours)

	viper.SetDefault("relay.cooldown", relay.DefaultCooldown)
	viper.SetDefault("relay.poll_interval", 300*time.Millisecond)
	viper.SetDefault("relay.send_attempts", 5)

	viper.SetDefault("retention.schedule", retention.DefaultSchedule)

	viper.SetDefault("telegram.mode", "user")
	// MTProto user accounts hit FLOOD_WAIT far sooner than bots hit 429.
	viper.SetDefault("telegram.user.rate_per_second", 1.0)
	viper.SetDefault("telegram.user.burst", 3)
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.history_limit", 50)
	viper.SetDefault("telegram.rate_per_second", 25.0)
	viper.SetDefault("telegram.burst", 5)

	// Empty disables the health and metrics listener.
	viper.SetDefault("server.listen", "")
}

func settingsFromViper() state.Settings {
	return state.Settings{
		HardTimeoutSeconds:  viper.GetFloat64("relay.hard_timeout_seconds"),
		IdleTimeoutSeconds:  viper.GetFloat64("relay.idle_timeout_seconds"),
		EditDebounceSeconds: viper.GetFloat64("relay.edit_debounce_seconds"),
		RetentionHours:      viper.GetFloat64("relay.retention_hours"),
	}.WithDefaults(state.DefaultSettings())
}
