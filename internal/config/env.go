package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: storage.dsn is read from
// REPORTBOT_STORAGE_DSN.
const EnvPrefix = "REPORTBOT"

// envKeys are the settings that may come from the environment. Secrets
// and deployment-specific values live here so the file can be shared.
var envKeys = []string{
	"telegram.token",
	"telegram.allowed_user_ids",
	"storage.driver",
	"storage.path",
	"storage.dsn",
	"scheduler.timezone",
	"reports.base_url",
	"reports.token",
	"logging.level",
	"metrics.addr",
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	return v
}

// applyEnv overlays set environment variables onto cfg.
func applyEnv(cfg *Config) error {
	v := newEnv()
	str := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	str("telegram.token", &cfg.Telegram.Token)
	str("storage.driver", &cfg.Storage.Driver)
	str("storage.path", &cfg.Storage.Path)
	str("storage.dsn", &cfg.Storage.DSN)
	str("scheduler.timezone", &cfg.Scheduler.Timezone)
	str("reports.base_url", &cfg.Reports.BaseURL)
	str("reports.token", &cfg.Reports.Token)
	str("logging.level", &cfg.Logging.Level)
	str("metrics.addr", &cfg.Metrics.Addr)

	if raw := strings.TrimSpace(v.GetString("telegram.allowed_user_ids")); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return fmt.Errorf("%s_TELEGRAM_ALLOWED_USER_IDS: %w", EnvPrefix, err)
		}
		cfg.Telegram.AllowedUserIDs = ids
	}
	return nil
}

// parseIDs reads a comma or space separated list of chat ids.
func parseIDs(raw string) ([]int64, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", f)
		}
		out = append(out, id)
	}
	return out, nil
}
