package config

import (
	"reflect"
	"slices"
	"strings"

	logx "reportbot/pkg/logx"
)

// SummarizeConfigChange lists the changed sections and log-safe fields
// describing them. Secrets are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if !slices.Equal(oldCfg.Telegram.AllowedUserIDs, newCfg.Telegram.AllowedUserIDs) ||
		oldCfg.Telegram.LogChat != newCfg.Telegram.LogChat ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.allowed_count", len(newCfg.Telegram.AllowedUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChat != 0),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.resync_interval", newCfg.Scheduler.ResyncInterval),
		)
	}
	oldR, newR := oldCfg.Reports, newCfg.Reports
	oldR.Token, newR.Token = "", ""
	if !reflect.DeepEqual(oldR, newR) || oldCfg.Reports.Token != newCfg.Reports.Token {
		changed = append(changed, "reports")
		attrs = append(attrs,
			logx.String("reports.base_url", newCfg.Reports.BaseURL),
			logx.Int("reports.retry_max", newCfg.Reports.RetryMax),
			logx.Int("reports.departments", len(newCfg.Reports.Departments)),
		)
	}
	if oldCfg.Wizard != newCfg.Wizard {
		changed = append(changed, "wizard")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, attrs
}

// RestartRequired reports sections whose changes only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram.token", "storage", "scheduler", "reports":
			out = append(out, c)
		}
	}
	return out
}
