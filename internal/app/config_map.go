package app

import (
	"strings"
	"time"

	"reportbot/internal/config"
	"reportbot/internal/dispatch"
	"reportbot/internal/metrics"
	"reportbot/internal/notifier"
	"reportbot/internal/report"
	"reportbot/internal/scheduler"
	"reportbot/internal/storage"
	"reportbot/internal/transport/telegram/router"
	"reportbot/internal/wizard"
	logx "reportbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config, tm config.Timings) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: tm.BusyTimeout,
	}
}

// referenceZone resolves scheduler.timezone; the name labels times in chat.
func referenceZone(cfg *config.Config) (*time.Location, string) {
	name := strings.TrimSpace(cfg.Scheduler.Timezone)
	if name == "" {
		return time.UTC, "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, "UTC"
	}
	return loc, name
}

func mapScheduler(tm config.Timings) scheduler.Config {
	return scheduler.Config{FireTimeout: tm.FireTimeout}
}

func mapReportClient(cfg *config.Config, tm config.Timings) report.ClientConfig {
	return report.ClientConfig{
		BaseURL: cfg.Reports.BaseURL,
		Token:   cfg.Reports.Token,
		Timeout: tm.ReportTimeout,
		MaxBody: 50 << 20,
	}
}

func mapDispatch(cfg *config.Config, tm config.Timings) dispatch.Config {
	return dispatch.Config{
		RetryMax:      cfg.Reports.RetryMax,
		RetryBase:     tm.RetryBase,
		RetryMaxDelay: tm.RetryMaxDelay,
	}
}

func mapWizard(tm config.Timings) wizard.Config {
	return wizard.Config{IdleTimeout: tm.WizardIdle}
}

func mapRouter(cfg *config.Config) router.Config {
	return router.Config{
		Workers:        cfg.Telegram.Workers,
		AllowedUserIDs: cfg.Telegram.AllowedUserIDs,
	}
}

// mapNotifier enables the notifier with defaults when the section is absent.
func mapNotifier(cfg *config.Config, tm config.Timings) notifier.Config {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{
			Enabled:       true,
			RetryBase:     tm.NoticeRetryBase,
			RetryMaxDelay: tm.NoticeRetryMaxDelay,
			DedupWindow:   tm.NoticeDedupWindow,
		}
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       tm.NoticeRetryBase,
		RetryMaxDelay:   tm.NoticeRetryMaxDelay,
		DedupWindow:     tm.NoticeDedupWindow,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
}

func mapMetrics(cfg *config.Config) metrics.Config {
	return metrics.Config{Enabled: cfg.Metrics.Enabled, Addr: cfg.Metrics.Addr}
}
