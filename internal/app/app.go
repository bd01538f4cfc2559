// Package app wires the report bot: configuration, storage, scheduler,
// dispatcher, chat transport and the setup wizard.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reportbot/internal/bot"
	"reportbot/internal/config"
	"reportbot/internal/delivery"
	"reportbot/internal/dispatch"
	"reportbot/internal/eventbus"
	"reportbot/internal/metrics"
	"reportbot/internal/notifier"
	"reportbot/internal/registry"
	"reportbot/internal/report"
	rtsup "reportbot/internal/runtime/supervisor"
	"reportbot/internal/scheduler"
	"reportbot/internal/storage"
	kit "reportbot/internal/transport"
	"reportbot/internal/transport/telegram/adapter"
	"reportbot/internal/transport/telegram/router"
	"reportbot/internal/trigger"
	"reportbot/internal/wizard"
	logx "reportbot/pkg/logx"
	"reportbot/pkg/systemd"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *adapter.Adapter
	sched   *scheduler.Service
	reg     *registry.Registry
	disp    *dispatch.Dispatcher
	notif   *notifier.Service
	wiz     *wizard.Manager
	router  *router.Router
	bot     *bot.Handlers

	collector *metrics.Collector
	metrics   *metrics.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat log sink needs the adapter, which needs a logger; bind late.
	var ad *adapter.Adapter
	logSvc, log := logx.New(mapLogging(cfg), func(ctx context.Context, chatID int64, threadID int, text string) error {
		if ad == nil {
			return errors.New("telegram adapter not ready")
		}
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, nil)
		return err
	})
	cfgm.SetLogger(log)

	// Load validated the config, so every duration parses.
	tm, _ := cfg.Timings()
	ad, err = adapter.New(adapter.Config{Token: cfg.Telegram.Token, PollTimeout: tm.PollTimeout}, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(mapStorage(cfg, tm), log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	loc, refName := referenceZone(cfg)
	compiler := trigger.NewCompiler(loc)
	sched := scheduler.New(mapScheduler(tm), compiler, log, bus)

	client, err := report.NewClient(mapReportClient(cfg, tm), log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	gen := report.NewCachedGenerator(client, cfg.Reports.CacheSizeMB, tm.CacheTTL, log)

	var dedup notifier.DedupStore
	ncfg := mapNotifier(cfg, tm)
	if ncfg.PersistDedup {
		dedup = store
	}
	notif := notifier.New(ncfg, ad, log, bus, dedup)

	// The registry arms jobs that fire through the dispatcher, and the
	// dispatcher deactivates jobs through the registry.
	var disp *dispatch.Dispatcher
	reg := registry.New(store, sched, compiler, func(ctx context.Context, id string) { disp.Fire(ctx, id) }, log, bus)
	disp = dispatch.New(mapDispatch(cfg, tm), store, gen, delivery.NewChannel(ad), notif, reg, loc, log, bus)

	wiz := wizard.New(mapWizard(tm), report.NewCatalog(cfg.Reports.Departments), reg, refName, log, bus)

	rt := router.New(mapRouter(cfg), ad, log)
	handlers := bot.New(reg, wiz, rt.HelpText, loc, refName, log)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		adapter:   ad,
		sched:     sched,
		reg:       reg,
		disp:      disp,
		notif:     notif,
		wiz:       wiz,
		router:    rt,
		bot:       handlers,
		collector: metrics.NewCollector(promReg),
		metrics:   metrics.NewServer(mapMetrics(cfg), promReg, log),
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	tm, _ := a.cfgm.Get().Timings()
	runCtx := a.sup.Context()

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.collector.Run(c, a.bus)
	})
	a.metrics.Start(runCtx)

	// Arm jobs before the scheduler starts so nothing due is missed.
	rctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
	res, err := a.reg.Rehydrate(rctx)
	cancel()
	if err != nil {
		// The resync loop retries; the bot still serves the wizard.
		a.log.Error("rehydrate failed", logx.Err(err))
	} else {
		a.log.Info("subscriptions rehydrated",
			logx.Int("installed", res.Installed),
			logx.Int("unchanged", res.Unchanged),
			logx.Int("skipped", res.Skipped),
			logx.Int("removed", res.Removed))
	}
	a.sched.Start(runCtx)
	a.notif.Start(runCtx)

	a.sup.Go("registry.resync", func(c context.Context) error {
		return a.reg.Run(c, tm.ResyncInterval)
	})
	a.sup.Go("wizard.sweep", func(c context.Context) error {
		return a.wiz.Run(c, tm.WizardSweep)
	})

	a.router.SetRegistry(runCtx, a.bot.Commands(), a.bot.Callbacks(), a.bot.Text)
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if wd := systemd.WatchdogInterval(); wd > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(wd)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = systemd.Watchdog()
				}
			}
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}

	a.log.Info("app started", logx.Int("jobs", a.sched.Len()), logx.String("timezone", a.sched.Location().String()))
	return nil
}

// applyConfig pushes hot-reloadable settings to running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(restart, ",")))
	}

	prevTm, _ := prev.Timings()
	tm, _ := next.Timings()

	a.logs.Apply(mapLogging(next))
	a.router.SetAllowed(next.Telegram.AllowedUserIDs)
	a.wiz.Apply(mapWizard(tm))

	ncfg := mapNotifier(next, tm)
	if ncfg.PersistDedup && (prev.Notifier == nil || !prev.Notifier.PersistDedup) {
		a.log.Warn("notifier.persist_dedup takes effect after restart")
	}
	wasOn := mapNotifier(prev, prevTm).Enabled
	a.notif.Apply(ncfg)
	switch {
	case wasOn && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasOn && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.metrics.Reconfigure(ctx, mapMetrics(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// In-flight firings still deliver through the adapter, so it stops after them.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("metrics", time.Second, func(c context.Context) error { a.metrics.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
