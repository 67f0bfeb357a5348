package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"duesched/internal/config"
	"duesched/internal/eventbus"
	"duesched/internal/metrics"
	"duesched/internal/observability/debug"
	rtsup "duesched/internal/runtime/supervisor"
	"duesched/internal/storage"
	"duesched/internal/task"
	"duesched/internal/task/engine"
	logx "duesched/pkg/logx"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager

	// applied is the config the running components were built from.
	applied *config.Config

	sup   *rtsup.Supervisor
	// sinks hosts bus consumers. It outlives the Start ctx and is canceled
	// by Stop only after the scheduler has drained.
	sinks *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder
	metrics  *metrics.Collector
	sched    *engine.Scheduler
	debug    *debug.Server

	sdNotify notifier
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateTasks)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:     cfgm,
		applied:  cfg,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		sdNotify: sdNotify,
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, a.bus, log.With(logx.String("comp", "storage")))
		a.log.Info("run history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	eng, err := cfg.Engine.Resolve()
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	engLog := log.With(logx.String("comp", "engine"))
	a.sched, err = engine.New(engine.Config{
		Workers:     eng.Workers,
		IdlePoll:    eng.IdlePoll,
		ExecTimeout: eng.ExecTimeout,
		HistorySize: eng.HistorySize,
	},
		engine.WithLogger(engLog),
		engine.WithBus(a.bus),
		engine.WithReporter(engine.NewLogReporter(engLog, eng.FailureLogEvery, eng.FailureLogBurst)),
	)
	if err != nil {
		a.closeEarly()
		return nil, err
	}

	a.metrics = metrics.New(a.bus, a.sched.Snapshot)

	dc, err := mapDebugConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	src := debug.Sources{
		Snapshot: a.sched.Snapshot,
		Pending:  a.sched.Pending,
		Metrics:  a.metrics.Handler(),
	}
	if a.store != nil {
		src.Runs = a.store.RecentRuns
	}
	a.debug = debug.New(dc, src, log)
	return a, nil
}

// Task definitions are checked by actually building them.
func validateTasks(_ context.Context, cfg *config.Config) error {
	_, err := BuildTasks(cfg.Tasks, time.Now(), logx.Nop())
	return err
}

// Check loads and validates the config file without starting anything. It
// returns the tasks that would be submitted now.
func Check(ctx context.Context, cfgPath string) ([]task.Task, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateTasks)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTasks(cfg.Tasks, time.Now(), logx.Nop())
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }
func (a *App) Logger() logx.Logger         { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

// Reload re-reads the config file now. It reports whether anything changed.
func (a *App) Reload(ctx context.Context) bool { return a.cfgm.Reload(ctx) }

// Start submits the configured tasks, starts the workers and every
// background loop, then reports READY to systemd.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sinks = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))

	tasks, err := BuildTasks(a.applied.Tasks, time.Now(), a.log)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := a.sched.Submit(t); err != nil {
			return fmt.Errorf("submit %s: %w", t.Name, err)
		}
		a.log.Info("task scheduled", logx.String("task", t.Name), logx.String("kind", t.Kind.String()), logx.Time("first_due", t.Due))
	}

	if a.recorder != nil {
		a.sinks.Go("storage.recorder", a.recorder.Run)
	}
	a.sinks.Go("metrics", a.metrics.Run)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.debug.Start(a.sup.Context()); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	applied := a.applied
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, applied)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdogLoop)

	a.notify(daemon.SdNotifyReady)
	a.notify(fmt.Sprintf("STATUS=%d tasks, %d workers", len(tasks), a.sched.Config().Workers))
	a.log.Info("app started", logx.Int("tasks", len(tasks)), logx.Int("workers", a.sched.Config().Workers))
	return nil
}

// reloadLoop applies published configs on top of lastApplied. A config
// committed before sub existed is caught up first.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, lastApplied *config.Config) {
	if cur := a.cfgm.Get(); cur != nil && cur != lastApplied {
		a.apply(ctx, lastApplied, cur)
		lastApplied = cur
	}
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config in the channel.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.apply(ctx, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

// apply pushes live-reloadable sections and flags the rest.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "debug":
			dc, err := mapDebugConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.debug.Reconfigure(ctx, dc); err != nil {
				a.log.Warn("debug server reconfigure failed", logx.Err(err))
			}
		default:
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop drains the scheduler first so every finished occurrence reaches the
// recorder, then tears down the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	var errs []error
	_ = a.step(ctx, "scheduler", 10*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Every finished occurrence is on the bus now; the recorder drains it.
	a.sinks.Cancel()
	_ = a.step(ctx, "history", 3*time.Second, a.sinks.Wait)
	a.sup.Cancel()
	_ = a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if err := a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	}); err != nil {
		errs = append(errs, err)
	}

	snap := a.sched.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("executed", snap.Executed),
		logx.Uint64("failed", snap.Failed),
		logx.Int("pending", snap.Pending),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended. A step that
// hits its deadline returns nil and keeps running in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		return nil
	}
}

// Run starts the app and blocks until ctx ends or a fatal error cancels the
// supervisor, then stops within stopTimeout.
func (a *App) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, StopFatalError)
		return err
	}

	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}

// ---- config mapping ----

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	driver := cfg.StorageDriver()
	if driver == config.DriverNone {
		return storage.Config{}, false
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d, err := cfg.Debug.Resolve()
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Token:                d.Token,
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          d.ReadTimeout,
		WriteTimeout:         d.WriteTimeout,
		IdleTimeout:          d.IdleTimeout,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}
