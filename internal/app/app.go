package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobqd/internal/config"
	"jobqd/internal/eventbus"
	"jobqd/internal/kvstore"
	"jobqd/internal/queue"
	rtsup "jobqd/internal/runtime/supervisor"
	"jobqd/internal/sched"
	logx "jobqd/pkg/logx"
)

const cleanupScheduleName = "queue.cleanup"

// App wires config, storage, the job queue and the cron scheduler together.
type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus eventbus.Bus
	kv  kvstore.Store

	queue *queue.Service
	sched *sched.Service

	cleanup cleanupSettings
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	stCfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	kv, err := kvstore.Open(stCfg, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	qCfg, err := queueConfig(cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	sCfg, err := schedConfig(cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	cln, err := cleanupConfig(cfg)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	bus := eventbus.New()
	q := queue.New(qCfg, kv, logs.Logger().With(logx.String("comp", "queue")), bus)
	sc := sched.New(sCfg, logs.Logger().With(logx.String("comp", "sched")), bus)

	// Built-in job: run a shell command from the payload.
	q.Process("exec", execHandler(logs.Logger().With(logx.String("comp", "exec"))))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		kv:      kv,
		queue:   q,
		sched:   sc,
		cleanup: cln,
	}, nil
}

// Queue exposes the job queue for handler registration and enqueueing.
func (a *App) Queue() *queue.Service { return a.queue }

// Scheduler exposes the cron scheduler for schedule registration.
func (a *App) Scheduler() *sched.Service { return a.sched }

// Bus exposes lifecycle events for external observers.
func (a *App) Bus() eventbus.Bus { return a.bus }

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

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := queueConfig(cfg); err != nil {
			return err
		}
		if _, err := schedConfig(cfg); err != nil {
			return err
		}
		if _, err := cleanupConfig(cfg); err != nil {
			return err
		}
		// Storage is fixed at boot; reject attempts to repoint it live.
		newSt, err := storageConfig(cfg)
		if err != nil {
			return err
		}
		bootSt, _ := storageConfig(a.cfgm.Get())
		if newSt != bootSt {
			return fmt.Errorf("storage cannot be changed at runtime; restart required")
		}
		return nil
	})

	if a.cleanup.enabled {
		err := a.sched.Schedule(cleanupScheduleName, a.cleanup.cron,
			cleanupHandler(a.queue, a.cleanup.retention, a.log), nil)
		if err != nil {
			return err
		}
	}

	a.queue.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				a.applyConfig(c, newCfg)
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live services.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The validator already vetted these; errors here mean a race with a
	// concurrent edit, in which case we keep the old settings.
	qCfg, err := queueConfig(cfg)
	if err == nil {
		prevEnabled := a.queue.Enabled()
		a.queue.Apply(qCfg)
		if prevEnabled && !qCfg.Enabled {
			a.log.Info("queue disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.queue.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && qCfg.Enabled {
			a.log.Info("queue enabled via config")
			a.queue.Start(a.sup.Context())
		}
	}

	sCfg, err := schedConfig(cfg)
	if err == nil {
		a.sched.Apply(sCfg)
		if !sCfg.Enabled {
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else {
			a.sched.Start(a.sup.Context())
		}
	}

	if cln, err := cleanupConfig(cfg); err == nil && cln != a.cleanup {
		a.cleanup = cln
		if cln.enabled {
			if err := a.sched.Schedule(cleanupScheduleName, cln.cron,
				cleanupHandler(a.queue, cln.retention, a.log), nil); err != nil {
				a.log.Warn("cleanup schedule update failed", logx.Err(err))
			}
		} else {
			a.sched.Unschedule(cleanupScheduleName)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
				logx.Any("err", stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Services first, so in-flight handlers finish before their run context
	// (the supervisor's) is canceled out from under them.
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })

	// Then unwind config watch/reload and any remaining loops.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error { return a.kv.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
