package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/executor"
	"taskd/internal/observability/debug"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/scheduler"
	"taskd/internal/task/trigger"
	logx "taskd/pkg/logx"
)

// App wires config, logging, storage, executors, the scheduler and the
// trigger service into one daemon.
type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	execs *executor.Registry
	ctrl  *scheduler.Controller
	trig  *trigger.Service
	debug *debug.Service
}

type Option func(*options)

type options struct {
	custom task.Executor
}

// WithCustomExecutor registers ex for task.KindCustom. It has to be known
// before the scheduler restores persisted records.
func WithCustomExecutor(ex task.Executor) Option {
	return func(o *options) { o.custom = ex }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, root, logErr := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	if logErr != nil {
		log.Warn("log file unavailable; console only", logx.Err(logErr))
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	execs := executor.NewDefault(execCfg, root)
	if o.custom != nil {
		if err := execs.Register(task.KindCustom, o.custom); err != nil {
			closeStore()
			return nil, err
		}
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	ctrl, err := scheduler.New(schedCfg, execs,
		scheduler.WithLogger(root),
		scheduler.WithBus(bus),
		scheduler.WithStore(store),
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	trig := trigger.New(trigger.Config{Timezone: cfg.Scheduler.Timezone}, ctrl, root, bus)
	specs, err := mapTriggerSpecs(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	if err := trig.Replace(specs); err != nil {
		closeStore()
		return nil, err
	}

	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	debugSvc := debug.New(debugCfg, ctrl, trig, root)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		execs:   execs,
		ctrl:    ctrl,
		trig:    trig,
		debug:   debugSvc,
	}, nil
}

func (a *App) Controller() *scheduler.Controller { return a.ctrl }

func (a *App) Triggers() *trigger.Service { return a.trig }

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

// SubmitPlan submits descriptors in order and returns the IDs of the
// accepted ones. Rejected descriptors are reported together.
func (a *App) SubmitPlan(plan []task.Descriptor) ([]string, error) {
	ids := make([]string, 0, len(plan))
	var errs []error
	for i, d := range plan {
		id, err := a.ctrl.Submit(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("plan task %d (%s): %w", i, d.Name, err))
			continue
		}
		ids = append(ids, id)
	}
	if len(plan) > 0 {
		a.log.Info("plan submitted", logx.Int("accepted", len(ids)), logx.Int("rejected", len(errs)))
	}
	return ids, errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if err := a.ctrl.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.trig.Start(a.sup.Context())
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Debug only: busy triggers would flood the log otherwise.
					a.log.Debug("event", logx.String("type", e.Type), logx.String("task_id", e.TaskID), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub, unsubscribe := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer unsubscribe()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	st := a.ctrl.Stats()
	a.log.Info("app started",
		logx.Int("tasks", st.Total),
		logx.Int("ready", st.Ready),
		logx.Int("triggers", len(a.trig.Snapshot())),
	)
	return nil
}

// applyConfig applies the live parts of a reloaded config. Settings that
// need a restart are only reported.
func (a *App) applyConfig(oldCfg, newCfg *Config) {
	sections, attrs, triggers := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strs("keys", restart))
	}

	if err := a.logs.Apply(mapLoggingConfig(newCfg)); err != nil {
		a.log.Warn("log file unavailable; console only", logx.Err(err))
	}

	if p, err := mapRetryPolicy(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.ctrl.SetRetryPolicy(p)
	}
	a.ctrl.SetRate(newCfg.Scheduler.RatePerSec, newCfg.Scheduler.RateBurst)
	a.trig.Apply(trigger.Config{Timezone: newCfg.Scheduler.Timezone})

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(a.sup.Context(), dc)
	}

	if len(triggers) > 0 {
		specs, err := mapTriggerSpecs(newCfg)
		if err == nil {
			err = a.trig.Replace(specs)
		}
		if err != nil {
			a.log.Warn("trigger reload incomplete", logx.Err(err))
		}
		a.log.Debug("trigger changes applied", logx.Strs("triggers", triggers))
	}

	eventbus.Publish(a.bus, eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: slices.Clone(sections)})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context first so background loops start unwinding.
	a.sup.Cancel()

	var stopErr error
	// step runs one shutdown step bounded by limit so a single component
	// cannot stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
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
				stopErr = errors.Join(stopErr, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so nothing new is submitted while the scheduler drains.
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	// The scheduler step covers in-flight attempts and the final snapshot.
	step("scheduler", 15*time.Second, a.ctrl.Stop)
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return stopErr
}
