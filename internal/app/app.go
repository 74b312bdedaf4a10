// Package app wires storage, processors, queues, the scheduled-run trigger and
// the ops server into one process and keeps them in step with the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"testjobs/internal/config"
	"testjobs/internal/dispatch"
	"testjobs/internal/eventbus"
	"testjobs/internal/jobs"
	"testjobs/internal/ops"
	"testjobs/internal/processor"
	"testjobs/internal/queue"
	rtsup "testjobs/internal/runtime/supervisor"
	"testjobs/internal/store"
	"testjobs/internal/trigger"
	logx "testjobs/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store  store.Store
	proc   *processor.Processor
	queues map[string]*queue.Queue
	trig   *trigger.Service
	ops    *ops.Service
}

// NewApp loads cfgPath and builds every component without starting any.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, sc, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a, err := build(cfgm, cfg, st, logSvc, log)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.Manager, cfg *config.Config, st store.Store, logSvc *logx.Service, log logx.Logger) (*App, error) {
	bus := eventbus.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "testjobs",
			Name:      "events_dropped_total",
			Help:      "Job lifecycle events dropped because a subscriber was full.",
		}, func() float64 { return float64(eventbus.Dropped(bus)) }),
	)
	metrics, err := queue.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	proc := processor.New(st,
		processor.WithLogger(log.With(logx.String("comp", "processor"))),
		processor.WithExportDir(cfg.Export.Dir),
	)
	handlers := dispatch.Handlers(proc, dispatch.RequestLog(log.With(logx.String("comp", "dispatch"))))

	queues := make(map[string]*queue.Queue, len(jobs.Queues))
	opsQueues := make([]ops.Queue, 0, len(jobs.Queues))
	for _, name := range jobs.Queues {
		qc, err := mapQueueConfig(cfg, name)
		if err != nil {
			return nil, err
		}
		q := queue.New(qc, handlers[name], st,
			queue.WithLogger(log.With(logx.String("comp", "queue"))),
			queue.WithBus(bus),
			queue.WithMetrics(metrics),
		)
		queues[name] = q
		opsQueues = append(opsQueues, q)
	}

	trig := trigger.New(mapTriggerConfig(cfg), st, queues[jobs.QueueScheduledRun],
		trigger.WithLogger(log.With(logx.String("comp", "trigger"))),
	)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		reg:    reg,
		store:  st,
		proc:   proc,
		queues: queues,
		trig:   trig,
	}
	a.ops = ops.New(opsCfg, ops.Backend{
		Queues:   opsQueues,
		Trigger:  trig,
		Gatherer: reg,
		Health:   a.Health,
	}, log)
	return a, nil
}

func (a *App) Store() store.Store { return a.store }

// Queue returns the named queue or nil.
func (a *App) Queue(name string) *queue.Queue { return a.queues[name] }

func (a *App) Trigger() *trigger.Service { return a.trig }

func (a *App) Ops() *ops.Service { return a.ops }

func (a *App) Logger() logx.Logger { return a.log }

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

// Health fails while the app is stopped or any queue is down.
func (a *App) Health(ctx context.Context) error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	for _, name := range jobs.Queues {
		if !a.queues[name].Snapshot().Running {
			return fmt.Errorf("queue %s not running", name)
		}
	}
	return ctx.Err()
}

// Start launches queues first so the trigger and the ops API never see a
// stopped queue.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	for _, name := range jobs.Queues {
		if err := a.queues[name].Start(runCtx); err != nil {
			a.sup.Cancel()
			return err
		}
	}
	if err := a.trig.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}
	a.ops.Start(runCtx)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "job.")
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("queues", jobs.Queues))
	return nil
}

// Stop drains the queues within the caller's deadline; jobs still running
// after that are interrupted and recovered on the next start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	for _, name := range jobs.Queues {
		q := a.queues[name]
		step("queue."+name, 0, func(c context.Context) error {
			if err := q.Drain(c); err != nil {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(c), 2*time.Second)
				defer cancel()
				return errors.Join(err, q.Stop(sctx))
			}
			return nil
		})
	}

	a.sup.Cancel()
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
