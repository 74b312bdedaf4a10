package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"testjobs/internal/config"
	"testjobs/internal/jobs"
	"testjobs/internal/ops"
	"testjobs/internal/queue"
	"testjobs/internal/store"
	"testjobs/internal/store/memstore"
	"testjobs/internal/store/sqlstore"
	"testjobs/internal/trigger"
	logx "testjobs/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
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

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxOpen:     sc.MaxOpen,
	}, nil
}

// openStore picks the backend named by sc.Driver.
func openStore(ctx context.Context, sc store.Config, log logx.Logger) (store.Store, error) {
	switch sc.Driver {
	case "memory":
		log.Warn("memory storage selected; jobs and results are lost on exit")
		return memstore.New(), nil
	case "sqlite", "postgres", "mysql":
		st, err := sqlstore.Open(ctx, sc, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// defaultTimeouts holds the per-attempt limit used when a queue leaves
// timeout unset.
var defaultTimeouts = map[string]time.Duration{
	jobs.QueueTestRun:      time.Minute,
	jobs.QueueExport:       2 * time.Minute,
	jobs.QueueScheduledRun: 2 * time.Minute,
}

func queueSection(cfg *config.Config, name string) (string, config.QueueConfig) {
	switch name {
	case jobs.QueueTestRun:
		return "queues.test_run", cfg.Queues.TestRun
	case jobs.QueueExport:
		return "queues.export", cfg.Queues.Export
	default:
		return "queues.scheduled_run", cfg.Queues.ScheduledRun
	}
}

func mapQueueConfig(cfg *config.Config, name string) (queue.Config, error) {
	key, qc := queueSection(cfg, name)
	timeout, err := config.ParseDurationOrDefault(key+".timeout", qc.Timeout, defaultTimeouts[name])
	if err != nil {
		return queue.Config{}, err
	}
	base, err := config.ParseDurationField(key+".retry_base", qc.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := config.ParseDurationField(key+".retry_max_delay", qc.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Name:          name,
		Workers:       qc.Workers,
		QueueSize:     qc.QueueSize,
		RatePerSec:    qc.RatePerSec,
		Burst:         qc.Burst,
		Timeout:       timeout,
		RetryMax:      qc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		HistorySize:   qc.HistorySize,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	t := cfg.Trigger
	return trigger.Config{
		Enabled:  t.Enabled,
		Spec:     t.Spec,
		Timezone: t.Timezone,
		Batch:    t.Batch,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate runs the checks a reload must pass before it is committed.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := mapTriggerConfig(cfg).Validate(); err != nil {
		return err
	}
	for _, name := range jobs.Queues {
		if _, err := mapQueueConfig(cfg, name); err != nil {
			return err
		}
	}
	_, err := mapOpsConfig(cfg)
	return err
}
