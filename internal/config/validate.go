package config

import (
	"errors"
	"fmt"
	"strings"
)

var drivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "mysql": true}

// Validate checks values that decoding alone cannot catch.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToUpper(strings.TrimSpace(c.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch {
	case !drivers[driver]:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (memory, sqlite, postgres, mysql)", c.Storage.Driver))
	case driver != "memory" && strings.TrimSpace(c.Storage.DSN) == "":
		errs = append(errs, fmt.Errorf("storage.dsn: required for driver %q", driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	for name, q := range map[string]QueueConfig{
		"queues.test_run":      c.Queues.TestRun,
		"queues.export":        c.Queues.Export,
		"queues.scheduled_run": c.Queues.ScheduledRun,
	} {
		errs = append(errs, q.validate(name)...)
	}

	if strings.TrimSpace(c.Export.Dir) == "" {
		errs = append(errs, errors.New("export.dir: required"))
	}
	if c.Trigger.Batch < 0 {
		errs = append(errs, errors.New("trigger.batch: must be >= 0"))
	}

	for key, raw := range map[string]string{
		"ops.read_timeout":  c.Ops.ReadTimeout,
		"ops.write_timeout": c.Ops.WriteTimeout,
		"ops.idle_timeout":  c.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (q QueueConfig) validate(prefix string) []error {
	var errs []error
	if q.Workers < 0 {
		errs = append(errs, fmt.Errorf("%s.workers: must be >= 0", prefix))
	}
	if q.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%s.queue_size: must be >= 0", prefix))
	}
	if q.Burst < 0 {
		errs = append(errs, fmt.Errorf("%s.burst: must be >= 0", prefix))
	}
	for key, raw := range map[string]string{
		"retry_base":      q.RetryBase,
		"retry_max_delay": q.RetryMaxDelay,
		"timeout":         q.Timeout,
	} {
		if _, err := ParseDurationField(prefix+"."+key, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
