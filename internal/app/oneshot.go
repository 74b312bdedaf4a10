package app

import (
	"context"
	"os"

	"testjobs/internal/config"
	"testjobs/internal/processor"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

// Oneshot runs processors directly against the configured store, without
// queues, for CLI use.
type Oneshot struct {
	Config    *config.Config
	Store     store.Store
	Processor *processor.Processor
	Log       logx.Logger

	logs *logx.Service
}

func OpenOneshot(ctx context.Context, cfgPath string) (*Oneshot, error) {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	lc := mapLogConfig(cfg)
	lc.ConsoleOut = os.Stderr
	logs, log := logx.New(lc)
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	st, err := openStore(ctx, sc, log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &Oneshot{
		Config: cfg,
		Store:  st,
		Processor: processor.New(st,
			processor.WithLogger(log.With(logx.String("comp", "processor"))),
			processor.WithExportDir(cfg.Export.Dir),
		),
		Log:  log,
		logs: logs,
	}, nil
}

func (o *Oneshot) Close() error {
	err := o.Store.Close()
	_ = o.logs.Close()
	return err
}
