package config

import (
	"strings"

	logx "testjobs/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	Sections []string
	// NeedsRestart is set for changes that only take effect on the next start.
	NeedsRestart bool
	Fields       []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs. Secrets are never included in Fields.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.NeedsRestart = true
		ch.Fields = append(ch.Fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Queues != newCfg.Queues {
		ch.Sections = append(ch.Sections, "queues")
		var names []string
		if oldCfg.Queues.TestRun != newCfg.Queues.TestRun {
			names = append(names, "test_run")
		}
		if oldCfg.Queues.Export != newCfg.Queues.Export {
			names = append(names, "export")
		}
		if oldCfg.Queues.ScheduledRun != newCfg.Queues.ScheduledRun {
			names = append(names, "scheduled_run")
		}
		ch.Fields = append(ch.Fields, logx.Strings("queues.changed", names))
	}

	if strings.TrimSpace(oldCfg.Export.Dir) != strings.TrimSpace(newCfg.Export.Dir) {
		ch.Sections = append(ch.Sections, "export")
		ch.NeedsRestart = true
		ch.Fields = append(ch.Fields, logx.String("export.dir", newCfg.Export.Dir))
	}

	if oldCfg.Trigger != newCfg.Trigger {
		ch.Sections = append(ch.Sections, "trigger")
		ch.Fields = append(ch.Fields,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.spec", newCfg.Trigger.Spec),
			logx.String("trigger.timezone", newCfg.Trigger.Timezone),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		ch.Sections = append(ch.Sections, "ops")
		ch.Fields = append(ch.Fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}
	return ch
}
