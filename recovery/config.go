package recovery

import "time"

// Config collects the §6 environment inputs governing a recovery run, in the
// teacher's explicit-config-struct-per-component style (SPEC_FULL.md §A.3):
// no global mutable singleton. Zero fields get defaults; no recovery pass
// reads either field.
type Config struct {
	// LogTraceFlushTime mirrors PRM_LOG_TRACE_FLUSH_TIME (default 5s). The
	// passes do not consult it: progress is logged only at phase boundaries.
	LogTraceFlushTime time.Duration

	// PollInterval (default 10ms) has no PRM_* counterpart. The passes do not
	// consult it: they check ctx.Done() before every log record.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.LogTraceFlushTime <= 0 {
		c.LogTraceFlushTime = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
}
