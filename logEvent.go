package notifyflow

import (
	"fmt"
	"io"
	"os"
)

func defaultInfoLog(ev LogEvent) {
	// Simple fallback to stdout
	writeLog(os.Stdout, "INFO", ev)
}

func defaultWarnLog(ev LogEvent) {
	writeLog(os.Stderr, "WARN", ev)
}

func defaultErrorLog(ev LogEvent) {
	// Simple fallback to stderr
	writeLog(os.Stderr, "ERROR", ev)
}

func writeLog(w io.Writer, level string, ev LogEvent) {
	msg := fmt.Sprintf("[notifyflow:%s] %s", level, ev.Message)
	if ev.Job != "" {
		msg += " | job: " + ev.Job
	}
	if ev.TaskID != nil {
		msg += " | task: " + *ev.TaskID
	}
	if ev.Duration != nil {
		msg += fmt.Sprintf(" | took: %v", *ev.Duration)
	}
	if ev.Err != nil {
		msg += fmt.Sprintf(" | error: %v", ev.Err)
	}
	_, _ = fmt.Fprintln(w, msg)
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if c.InfoLog == nil {
		defaultInfoLog(ev)
		return
	}
	c.InfoLog(ev)
}

func (c *Config) logWarn(ev LogEvent) {
	if c.WarnLog == nil {
		defaultWarnLog(ev)
		return
	}
	c.WarnLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if c.ErrorLog == nil {
		defaultErrorLog(ev)
		return
	}
	c.ErrorLog(ev)
}

// taskEvent fills the task fields of a LogEvent.
func taskEvent(job string, t Task, msg string, err error) LogEvent {
	id, ext, typ := t.ID, t.ExternalID, string(t.Type)
	return LogEvent{
		Message:    msg,
		Job:        job,
		TaskID:     &id,
		ExternalID: &ext,
		TaskType:   &typ,
		Err:        err,
	}
}
