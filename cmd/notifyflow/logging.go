package main

import (
	"context"
	"log/slog"

	"github.com/sky93/notifyflow"
)

// logFunc adapts engine log callbacks to a structured logger.
func logFunc(l *slog.Logger, level slog.Level) func(notifyflow.LogEvent) {
	return func(ev notifyflow.LogEvent) {
		attrs := make([]slog.Attr, 0, 6)
		if ev.Job != "" {
			attrs = append(attrs, slog.String("job", ev.Job))
		}
		if ev.TaskID != nil {
			attrs = append(attrs, slog.String("task_id", *ev.TaskID))
		}
		if ev.ExternalID != nil {
			attrs = append(attrs, slog.String("external_id", *ev.ExternalID))
		}
		if ev.TaskType != nil {
			attrs = append(attrs, slog.String("task_type", *ev.TaskType))
		}
		if ev.Duration != nil {
			attrs = append(attrs, slog.Duration("took", *ev.Duration))
		}
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}
		l.LogAttrs(context.Background(), level, ev.Message, attrs...)
	}
}

// logSender stands in for SES in local runs.
type logSender struct{ l *slog.Logger }

func (s logSender) Send(ctx context.Context, from, to, subject, body string) error {
	s.l.InfoContext(ctx, "email", slog.String("from", from), slog.String("to", to),
		slog.String("subject", subject), slog.String("body", body))
	return nil
}

// logPublisher stands in for a broker in local runs.
type logPublisher struct{ l *slog.Logger }

func (p logPublisher) Publish(ctx context.Context, taskType notifyflow.TaskType, externalID string, payload []byte) error {
	p.l.InfoContext(ctx, "outcome", slog.String("task_type", string(taskType)),
		slog.String("external_id", externalID), slog.String("payload", string(payload)))
	return nil
}
