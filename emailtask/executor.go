package emailtask

import (
	"context"
	"fmt"
	"time"

	"github.com/sky93/notifyflow"
)

// Executor runs SEND_EMAIL tasks.
type Executor struct {
	cfg       notifyflow.Config
	from      string
	repo      notifyflow.Repository
	templates TemplateRepository
	sender    Sender
}

// NewExecutor builds an executor using the retry settings and clock of cfg.
func NewExecutor(cfg notifyflow.Config, from string, repo notifyflow.Repository, templates TemplateRepository, sender Sender) *Executor {
	return &Executor{
		cfg:       cfg.WithDefaults(),
		from:      from,
		repo:      repo,
		templates: templates,
		sender:    sender,
	}
}

func (x *Executor) Execute(ctx context.Context, task notifyflow.Task) error {
	tc, err := notifyflow.DecodeTaskContext[Input](task.Context)
	if err != nil {
		return notifyflow.Unexpected(fmt.Sprintf("task %s", task.ID), err)
	}

	in := tc.Input
	tpl, found, err := x.templates.FindOneBy(ctx, Channel, in.NotificationType, in.Language)
	switch {
	case err != nil:
		return x.fail(ctx, task, &tc, TemplateRepositoryFailure, err.Error(), x.senderBackoff(task))
	case !found:
		msg := fmt.Sprintf("no %s template for type %q and language %q", Channel, in.NotificationType, in.Language)
		return x.fail(ctx, task, &tc, TemplateNotFound, msg, x.templateBackoff(task))
	}

	subject := Render(tpl.Subject, in.Values)
	body := Render(tpl.Body, in.Values)
	if err := x.sender.Send(ctx, x.from, in.Recipient, subject, body); err != nil {
		return x.fail(ctx, task, &tc, EmailSenderFailure, err.Error(), x.senderBackoff(task))
	}

	upd, err := notifyflow.RecordSuccess(task, &tc, x.cfg.Clock.Now())
	if err != nil {
		return notifyflow.Unexpected(fmt.Sprintf("task %s", task.ID), err)
	}
	return x.persist(ctx, task, upd)
}

func (x *Executor) templateBackoff(task notifyflow.Task) time.Duration {
	return notifyflow.LinearBackoff(time.Hour, x.cfg.TemplateNotFoundBackoffHours, task.ExecutionCount)
}

func (x *Executor) senderBackoff(task notifyflow.Task) time.Duration {
	return notifyflow.LinearBackoff(time.Minute, x.cfg.EmailSenderFailureBackoffMinutes, task.ExecutionCount)
}

func (x *Executor) fail(ctx context.Context, task notifyflow.Task, tc *Context, ft notifyflow.FailureType, msg string, backoff time.Duration) error {
	upd, err := notifyflow.RecordFailure(task, tc, ft, msg, backoff, x.cfg.MaxExecutionCount, x.cfg.Clock.Now())
	if err != nil {
		return notifyflow.Unexpected(fmt.Sprintf("task %s", task.ID), err)
	}
	return x.persist(ctx, task, upd)
}

func (x *Executor) persist(ctx context.Context, task notifyflow.Task, upd notifyflow.TerminalUpdate) error {
	if err := x.repo.UpdateTerminal(ctx, upd); err != nil {
		err = fmt.Errorf("persist %s transition of task %s: %w", upd.Status, upd.ID, err)
		id, ext, typ := task.ID, task.ExternalID, string(task.Type)
		x.cfg.ErrorLog(notifyflow.LogEvent{
			Message:    fmt.Sprintf("Cannot write %s outcome of task %s", upd.Status, task.ID),
			TaskID:     &id,
			ExternalID: &ext,
			TaskType:   &typ,
			Err:        err,
		})
		return err
	}
	return nil
}
