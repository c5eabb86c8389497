// Package emailtask implements the SEND_EMAIL task type: template lookup,
// placeholder rendering and dispatch, with per-failure backoff.
package emailtask

import (
	"context"

	"github.com/sky93/notifyflow"
)

// Channel is the template channel served by this task type.
const Channel = "EMAIL"

const (
	TemplateNotFound          notifyflow.FailureType = "TEMPLATE_NOT_FOUND"
	TemplateRepositoryFailure notifyflow.FailureType = "TEMPLATE_REPOSITORY_FAILURE"
	EmailSenderFailure        notifyflow.FailureType = "EMAIL_SENDER_FAILURE"
)

// Input is the submitted request stored in the task context.
type Input struct {
	Recipient        string            `json:"recipient"`
	NotificationType string            `json:"notificationType"`
	Language         string            `json:"language"`
	Values           map[string]string `json:"values,omitempty"`
}

// Context is the stored document of a SEND_EMAIL task.
type Context = notifyflow.TaskContext[Input]

// Register binds SEND_EMAIL to Input in the context schema registry.
func Register() {
	notifyflow.RegisterContext[Input](notifyflow.TaskSendEmail)
}

// Template is a notification template for one channel, type and language.
type Template struct {
	Channel  string `yaml:"channel" dynamodbav:"channel"`
	Type     string `yaml:"type" dynamodbav:"notification_type"`
	Language string `yaml:"language" dynamodbav:"language"`
	Subject  string `yaml:"subject" dynamodbav:"subject"`
	Body     string `yaml:"body" dynamodbav:"body"`
}

// TemplateRepository resolves templates. ok is false when none matches.
type TemplateRepository interface {
	FindOneBy(ctx context.Context, channel, notificationType, language string) (tpl Template, ok bool, err error)
}

// Sender dispatches a rendered email.
type Sender interface {
	Send(ctx context.Context, from, to, subject, body string) error
}
