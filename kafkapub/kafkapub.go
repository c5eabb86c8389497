// Package kafkapub publishes task outcomes to Kafka, keyed by external id so
// every outcome of one submission lands on the same partition.
package kafkapub

import (
	"context"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/sky93/notifyflow"
)

const (
	HeaderTaskType   = "notifyflow-task-type"
	HeaderExternalID = "notifyflow-external-id"
)

type Config struct {
	Brokers []string
	// Topic receives every outcome. When empty each task type gets
	// TopicPrefix + "." + the type in lower kebab case.
	Topic       string
	TopicPrefix string
	// Timeout bounds one publish; 3s when zero.
	Timeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type Publisher struct {
	writer  messageWriter
	cfg     Config
	timeout time.Duration
	now     func() time.Time
}

func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkapub: at least one broker is required")
	}
	if cfg.Topic == "" && cfg.TopicPrefix == "" {
		return nil, errors.New("kafkapub: topic or topic prefix is required")
	}
	w := &kgo.Writer{
		Addr:                   kgo.TCP(cfg.Brokers...),
		Balancer:               &kgo.Hash{},
		RequiredAcks:           kgo.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, cfg), nil
}

func newPublisher(w messageWriter, cfg Config) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{writer: w, cfg: cfg, timeout: timeout, now: time.Now}
}

func (p *Publisher) Close() error { return p.writer.Close() }

func (p *Publisher) Publish(ctx context.Context, taskType notifyflow.TaskType, externalID string, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Topic: p.topic(taskType),
		Key:   []byte(externalID),
		Value: payload,
		Headers: []kgo.Header{
			{Key: HeaderTaskType, Value: []byte(taskType)},
			{Key: HeaderExternalID, Value: []byte(externalID)},
		},
		Time: p.now(),
	})
}

func (p *Publisher) topic(t notifyflow.TaskType) string {
	if p.cfg.Topic != "" {
		return p.cfg.Topic
	}
	return p.cfg.TopicPrefix + "." + strings.ReplaceAll(strings.ToLower(string(t)), "_", "-")
}

// SplitCSV turns "a:9092, b:9092" into broker addresses.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
