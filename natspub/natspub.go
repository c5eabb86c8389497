// Package natspub publishes task outcomes to NATS JetStream. The external id
// is sent as the JetStream message id, so a republish inside the stream's
// duplicate window is dropped by the server.
package natspub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/sky93/notifyflow"
)

const HeaderTaskType = "Notifyflow-Task-Type"

type Config struct {
	URL string
	// Stream is created or updated on Connect to capture SubjectPrefix.>.
	Stream        string
	SubjectPrefix string
	// Duplicates is the JetStream dedup window; 2m when zero.
	Duplicates time.Duration
	Timeout    time.Duration
}

type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Publisher struct {
	nc      *nats.Conn
	js      msgPublisher
	prefix  string
	timeout time.Duration
}

// Connect dials NATS, ensures the outcome stream and returns a publisher.
// logf receives connection state changes.
func Connect(ctx context.Context, cfg Config, logf func(format string, args ...any)) (*Publisher, error) {
	if cfg.SubjectPrefix == "" {
		return nil, errors.New("natspub: subject prefix is required")
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	nc, err := nats.Connect(
		url,
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	if cfg.Stream != "" {
		dup := cfg.Duplicates
		if dup <= 0 {
			dup = 2 * time.Minute
		}
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ".>"},
			Duplicates: dup,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
		}
	}

	p := newPublisher(js, cfg)
	p.nc = nc
	return p, nil
}

func newPublisher(js msgPublisher, cfg Config) *Publisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{js: js, prefix: cfg.SubjectPrefix, timeout: timeout}
}

func (p *Publisher) Publish(ctx context.Context, taskType notifyflow.TaskType, externalID string, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := nats.NewMsg(p.Subject(taskType))
	msg.Data = payload
	msg.Header.Set(HeaderTaskType, string(taskType))
	if _, err := p.js.PublishMsg(cctx, msg, jetstream.WithMsgID(externalID)); err != nil {
		return fmt.Errorf("publish %s outcome %s: %w", taskType, externalID, err)
	}
	return nil
}

// Subject is SubjectPrefix + "." + the task type in lower case.
func (p *Publisher) Subject(t notifyflow.TaskType) string {
	return p.prefix + "." + strings.ToLower(string(t))
}

func (p *Publisher) Close() error {
	if p.nc != nil && !p.nc.IsClosed() {
		return p.nc.Drain()
	}
	return nil
}
