package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sky93/notifyflow"
	"github.com/sky93/notifyflow/kafkapub"
)

type Config struct {
	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"http"`

	Engine struct {
		MaxExecutionCount                int    `yaml:"maxExecutionCount"`
		TemplateNotFoundBackoffHours     int    `yaml:"templateNotFoundBackoffHours"`
		EmailSenderFailureBackoffMinutes int    `yaml:"emailSenderFailureBackoffMinutes"`
		PollerSchedule                   string `yaml:"pollerSchedule"`
		PublisherSchedule                string `yaml:"publisherSchedule"`
		PublishBatchSize                 int    `yaml:"publishBatchSize"`
		WorkerPoolSize                   int    `yaml:"workerPoolSize"`
		ClaimBatchSize                   int    `yaml:"claimBatchSize"`
	} `yaml:"engine"`

	Store struct {
		// Driver is mysql, postgres or memory.
		Driver  string `yaml:"driver"`
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"store"`

	Templates struct {
		// Source is static or dynamo.
		Source         string `yaml:"source"`
		File           string `yaml:"file"`
		DynamoTable    string `yaml:"dynamoTable"`
		DynamoEndpoint string `yaml:"dynamoEndpoint"`
	} `yaml:"templates"`

	Email struct {
		// Driver is ses or log.
		Driver           string `yaml:"driver"`
		From             string `yaml:"from"`
		ConfigurationSet string `yaml:"configurationSet"`
	} `yaml:"email"`

	Broker struct {
		// Driver is kafka, nats or log.
		Driver string `yaml:"driver"`
		Kafka  struct {
			Brokers     []string `yaml:"brokers"`
			Topic       string   `yaml:"topic"`
			TopicPrefix string   `yaml:"topicPrefix"`
		} `yaml:"kafka"`
		NATS struct {
			URL           string `yaml:"url"`
			Stream        string `yaml:"stream"`
			SubjectPrefix string `yaml:"subjectPrefix"`
		} `yaml:"nats"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"broker"`

	AWS struct {
		Region string `yaml:"region"`
	} `yaml:"aws"`

	Tracing struct {
		// Exporter is none, stdout or otlphttp.
		Exporter string `yaml:"exporter"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

func defaultConfig() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.Store.Driver = "memory"
	c.Store.Migrate = true
	c.Templates.Source = "static"
	c.Email.Driver = "log"
	c.Broker.Driver = "log"
	c.Broker.Kafka.TopicPrefix = "notifyflow.outcomes"
	c.Broker.NATS.Stream = "NOTIFYFLOW_OUTCOMES"
	c.Broker.NATS.SubjectPrefix = "notifyflow.outcomes"
	c.Broker.Timeout = 3 * time.Second
	c.AWS.Region = "us-east-1"
	c.Tracing.Exporter = "none"
	c.ShutdownTimeout = 30 * time.Second

	d := notifyflow.DefaultConfig()
	c.Engine.MaxExecutionCount = d.MaxExecutionCount
	c.Engine.TemplateNotFoundBackoffHours = d.TemplateNotFoundBackoffHours
	c.Engine.EmailSenderFailureBackoffMinutes = d.EmailSenderFailureBackoffMinutes
	c.Engine.PollerSchedule = d.PollerSchedule
	c.Engine.PublisherSchedule = d.PublisherSchedule
	c.Engine.PublishBatchSize = d.PublishBatchSize
	c.Engine.WorkerPoolSize = d.WorkerPoolSize
	return c
}

// loadConfig reads the optional YAML file at path, then applies NOTIFYFLOW_*
// overrides from getenv.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	c := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&c, getenv); err != nil {
		return Config{}, err
	}
	return c, c.validate()
}

func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("NOTIFYFLOW_HTTP_ADDR", &c.HTTP.Addr)
	if v := getenv("NOTIFYFLOW_HTTP_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = kafkapub.SplitCSV(v)
	}

	num("NOTIFYFLOW_MAX_EXECUTION_COUNT", &c.Engine.MaxExecutionCount)
	num("NOTIFYFLOW_TEMPLATE_NOT_FOUND_BACKOFF_HOURS", &c.Engine.TemplateNotFoundBackoffHours)
	num("NOTIFYFLOW_EMAIL_SENDER_FAILURE_BACKOFF_MINUTES", &c.Engine.EmailSenderFailureBackoffMinutes)
	str("NOTIFYFLOW_POLLER_SCHEDULE", &c.Engine.PollerSchedule)
	str("NOTIFYFLOW_PUBLISHER_SCHEDULE", &c.Engine.PublisherSchedule)
	num("NOTIFYFLOW_PUBLISH_BATCH_SIZE", &c.Engine.PublishBatchSize)
	num("NOTIFYFLOW_WORKER_POOL_SIZE", &c.Engine.WorkerPoolSize)
	num("NOTIFYFLOW_CLAIM_BATCH_SIZE", &c.Engine.ClaimBatchSize)

	str("NOTIFYFLOW_STORE_DRIVER", &c.Store.Driver)
	str("NOTIFYFLOW_STORE_DSN", &c.Store.DSN)
	if v := strings.TrimSpace(getenv("NOTIFYFLOW_STORE_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NOTIFYFLOW_STORE_MIGRATE: %w", err))
		} else {
			c.Store.Migrate = b
		}
	}

	str("NOTIFYFLOW_TEMPLATES_SOURCE", &c.Templates.Source)
	str("NOTIFYFLOW_TEMPLATES_FILE", &c.Templates.File)
	str("NOTIFYFLOW_DYNAMO_TABLE", &c.Templates.DynamoTable)
	str("NOTIFYFLOW_DYNAMO_ENDPOINT", &c.Templates.DynamoEndpoint)

	str("NOTIFYFLOW_EMAIL_DRIVER", &c.Email.Driver)
	str("NOTIFYFLOW_EMAIL_FROM", &c.Email.From)
	str("NOTIFYFLOW_SES_CONFIGURATION_SET", &c.Email.ConfigurationSet)

	str("NOTIFYFLOW_BROKER_DRIVER", &c.Broker.Driver)
	if v := getenv("NOTIFYFLOW_KAFKA_BROKERS"); v != "" {
		c.Broker.Kafka.Brokers = kafkapub.SplitCSV(v)
	}
	str("NOTIFYFLOW_KAFKA_TOPIC", &c.Broker.Kafka.Topic)
	str("NOTIFYFLOW_KAFKA_TOPIC_PREFIX", &c.Broker.Kafka.TopicPrefix)
	str("NOTIFYFLOW_NATS_URL", &c.Broker.NATS.URL)
	str("NOTIFYFLOW_NATS_STREAM", &c.Broker.NATS.Stream)
	str("NOTIFYFLOW_NATS_SUBJECT_PREFIX", &c.Broker.NATS.SubjectPrefix)
	dur("NOTIFYFLOW_BROKER_TIMEOUT", &c.Broker.Timeout)

	str("AWS_REGION", &c.AWS.Region)
	str("NOTIFYFLOW_OTEL_EXPORTER", &c.Tracing.Exporter)
	str("NOTIFYFLOW_OTEL_ENDPOINT", &c.Tracing.Endpoint)
	dur("NOTIFYFLOW_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	return errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Templates.Source {
	case "static":
	case "dynamo":
		if c.Templates.DynamoTable == "" {
			errs = append(errs, errors.New("templates.dynamoTable is required for source dynamo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown templates source %q", c.Templates.Source))
	}

	switch c.Email.Driver {
	case "log":
	case "ses":
		if c.Email.From == "" {
			errs = append(errs, errors.New("email.from is required for driver ses"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown email driver %q", c.Email.Driver))
	}

	switch c.Broker.Driver {
	case "log":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("broker.kafka.brokers is required for driver kafka"))
		}
	case "nats":
		if c.Broker.NATS.SubjectPrefix == "" {
			errs = append(errs, errors.New("broker.nats.subjectPrefix is required for driver nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker driver %q", c.Broker.Driver))
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

func (c Config) engineConfig() notifyflow.Config {
	return notifyflow.Config{
		MaxExecutionCount:                c.Engine.MaxExecutionCount,
		TemplateNotFoundBackoffHours:     c.Engine.TemplateNotFoundBackoffHours,
		EmailSenderFailureBackoffMinutes: c.Engine.EmailSenderFailureBackoffMinutes,
		PollerSchedule:                   c.Engine.PollerSchedule,
		PublisherSchedule:                c.Engine.PublisherSchedule,
		PublishBatchSize:                 c.Engine.PublishBatchSize,
		WorkerPoolSize:                   c.Engine.WorkerPoolSize,
		ClaimBatchSize:                   c.Engine.ClaimBatchSize,
	}
}
