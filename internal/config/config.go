package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"development" validate:"oneof=development production test"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	APIAddr  string `env:"API_ADDR" envDefault:":8000" validate:"required"`

	QueueBackend        string `env:"QUEUE_BACKEND" envDefault:"sqs" validate:"oneof=sqs memory"`
	SQSEndpoint         string `env:"SQS_ENDPOINT" validate:"omitempty,url"`
	AWSRegion           string `env:"AWS_REGION" envDefault:"ap-northeast-1" validate:"required"`
	AWSAccountID        string `env:"AWS_ACCOUNT_ID" envDefault:"000000000000"`
	QueueName           string `env:"QUEUE_NAME" envDefault:"taskq" validate:"required,max=80"`
	DeadLetterQueueName string `env:"DEAD_LETTER_QUEUE_NAME" envDefault:"taskq-dlq" validate:"required,max=80,nefield=QueueName"`
	MaxReceiveCount     int    `env:"MAX_RECEIVE_COUNT" envDefault:"3" validate:"min=1,max=1000"`

	DefaultVT       int           `env:"DEFAULT_VISIBILITY_TIMEOUT_SEC" envDefault:"30" validate:"min=0,max=43200"`
	ReceiveWait     int           `env:"RECEIVE_WAIT_SEC" envDefault:"20" validate:"min=0,max=20"`
	ReceiveBatch    int           `env:"RECEIVE_BATCH_SIZE" envDefault:"10" validate:"min=1,max=10"`
	PollBackoff     time.Duration `env:"POLL_BACKOFF" envDefault:"5s" validate:"gt=0"`
	ReprocessVT     int           `env:"REPROCESS_VISIBILITY_TIMEOUT_SEC" envDefault:"30" validate:"min=1,max=43200"`
	DefaultTaskName string        `env:"DEFAULT_TASK_NAME" envDefault:"tasks.process" validate:"required"`

	ResultBackend  string `env:"RESULT_BACKEND" envDefault:"postgres" validate:"oneof=postgres dynamodb redis memory"`
	PostgresDSN    string `env:"POSTGRES_DSN" validate:"required_if=ResultBackend postgres"`
	DynamoTable    string `env:"DYNAMO_TABLE" envDefault:"job_results" validate:"required_if=ResultBackend dynamodb"`
	DynamoEndpoint string `env:"DYNAMO_ENDPOINT" validate:"omitempty,url"`
	RedisAddr      string `env:"REDIS_ADDR" validate:"required_if=ResultBackend redis"`
	RedisPassword  string `env:"REDIS_PASSWORD"`

	// EmbeddedWorker runs a worker inside the API process. It is forced on
	// when the queue lives in process memory.
	EmbeddedWorker bool `env:"EMBEDDED_WORKER" envDefault:"false"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// RunsEmbeddedWorker reports whether the API process should also consume
// the main queue.
func (c Config) RunsEmbeddedWorker() bool {
	return c.EmbeddedWorker || c.QueueBackend == "memory"
}

func (c Config) ReceiveWaitTime() time.Duration { return time.Duration(c.ReceiveWait) * time.Second }

func (c Config) ReprocessVisibility() time.Duration { return time.Duration(c.ReprocessVT) * time.Second }
