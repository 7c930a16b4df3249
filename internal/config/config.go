// Package config loads process configuration from the environment (METIS_
// prefix), an optional .env file and an optional YAML file.
package config

import (
	"strings"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "METIS"

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Failsafe  FailsafeConfig  `mapstructure:"failsafe"`
	Lock      LockConfig      `mapstructure:"lock"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	// Name prefixes every queue key in Redis.
	Name string `mapstructure:"name"`
	// VisibilityTimeout is how long an unacknowledged delivery stays claimed
	// before it is returned to the queue.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

type WorkerConfig struct {
	MaxConcurrentThreads int `mapstructure:"max_concurrent_threads"`
}

type ThrottleConfig struct {
	Size int `mapstructure:"size"`
}

type ExecutorConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollFailures int           `mapstructure:"max_poll_failures"`
}

type ConsumerConfig struct {
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

type SchedulerConfig struct {
	Period          time.Duration `mapstructure:"period"`
	DefaultPriority int           `mapstructure:"default_priority"`
}

type FailsafeConfig struct {
	Period            time.Duration `mapstructure:"period"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold"`
}

type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]interface{}{
	"database.url":                  "",
	"redis.addr":                    "localhost:6379",
	"redis.password":                "",
	"redis.db":                      0,
	"queue.name":                    "metis",
	"queue.visibility_timeout":      10 * time.Minute,
	"worker.max_concurrent_threads": 10,
	"throttle.size":                 4,
	"executor.poll_interval":        15 * time.Second,
	"executor.max_poll_failures":    10,
	"consumer.poll_timeout":         5 * time.Second,
	"scheduler.period":              90 * time.Second,
	"scheduler.default_priority":    0,
	"failsafe.period":               60 * time.Second,
	"failsafe.liveness_threshold":   5 * time.Minute,
	"lock.ttl":                      2 * time.Minute,
	"http.port":                     8080,
	"log.level":                     "INFO",
	"log.format":                    "text",
}

// Load reads configuration. A missing .env file is not an error; a named
// config file that cannot be read is.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the orchestrator cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Worker.MaxConcurrentThreads <= 0:
		return errors.New("worker.max_concurrent_threads must be positive")
	case c.Throttle.Size <= 0:
		return errors.New("throttle.size must be positive")
	case c.Executor.PollInterval <= 0:
		return errors.New("executor.poll_interval must be positive")
	case c.Executor.MaxPollFailures <= 0:
		return errors.New("executor.max_poll_failures must be positive")
	case c.Consumer.PollTimeout <= 0:
		return errors.New("consumer.poll_timeout must be positive")
	case c.Scheduler.Period <= 0:
		return errors.New("scheduler.period must be positive")
	case c.Failsafe.Period <= 0:
		return errors.New("failsafe.period must be positive")
	case c.Failsafe.LivenessThreshold <= c.Executor.PollInterval:
		return errors.New("failsafe.liveness_threshold must exceed executor.poll_interval")
	case c.Lock.TTL <= 0:
		return errors.New("lock.ttl must be positive")
	case c.Scheduler.DefaultPriority < queue.MinPriority || c.Scheduler.DefaultPriority > queue.MaxPriority:
		return errors.Errorf("scheduler.default_priority must be within [%d, %d]", queue.MinPriority, queue.MaxPriority)
	case strings.TrimSpace(c.Queue.Name) == "":
		return errors.New("queue.name is required")
	case c.Queue.VisibilityTimeout <= c.Executor.PollInterval:
		return errors.New("queue.visibility_timeout must exceed executor.poll_interval")
	}
	return nil
}
