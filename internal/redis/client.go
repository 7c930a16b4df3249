// Package redis implements the distributed lock, the durable execution queue
// and the scheduler checkpoint on Redis.
package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Options configures Connect.
type Options struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds each connection attempt. Default: 5 seconds.
	DialTimeout time.Duration
	// MaxRetries is the number of extra ping attempts at startup. Default: 3.
	MaxRetries int
	// MinRetryDelay and MaxRetryDelay bound the exponential backoff between
	// attempts. Defaults: 100ms and 3s.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MinRetryDelay <= 0 {
		o.MinRetryDelay = 100 * time.Millisecond
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 3 * time.Second
	}
}

// Connect opens a client and verifies the connection, retrying with backoff.
func Connect(ctx context.Context, opts Options, log logrus.FieldLogger) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	opts.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.WithFields(logrus.Fields{"addr": opts.Addr, "db": opts.DB}).Info("Redis connected")
			return client, nil
		}
		lastErr = err
		if attempt == opts.MaxRetries {
			break
		}

		backoff := opts.MinRetryDelay * time.Duration(1<<attempt)
		if backoff > opts.MaxRetryDelay {
			backoff = opts.MaxRetryDelay
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).WithError(err).Warn("Redis connection failed, retrying")
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	_ = client.Close()
	return nil, errors.Wrapf(lastErr, "connect to redis at %s after %d attempts", opts.Addr, opts.MaxRetries+1)
}
