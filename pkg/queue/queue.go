// Package queue defines the execution queue: a durable, priority ordered
// channel of execution ids with consumer acknowledgement.
package queue

import (
	"context"
	"time"
)

const (
	MinPriority = 0
	MaxPriority = 10
)

// Delivery is one received message. Tag identifies it for Ack and Nack.
type Delivery struct {
	ExecutionID string
	Priority    int
	Tag         string
	Redelivered bool
}

// Queue carries execution ids from producers to consumers, at least once.
type Queue interface {
	// Publish enqueues id. Publishing an id that is already pending is a no-op.
	Publish(ctx context.Context, executionID string, priority int) error
	// Consume waits up to timeout for a message. It returns nil, nil on timeout.
	Consume(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack rejects d; when requeue is true the message becomes deliverable again.
	Nack(ctx context.Context, d *Delivery, requeue bool) error
	// Contains reports whether id is pending or held by a live consumer.
	Contains(ctx context.Context, executionID string) (bool, error)
}

// Recoverer is implemented by queues that can return abandoned in-flight
// deliveries to the pending set.
type Recoverer interface {
	RequeueExpired(ctx context.Context) (int, error)
}

// ClampPriority bounds p to the supported range.
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
