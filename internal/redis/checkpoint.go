package redis

import (
	"context"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/service"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ service.Checkpoint = (*Checkpoint)(nil)

// Checkpoint keeps the scheduler checkpoint in a single key shared by every
// worker process.
type Checkpoint struct {
	client redis.UniversalClient
	key    string
}

func NewCheckpoint(client redis.UniversalClient, prefix string) *Checkpoint {
	return &Checkpoint{client: client, key: prefix + ":scheduler:checkpoint"}
}

func (c *Checkpoint) Load(ctx context.Context) (time.Time, bool, error) {
	v, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "load scheduler checkpoint")
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "parse scheduler checkpoint %q", v)
	}
	return t, true, nil
}

func (c *Checkpoint) Save(ctx context.Context, t time.Time) error {
	if err := c.client.Set(ctx, c.key, t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return errors.Wrap(err, "save scheduler checkpoint")
	}
	return nil
}
