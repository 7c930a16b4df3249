package redis

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/queue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultVisibilityTimeout = 10 * time.Minute

// priorityWeight separates priority levels in a pending score. Enqueue times
// in unix milliseconds stay well below it, so within one level earlier
// messages score higher.
const priorityWeight = 1e13

var (
	_ queue.Queue     = (*Queue)(nil)
	_ queue.Recoverer = (*Queue)(nil)
)

// settleScript removes a delivery from the in-flight hash and, when ARGV[1]
// is "1", puts its execution back in the pending set.
// KEYS: inflight, pending, redelivered. ARGV: requeue, tag, pending score.
var settleScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], ARGV[2])
if not raw then
	return -1
end
redis.call("HDEL", KEYS[1], ARGV[2])
if ARGV[1] == "1" then
	local entry = cjson.decode(raw)
	redis.call("ZADD", KEYS[2], "NX", ARGV[3], entry.id)
	redis.call("SADD", KEYS[3], entry.id)
	return 1
end
return 0
`)

type inflightEntry struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Deadline int64  `json:"deadline"` // unix millis
}

// Queue is the durable execution queue. Pending ids live in a sorted set
// scored by priority then enqueue time; delivered ids sit in an in-flight
// hash until they are settled or their visibility timeout lapses.
type Queue struct {
	client            redis.UniversalClient
	pending           string
	inflight          string
	redelivered       string
	visibilityTimeout time.Duration
	now               func() time.Time
}

// NewQueue stores its keys under prefix.
func NewQueue(client redis.UniversalClient, prefix string, visibilityTimeout time.Duration) *Queue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	return &Queue{
		client:            client,
		pending:           prefix + ":queue:pending",
		inflight:          prefix + ":queue:inflight",
		redelivered:       prefix + ":queue:redelivered",
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
	}
}

func (q *Queue) score(priority int) float64 {
	return float64(queue.ClampPriority(priority))*priorityWeight - float64(q.now().UnixMilli())
}

// Publish adds id to the pending set unless it is already there.
func (q *Queue) Publish(ctx context.Context, executionID string, priority int) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	err := q.client.ZAddNX(ctx, q.pending, redis.Z{Score: q.score(priority), Member: executionID}).Err()
	return errors.Wrapf(err, "publish execution %s", executionID)
}

func (q *Queue) Consume(ctx context.Context, timeout time.Duration) (*queue.Delivery, error) {
	res, err := q.client.BZPopMax(ctx, timeout, q.pending).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "consume execution")
	}

	id, ok := res.Member.(string)
	if !ok {
		return nil, errors.Errorf("unexpected queue member %v", res.Member)
	}
	entry := inflightEntry{
		ID:       id,
		Priority: queue.ClampPriority(int(math.Ceil(res.Score / priorityWeight))),
		Deadline: q.now().Add(q.visibilityTimeout).UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, errors.Wrap(err, "encode delivery")
	}

	d := &queue.Delivery{ExecutionID: id, Priority: entry.Priority, Tag: uuid.NewString()}
	// A crash between the pop and this write drops the message; the failsafe
	// monitor re-publishes executions left QUEUED without a message.
	if err := q.client.HSet(context.WithoutCancel(ctx), q.inflight, d.Tag, raw).Err(); err != nil {
		return nil, errors.Wrapf(err, "record delivery of execution %s", id)
	}
	n, err := q.client.SRem(context.WithoutCancel(ctx), q.redelivered, id).Result()
	if err == nil {
		d.Redelivered = n > 0
	}
	return d, nil
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	return q.settle(ctx, d, false)
}

func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, requeue bool) error {
	return q.settle(ctx, d, requeue)
}

func (q *Queue) settle(ctx context.Context, d *queue.Delivery, requeue bool) error {
	n, err := q.runSettle(ctx, d.Tag, d.Priority, requeue)
	if err != nil {
		return errors.Wrapf(err, "settle delivery of execution %s", d.ExecutionID)
	}
	if n < 0 {
		return errors.Errorf("unknown delivery %s of execution %s", d.Tag, d.ExecutionID)
	}
	return nil
}

// Contains reports whether id is pending or held by a delivery that has not
// yet expired.
func (q *Queue) Contains(ctx context.Context, executionID string) (bool, error) {
	_, err := q.client.ZScore(ctx, q.pending, executionID).Result()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, errors.Wrapf(err, "look up execution %s", executionID)
	}

	entries, err := q.inflightEntries(ctx)
	if err != nil {
		return false, err
	}
	now := q.now().UnixMilli()
	for _, e := range entries {
		if e.ID == executionID && e.Deadline > now {
			return true, nil
		}
	}
	return false, nil
}

// RequeueExpired returns deliveries whose visibility timeout lapsed to the
// pending set. A consumer that settles one afterwards gets an error.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	entries, err := q.inflightEntries(ctx)
	if err != nil {
		return 0, err
	}
	now := q.now().UnixMilli()
	count := 0
	for tag, e := range entries {
		if e.Deadline > now {
			continue
		}
		n, err := q.runSettle(ctx, tag, e.Priority, true)
		if err != nil {
			return count, errors.Wrapf(err, "requeue delivery of execution %s", e.ID)
		}
		if n > 0 {
			count++
		}
	}
	return count, nil
}

func (q *Queue) runSettle(ctx context.Context, tag string, priority int, requeue bool) (int, error) {
	flag := "0"
	if requeue {
		flag = "1"
	}
	score := strconv.FormatFloat(q.score(priority), 'f', 0, 64)
	return settleScript.Run(ctx, q.client, []string{q.inflight, q.pending, q.redelivered}, flag, tag, score).Int()
}

func (q *Queue) inflightEntries(ctx context.Context) (map[string]inflightEntry, error) {
	raw, err := q.client.HGetAll(ctx, q.inflight).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list in-flight deliveries")
	}
	entries := make(map[string]inflightEntry, len(raw))
	for tag, v := range raw {
		var e inflightEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries[tag] = e
	}
	return entries, nil
}

// Len returns the number of pending messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.pending).Result()
	return n, errors.Wrap(err, "count pending executions")
}
