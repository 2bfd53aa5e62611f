package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultPoll bounds how long one blocking pop waits before due
// retries are looked at again.  Redis counts blocking timeouts in
// whole seconds.
const DefaultPoll = time.Second

// promote moves up to 100 due members of the delayed set onto the
// head of the ready list.
var promote = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', '100')
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// RedisQueue keeps jobs in Redis.  Jobs wait on the <prefix>:ready
// list, retries wait on the <prefix>:delayed sorted set scored by due
// time in milliseconds, parked jobs sit on <prefix>:review, and jobs
// being worked on are held on <prefix>:processing until finished.
type RedisQueue struct {
	Client *redis.Client
	Prefix string
	Poll   time.Duration
}

// ConnectRedis returns a client for addr after checking it answers.
func ConnectRedis(ctx context.Context, addr, password string) (rdb *redis.Client, err error) {
	rdb = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "connect to redis at %s", addr)
	}
	return
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{Client: rdb, Prefix: prefix, Poll: DefaultPoll}
}

func (q *RedisQueue) key(name string) string {
	return q.Prefix + ":" + name
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (err error) {
	raw, err := job.encode()
	if err != nil {
		return
	}
	err = q.Client.LPush(ctx, q.key("ready"), raw).Err()
	if err != nil {
		return errors.Wrapf(err, "enqueue %s", job.ID)
	}
	job.ref = raw
	return
}

// Promote moves due retries onto the ready list and returns how many
// were moved.
func (q *RedisQueue) Promote(ctx context.Context) (n int64, err error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	keys := []string{q.key("delayed"), q.key("ready")}
	n, err = promote.Run(ctx, q.Client, keys, now).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "promote delayed jobs")
	}
	return
}

func (q *RedisQueue) Dequeue(ctx context.Context) (job *Job, err error) {
	poll := q.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_, err = q.Promote(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		var raw string
		raw, err = q.Client.BRPopLPush(ctx, q.key("ready"), q.key("processing"), poll).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrap(err, "dequeue")
		}
		job, err = decodeJob(raw)
		if err != nil {
			// an unreadable payload can never succeed
			log.Errorf("dropping %q to review: %v", raw, err)
			perr := q.park(ctx, raw, raw)
			if perr != nil {
				return nil, perr
			}
			continue
		}
		return job, nil
	}
}

// finish drops the claimed payload from the processing list.
func (q *RedisQueue) finish(ctx context.Context, pipe redis.Pipeliner, ref string) {
	pipe.LRem(ctx, q.key("processing"), 1, ref)
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) (err error) {
	err = q.Client.LRem(ctx, q.key("processing"), 1, job.ref).Err()
	return errors.Wrapf(err, "ack %s", job.ID)
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration) (err error) {
	old := job.ref
	job.NotBefore = time.Now().Add(delay)
	raw, err := job.encode()
	if err != nil {
		return
	}
	_, err = q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(job.NotBefore.UnixMilli()),
			Member: raw,
		})
		q.finish(ctx, pipe, old)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "retry %s", job.ID)
	}
	job.ref = raw
	return
}

func (q *RedisQueue) Review(ctx context.Context, job *Job) (err error) {
	old := job.ref
	raw, err := job.encode()
	if err != nil {
		return
	}
	err = q.park(ctx, raw, old)
	if err != nil {
		return errors.Wrapf(err, "review %s", job.ID)
	}
	job.ref = raw
	return
}

func (q *RedisQueue) park(ctx context.Context, raw, old string) (err error) {
	_, err = q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.key("review"), raw)
		q.finish(ctx, pipe, old)
		return nil
	})
	return
}

// Recover puts jobs left on the processing list by a dead worker back
// on the ready list.  Run it before starting a pool, never while one
// is running against the same prefix.
func (q *RedisQueue) Recover(ctx context.Context) (n int, err error) {
	for {
		err = q.Client.RPopLPush(ctx, q.key("processing"), q.key("ready")).Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "recover processing jobs")
		}
		n++
	}
}

// Pending counts jobs that are ready, delayed or being worked on.
func (q *RedisQueue) Pending(ctx context.Context) (n int64, err error) {
	cmds, err := q.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LLen(ctx, q.key("ready"))
		pipe.ZCard(ctx, q.key("delayed"))
		pipe.LLen(ctx, q.key("processing"))
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "count pending jobs")
	}
	for _, cmd := range cmds {
		n += cmd.(*redis.IntCmd).Val()
	}
	return
}

// Reviewed lists the parked jobs, most recent first.
func (q *RedisQueue) Reviewed(ctx context.Context) (jobs []*Job, err error) {
	raws, err := q.Client.LRange(ctx, q.key("review"), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list review queue")
	}
	for _, raw := range raws {
		job, derr := decodeJob(raw)
		if derr != nil {
			log.Warnf("unreadable review entry %q: %v", raw, derr)
			continue
		}
		jobs = append(jobs, job)
	}
	return
}
