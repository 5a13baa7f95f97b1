package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/store"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs, err := NewStore(db)
	require.NoError(t, err)

	logger := log.New("test")
	logger.SetOutput(io.Discard)

	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := New(jobs, Config{}, logger, NewMetrics(prometheus.NewRegistry()))
	q.now = c.now
	return q, c
}

func TestNextDelay(t *testing.T) {
	assert := assert.New(t)

	base := 10 * time.Second
	assert.Equal(10*time.Second, NextDelay(base, 1))
	assert.Equal(20*time.Second, NextDelay(base, 2))
	assert.Equal(40*time.Second, NextDelay(base, 3))
	assert.Equal(base*512, NextDelay(base, 10))
	assert.Equal(base, NextDelay(base, 0))

	assert.Equal(MaxDelay, NextDelay(base, 32))
	assert.Equal(MaxDelay, NextDelay(base, 100))
	for attempts := 1; attempts < 200; attempts++ {
		delay := NextDelay(time.Hour, attempts)
		assert.True(delay > 0 && delay <= MaxDelay, "attempt %d: %s", attempts, delay)
	}
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("Completes", func(t *testing.T) {
		assert := assert.New(t)
		q, _ := newTestQueue(t)

		var got struct{ Name string }
		q.Register("greet", func(ctx context.Context, job *Job) error {
			return job.Decode(&got)
		})

		job, err := q.Enqueue(ctx, "greet", map[string]string{"Name": "bob"})
		assert.Nil(err)

		processed, err := q.RunOnce(ctx, "greet")
		assert.Nil(err)
		assert.True(processed)
		assert.Equal("bob", got.Name)

		stored, err := q.Store().Get(ctx, job.ID)
		assert.Nil(err)
		assert.Equal(StatusComplete, stored.Status)
		assert.Equal(1, stored.Attempts)

		processed, err = q.RunOnce(ctx, "greet")
		assert.Nil(err)
		assert.False(processed)
	})

	t.Run("Delay", func(t *testing.T) {
		assert := assert.New(t)
		q, c := newTestQueue(t)

		calls := 0
		q.Register("later", func(ctx context.Context, job *Job) error {
			calls++
			return nil
		})

		_, err := q.Enqueue(ctx, "later", nil, WithDelay(time.Hour))
		assert.Nil(err)

		processed, err := q.RunOnce(ctx, "later")
		assert.Nil(err)
		assert.False(processed)

		c.t = c.t.Add(time.Hour)
		processed, err = q.RunOnce(ctx, "later")
		assert.Nil(err)
		assert.True(processed)
		assert.Equal(1, calls)
	})

	t.Run("Retries with backoff until exhausted", func(t *testing.T) {
		assert := assert.New(t)
		q, c := newTestQueue(t)

		calls := 0
		var exhausted *Job
		q.Register("flaky", func(ctx context.Context, job *Job) error {
			calls++
			return errors.New("upstream unavailable")
		}, OnExhausted(func(job *Job, err error) {
			exhausted = job
		}))

		job, err := q.Enqueue(ctx, "flaky", nil)
		assert.Nil(err)

		for attempt := 1; attempt <= 10; attempt++ {
			processed, err := q.RunOnce(ctx, "flaky")
			assert.Nil(err)
			assert.True(processed)

			stored, err := q.Store().Get(ctx, job.ID)
			assert.Nil(err)
			assert.Equal(attempt, stored.Attempts)
			if attempt < 10 {
				assert.Equal(StatusPending, stored.Status)
				delay := NextDelay(10*time.Second, attempt)
				assert.Equal(c.t.Add(delay).UnixMilli(), stored.RunAt)

				// not yet due
				processed, err = q.RunOnce(ctx, "flaky")
				assert.Nil(err)
				assert.False(processed)

				c.t = c.t.Add(delay)
			} else {
				assert.Equal(StatusFailed, stored.Status)
				assert.Equal("upstream unavailable", stored.LastError)
			}
		}

		c.t = c.t.Add(24 * time.Hour)
		processed, err := q.RunOnce(ctx, "flaky")
		assert.Nil(err)
		assert.False(processed)
		assert.Equal(10, calls)

		if assert.NotNil(exhausted) {
			assert.Equal(job.ID, exhausted.ID)
			assert.Equal(10, exhausted.Attempts)
		}

		t.Run("Retry", func(t *testing.T) {
			assert.Nil(q.Retry(ctx, job.ID))
			processed, err := q.RunOnce(ctx, "flaky")
			assert.Nil(err)
			assert.True(processed)
			assert.Equal(11, calls)

			assert.ErrorIs(q.Retry(ctx, "missing"), ErrJobNotFound)
		})
	})

	t.Run("Permanent failure", func(t *testing.T) {
		assert := assert.New(t)
		q, _ := newTestQueue(t)

		calls := 0
		q.Register("bad", func(ctx context.Context, job *Job) error {
			calls++
			return Permanent(errors.New("no such user"))
		})

		job, err := q.Enqueue(ctx, "bad", nil)
		assert.Nil(err)

		processed, err := q.RunOnce(ctx, "bad")
		assert.Nil(err)
		assert.True(processed)

		stored, err := q.Store().Get(ctx, job.ID)
		assert.Nil(err)
		assert.Equal(StatusFailed, stored.Status)
		assert.Equal(1, calls)
	})

	t.Run("Panic fails the job", func(t *testing.T) {
		assert := assert.New(t)
		q, _ := newTestQueue(t)

		var exhausted error
		q.Register("explodes", func(ctx context.Context, job *Job) error {
			panic("boom")
		}, OnExhausted(func(job *Job, err error) { exhausted = err }))

		job, err := q.Enqueue(ctx, "explodes", nil)
		require.NoError(t, err)

		processed, err := q.RunOnce(ctx, "explodes")
		assert.Nil(err)
		assert.True(processed)

		stored, err := q.Store().Get(ctx, job.ID)
		assert.Nil(err)
		assert.Equal(StatusFailed, stored.Status)
		assert.Equal(1, stored.Attempts)
		assert.Contains(stored.LastError, "boom")
		assert.True(IsPermanent(exhausted))
	})

	t.Run("Malformed payload is permanent", func(t *testing.T) {
		assert := assert.New(t)
		var v struct{ N int }
		err := (&Job{Type: "x", Payload: "{"}).Decode(&v)
		assert.True(IsPermanent(err))
		assert.False(IsPermanent(errors.New("plain")))
		assert.Nil(Permanent(nil))
	})

	t.Run("Dedupe", func(t *testing.T) {
		assert := assert.New(t)
		q, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, "once", nil, WithDedupeKey("k1"))
		assert.Nil(err)
		_, err = q.Enqueue(ctx, "once", nil, WithDedupeKey("k1"))
		assert.ErrorIs(err, ErrDuplicate)
		_, err = q.Enqueue(ctx, "once", nil)
		assert.Nil(err)
		_, err = q.Enqueue(ctx, "once", nil)
		assert.Nil(err)

		stats, err := q.Store().Stats(ctx)
		assert.Nil(err)
		assert.Equal(int64(3), stats[StatusPending])
	})

	t.Run("No handler", func(t *testing.T) {
		q, _ := newTestQueue(t)
		_, err := q.RunOnce(ctx, "unknown")
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("Requeue and purge", func(t *testing.T) {
		assert := assert.New(t)
		q, c := newTestQueue(t)

		_, err := q.Enqueue(ctx, "a", nil)
		assert.Nil(err)
		job, err := q.Store().Claim(ctx, "a", c.t.UnixMilli())
		assert.Nil(err)
		assert.NotNil(job)

		requeued, err := q.Store().RequeueActive(ctx, c.t.UnixMilli())
		assert.Nil(err)
		assert.Equal(int64(1), requeued)

		assert.Nil(q.Store().Complete(ctx, job.ID, 1, c.t.UnixMilli()))
		listed, err := q.Store().List(ctx, StatusComplete, 10)
		assert.Nil(err)
		assert.Len(listed, 1)

		c.t = c.t.Add(48 * time.Hour)
		purged, err := q.PurgeTask(24*time.Hour).Run(ctx)
		assert.Nil(err)
		assert.Equal(int64(1), purged)
	})
}

func TestMaintainer(t *testing.T) {
	assert := assert.New(t)

	_, err := NewMaintainer("not a cron", log.New("test"))
	assert.Error(err)

	ran := 0
	m, err := NewMaintainer("0 3 * * *", log.New("test"), Task{
		Name: "count",
		Run: func(ctx context.Context) (int64, error) {
			ran++
			return 0, nil
		},
	})
	assert.Nil(err)
	m.RunOnce(context.Background())
	assert.Equal(1, ran)
}
