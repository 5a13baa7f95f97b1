package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Job is a unit of work persisted in the jobs table. Times are unix
// milliseconds so the schema is portable between SQLite and Postgres.
type Job struct {
	ID          string         `db:"id" json:"id"`
	Type        string         `db:"type" json:"type"`
	Payload     string         `db:"payload" json:"payload"`
	Status      Status         `db:"status" json:"status"`
	Attempts    int            `db:"attempts" json:"attempts"`
	MaxAttempts int            `db:"max_attempts" json:"maxAttempts"`
	BackoffMS   int64          `db:"backoff_ms" json:"backoffMs"`
	RunAt       int64          `db:"run_at" json:"runAt"`
	DedupeKey   sql.NullString `db:"dedupe_key" json:"-"`
	LastError   string         `db:"last_error" json:"lastError,omitempty"`
	CreatedAt   int64          `db:"created_at" json:"createdAt"`
	UpdatedAt   int64          `db:"updated_at" json:"updatedAt"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return Permanent(fmt.Errorf("decoding %s payload: %w", j.Type, err))
	}
	return nil
}

func (j *Job) Backoff() time.Duration {
	return time.Duration(j.BackoffMS) * time.Millisecond
}

func (j *Job) RunTime() time.Time {
	return time.UnixMilli(j.RunAt)
}

// MaxDelay bounds the wait between two attempts.
const MaxDelay = 7 * 24 * time.Hour

// NextDelay is the exponential backoff before the retry that follows the
// given number of failed attempts: base, 2·base, 4·base, ... up to MaxDelay.
func NextDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay > MaxDelay/2 {
			return MaxDelay
		}
		delay *= 2
	}
	if delay > MaxDelay {
		return MaxDelay
	}
	return delay
}

type options struct {
	delay     time.Duration
	attempts  int
	backoff   time.Duration
	dedupeKey string
}

type Option func(*options)

func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

func WithAttempts(n int) Option {
	return func(o *options) { o.attempts = n }
}

func WithBackoff(d time.Duration) Option {
	return func(o *options) { o.backoff = d }
}

// WithDedupeKey makes Enqueue a no-op returning ErrDuplicate when a job with
// the same key already exists.
func WithDedupeKey(key string) Option {
	return func(o *options) { o.dedupeKey = key }
}

var (
	ErrDuplicate   = errors.New("duplicate job")
	ErrJobNotFound = errors.New("job not found")
	ErrNoHandler   = errors.New("no handler registered")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying; the job fails at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
