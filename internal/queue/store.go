package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const jobsDDL = `
create table if not exists jobs (
	id           text not null primary key,
	type         text not null,
	payload      text not null,
	status       text not null default 'pending',
	attempts     integer not null default 0,
	max_attempts integer not null,
	backoff_ms   bigint not null,
	run_at       bigint not null,
	dedupe_key   text unique,
	last_error   text not null default '',
	created_at   bigint not null,
	updated_at   bigint not null
)`

const jobsIndexDDL = `create index if not exists idx_jobs_due on jobs(type, status, run_at)`

// Store persists jobs with sqlx; queries use ? bindvars and are rebound for
// the connected driver.
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(jobsDDL); err != nil {
		return nil, fmt.Errorf("creating jobs table: %w", err)
	}
	if _, err := db.Exec(jobsIndexDDL); err != nil {
		return nil, fmt.Errorf("creating jobs index: %w", err)
	}
	return &Store{db}, nil
}

// Insert stores a new job. It returns false when the dedupe key is taken.
func (s *Store) Insert(ctx context.Context, job *Job) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `insert into jobs
		(id, type, payload, status, attempts, max_attempts, backoff_ms, run_at, dedupe_key, last_error, created_at, updated_at)
		values(:id, :type, :payload, :status, :attempts, :max_attempts, :backoff_ms, :run_at, :dedupe_key, :last_error, :created_at, :updated_at)
		on conflict (dedupe_key) do nothing`, job)
	if err != nil {
		return false, fmt.Errorf("inserting job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows == 1, nil
}

// Claim moves the oldest due pending job of the given type to active. It
// returns nil when nothing is due or another worker won the race.
func (s *Store) Claim(ctx context.Context, jobType string, now int64) (*Job, error) {
	var id string
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`select id from jobs
		where type = ? and status = ? and run_at <= ?
		order by run_at, created_at limit 1`), jobType, StatusPending, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting due job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`update jobs set status = ?, updated_at = ?
		where id = ? and status = ?`), StatusActive, now, id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return nil, nil
	}

	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	err := s.db.GetContext(ctx, job, s.db.Rebind(`select * from jobs where id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("fetching job: %w", err)
	}
	return job, nil
}

func (s *Store) Complete(ctx context.Context, id string, attempts int, now int64) error {
	return s.update(ctx, `update jobs set status = ?, attempts = ?, last_error = '', updated_at = ? where id = ?`,
		StatusComplete, attempts, now, id)
}

// Reschedule puts a failed attempt back to pending at runAt.
func (s *Store) Reschedule(ctx context.Context, id string, attempts int, runAt int64, lastError string, now int64) error {
	return s.update(ctx, `update jobs set status = ?, attempts = ?, run_at = ?, last_error = ?, updated_at = ? where id = ?`,
		StatusPending, attempts, runAt, lastError, now, id)
}

func (s *Store) Fail(ctx context.Context, id string, attempts int, lastError string, now int64) error {
	return s.update(ctx, `update jobs set status = ?, attempts = ?, last_error = ?, updated_at = ? where id = ?`,
		StatusFailed, attempts, lastError, now, id)
}

// Retry resets a failed job so it runs again from its first attempt.
func (s *Store) Retry(ctx context.Context, id string, now int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`update jobs set status = ?, attempts = 0, run_at = ?, updated_at = ?
		where id = ? and status = ?`), StatusPending, now, now, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("retrying job: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueActive returns jobs left active by a crashed process to pending.
func (s *Store) RequeueActive(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`update jobs set status = ?, updated_at = ? where status = ?`),
		StatusPending, now, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("requeueing active jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	jobs := []Job{}
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(`select * from jobs where status = ?
		order by updated_at desc limit ?`), status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// PurgeComplete deletes completed jobs last updated before the cutoff.
func (s *Store) PurgeComplete(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`delete from jobs where status = ? and updated_at < ?`),
		StatusComplete, before)
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Stats(ctx context.Context) (map[Status]int64, error) {
	rows := []struct {
		Status Status `db:"status"`
		Count  int64  `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `select status, count(*) as count from jobs group by status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}

	stats := map[Status]int64{
		StatusPending:  0,
		StatusActive:   0,
		StatusComplete: 0,
		StatusFailed:   0,
	}
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}

func (s *Store) update(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}
