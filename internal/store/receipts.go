package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

// Receipts keeps the messages seen on the receipts webhook together with the
// latest delivery status of each recipient.
type Receipts struct {
	db  *sqlx.DB
	now func() time.Time
}

type receiptRow struct {
	UserID string `db:"user_id"`
	Status string `db:"status"`
}

func NewReceipts(db *sqlx.DB) (*Receipts, error) {
	r := &Receipts{db: db, now: time.Now}
	if err := r.createTables(); err != nil {
		return nil, fmt.Errorf("creating receipt tables: %w", err)
	}
	return r, nil
}

func (r *Receipts) createTables() error {
	_, err := r.db.Exec(`create table if not exists messages(
		id         text not null primary key,
		payload    text not null,
		created_at bigint not null
	)`)
	if err != nil {
		return fmt.Errorf("creating messages table: %w", err)
	}

	_, err = r.db.Exec(`create table if not exists receipts(
		message_id  text not null,
		user_id     text not null,
		status      text not null,
		status_rank integer not null,
		updated_at  bigint not null,
		primary key (message_id, user_id)
	)`)
	if err != nil {
		return fmt.Errorf("creating receipts table: %w", err)
	}

	return nil
}

func (r *Receipts) SaveMessage(ctx context.Context, message *model.Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`insert into messages (id, payload, created_at) values (?, ?, ?)
		on conflict (id) do update set payload = excluded.payload`),
		message.ID, string(payload), r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := r.applyStatuses(ctx, tx, message.ID, message.Statuses()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// ApplyStatuses records recipient statuses. A status never moves backwards,
// so out-of-order receipts are harmless.
func (r *Receipts) ApplyStatuses(ctx context.Context, messageID model.MessageID, statuses map[model.UserID]model.RecipientStatus) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.applyStatuses(ctx, tx, messageID, statuses); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing statuses: %w", err)
	}
	return nil
}

func (r *Receipts) applyStatuses(ctx context.Context, tx *sqlx.Tx, messageID model.MessageID, statuses map[model.UserID]model.RecipientStatus) error {
	query := tx.Rebind(`insert into receipts (message_id, user_id, status, status_rank, updated_at) values (?, ?, ?, ?, ?)
		on conflict (message_id, user_id) do update set
			status = excluded.status, status_rank = excluded.status_rank, updated_at = excluded.updated_at
		where receipts.status_rank < excluded.status_rank`)

	now := r.now().UnixMilli()
	for userID, status := range statuses {
		if !status.Valid() {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, messageID, userID, status, status.Rank(), now); err != nil {
			return fmt.Errorf("upserting receipt for %s: %w", userID, err)
		}
	}
	return nil
}

func (r *Receipts) MarkDeleted(ctx context.Context, messageID model.MessageID) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`update receipts set status = ?, status_rank = ?, updated_at = ? where message_id = ?`),
		model.RecipientStatusDeleted, model.RecipientStatusDeleted.Rank(), r.now().UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("marking message deleted: %w", err)
	}
	return nil
}

// Message returns a stored message with its current recipient statuses.
func (r *Receipts) Message(ctx context.Context, id model.MessageID) (*model.Message, error) {
	var payload string
	err := r.db.GetContext(ctx, &payload, r.db.Rebind(`select payload from messages where id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorMessageNotFound
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}

	message := &model.Message{}
	if err := json.Unmarshal([]byte(payload), message); err != nil {
		return nil, fmt.Errorf("unmarshalling message: %w", err)
	}

	rows := []receiptRow{}
	err = r.db.SelectContext(ctx, &rows, r.db.Rebind(`select user_id, status from receipts where message_id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("fetching receipts: %w", err)
	}

	message.RecipientStatus = make(map[string]model.RecipientStatus, len(rows))
	for _, row := range rows {
		message.RecipientStatus[row.UserID] = model.RecipientStatus(row.Status)
	}

	return message, nil
}

func (r *Receipts) Status(ctx context.Context, messageID model.MessageID, userID model.UserID) (model.RecipientStatus, error) {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`select status from receipts where message_id = ? and user_id = ?`), messageID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", model.ErrorMessageNotFound
		}
		return "", fmt.Errorf("fetching receipt: %w", err)
	}
	return model.RecipientStatus(status), nil
}

// Purge drops messages and receipts first seen before the given time.
func (r *Receipts) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`delete from receipts where message_id in (select id from messages where created_at < ?)`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging receipts: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`delete from messages where created_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing purge: %w", err)
	}
	return res.RowsAffected()
}
