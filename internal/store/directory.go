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

// Directory is a local user directory, an alternative identity source to the
// messaging platform.
type Directory struct {
	db *sqlx.DB
}

type identityRow struct {
	model.Identity
	Metadata  string `db:"metadata"`
	UpdatedAt int64  `db:"updated_at"`
}

func NewDirectory(db *sqlx.DB) (*Directory, error) {
	d := &Directory{db}
	if err := d.createTables(); err != nil {
		return nil, fmt.Errorf("creating directory tables: %w", err)
	}
	return d, nil
}

func (d *Directory) createTables() error {
	_, err := d.db.Exec(`create table if not exists identities(
		user_id      text not null primary key,
		display_name text not null default '',
		avatar_url   text not null default '',
		first_name   text not null default '',
		last_name    text not null default '',
		email        text not null default '',
		phone        text not null default '',
		metadata     text not null default '{}',
		updated_at   bigint not null
	)`)
	if err != nil {
		return fmt.Errorf("creating identities table: %w", err)
	}
	return nil
}

func (d *Directory) Put(ctx context.Context, identity *model.Identity) error {
	metadata, err := json.Marshal(identity.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	row := identityRow{
		Identity:  *identity,
		Metadata:  string(metadata),
		UpdatedAt: time.Now().UnixMilli(),
	}

	res, err := d.db.NamedExecContext(ctx, `insert into identities
		(user_id, display_name, avatar_url, first_name, last_name, email, phone, metadata, updated_at)
		values(:user_id, :display_name, :avatar_url, :first_name, :last_name, :email, :phone, :metadata, :updated_at)
		on conflict (user_id) do update set
			display_name = excluded.display_name, avatar_url = excluded.avatar_url,
			first_name = excluded.first_name, last_name = excluded.last_name,
			email = excluded.email, phone = excluded.phone,
			metadata = excluded.metadata, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("upserting identity: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}

	return nil
}

func (d *Directory) Get(ctx context.Context, userID model.UserID) (*model.Identity, error) {
	row := identityRow{}
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`select * from identities where user_id = ?`), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorIdentityNotFound
		}
		return nil, fmt.Errorf("fetching identity: %w", err)
	}

	identity := row.Identity
	if err := json.Unmarshal([]byte(row.Metadata), &identity.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling metadata: %w", err)
	}
	return &identity, nil
}
