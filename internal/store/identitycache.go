package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

type identityCache struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

func NewIdentityCache(ttl time.Duration) (*identityCache, error) {
	db, err := sqlx.Connect(DriverSQLite, memoryDSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	identityCache := &identityCache{db: db, ttl: ttl, now: time.Now}
	identityCache.init()

	return identityCache, nil
}

func (s *identityCache) init() {
	s.db.MustExec(`create table if not exists identity_cache (
		user_id    text primary key,
		identity   text not null,
		expires_at bigint not null
	)`)
}

func (s *identityCache) Close() error {
	return s.db.Close()
}

func (s *identityCache) Get(userID model.UserID) (*model.Identity, error) {
	var payload string
	err := s.db.Get(&payload, "SELECT identity FROM identity_cache WHERE user_id = ? AND expires_at > ?", userID, s.now().UnixMilli())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrorIdentityNotFound
		}
		return nil, fmt.Errorf("getting identity from cache: %w", err)
	}

	identity := &model.Identity{}
	if err := json.Unmarshal([]byte(payload), identity); err != nil {
		return nil, fmt.Errorf("decoding cached identity: %w", err)
	}
	return identity, nil
}

func (s *identityCache) Set(identity *model.Identity) error {
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO identity_cache (user_id, identity, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET identity = excluded.identity, expires_at = excluded.expires_at`,
		identity.UserID, string(payload), s.now().Add(s.ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("setting identity in cache: %w", err)
	}
	return nil
}

// Evict removes expired entries.
func (s *identityCache) Evict() (int64, error) {
	res, err := s.db.Exec("DELETE FROM identity_cache WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evicting identities: %w", err)
	}
	return res.RowsAffected()
}
