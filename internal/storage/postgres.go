package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"call-broker/pkg/utils"
)

// Schema for the persistent backend. Applied by migration tooling, kept
// here so the queries below have a single source of truth next to them.
const Schema = `
CREATE TABLE IF NOT EXISTS simple_push_urls (
    user_mac TEXT NOT NULL,
    url      TEXT NOT NULL,
    PRIMARY KEY (user_mac, url)
);

CREATE TABLE IF NOT EXISTS call_urls (
    token      TEXT PRIMARY KEY,
    user_mac   TEXT NOT NULL,
    caller_id  TEXT NOT NULL DEFAULT '',
    issuer     TEXT NOT NULL DEFAULT '',
    expires_at TIMESTAMPTZ,
    revoked    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS call_urls_user_mac_idx ON call_urls (user_mac);
`

// PGStore is the production persistent backend, on Postgres via the pgx
// stdlib driver.
type PGStore struct {
	db          *sql.DB
	pingTimeout time.Duration
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, pingTimeout: 5 * time.Second}
}

func (s *PGStore) AddSimplePushURL(ctx context.Context, userMac, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO simple_push_urls (user_mac, url) VALUES ($1, $2)
		 ON CONFLICT (user_mac, url) DO NOTHING`,
		userMac, url)
	return err
}

func (s *PGStore) ListSimplePushURLs(ctx context.Context, userMac string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM simple_push_urls WHERE user_mac = $1 ORDER BY url`, userMac)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		out = append(out, url)
	}
	return out, rows.Err()
}

func (s *PGStore) RemoveSimplePushURLs(ctx context.Context, userMac string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM simple_push_urls WHERE user_mac = $1`, userMac)
	return err
}

func (s *PGStore) AddCallURL(ctx context.Context, rec CallURL) error {
	var expires interface{}
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_urls (token, user_mac, caller_id, issuer, expires_at, revoked)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token) DO UPDATE
		 SET caller_id = EXCLUDED.caller_id,
		     issuer = EXCLUDED.issuer,
		     expires_at = EXCLUDED.expires_at`,
		rec.Token, rec.UserMac, rec.CallerID, rec.Issuer, expires, rec.Revoked)
	return err
}

func (s *PGStore) GetCallURL(ctx context.Context, token string) (CallURL, error) {
	var rec CallURL
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT token, user_mac, caller_id, issuer, expires_at, revoked
		 FROM call_urls
		 WHERE token = $1 AND NOT revoked
		   AND (expires_at IS NULL OR expires_at > NOW())`,
		token).Scan(&rec.Token, &rec.UserMac, &rec.CallerID, &rec.Issuer, &expires, &rec.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return CallURL{}, ErrCallURLNotFound
	}
	if err != nil {
		return CallURL{}, err
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return rec, nil
}

func (s *PGStore) RevokeCallURL(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_urls SET revoked = TRUE WHERE token = $1`, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCallURLNotFound
	}
	return nil
}

func (s *PGStore) ListUserCallURLs(ctx context.Context, userMac string) ([]CallURL, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, user_mac, caller_id, issuer, expires_at, revoked
		 FROM call_urls
		 WHERE user_mac = $1 AND NOT revoked
		 ORDER BY token`, userMac)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallURL
	for rows.Next() {
		var rec CallURL
		var expires sql.NullTime
		if err := rows.Scan(&rec.Token, &rec.UserMac, &rec.CallerID, &rec.Issuer, &expires, &rec.Revoked); err != nil {
			return nil, err
		}
		if expires.Valid {
			rec.ExpiresAt = expires.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Drop truncates both tables in one transaction.
func (s *PGStore) Drop(ctx context.Context) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `TRUNCATE simple_push_urls`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `TRUNCATE call_urls`)
		return err
	})
}

func (s *PGStore) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, s.db, s.pingTimeout)
}
