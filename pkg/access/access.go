// Package access implements Access Control (C6): issuing, hashing,
// verifying and expiring the API keys that gate mutating HTTP requests.
// Keys are 32 random bytes presented as hex in an Authorization header;
// only their scrypt hash is ever persisted (spec's Non-goal: no plaintext
// key storage).
package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// KeySize is the number of random bytes making up a raw API key.
const KeySize = 32

// scryptSalt is a fixed, deployment-wide salt (spec §9, "fixed-salt
// password hashing"): trading per-key salting for the ability to look a
// key up directly by its hash, rather than scanning every row. Treat this
// as a deployment constant, not a secret — the key material itself, not
// the salt, is what must stay secret.
var scryptSalt = []byte("twine-spool-service-fixed-salt")

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

var (
	// ErrInvalid means the presented key does not match any stored hash.
	ErrInvalid = errors.New("access: invalid api key")
	// ErrExpired means the key matched but its expires_at has passed.
	ErrExpired = errors.New("access: expired api key")
)

// hashKey scrypt-hashes raw key bytes under the fixed salt.
func hashKey(raw []byte) ([]byte, error) {
	h, err := scrypt.Key(raw, scryptSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("access: hashing key: %w", err)
	}
	return h, nil
}

// Key is an issued API key as returned to the admin caller that created
// it: Raw is shown exactly once, at creation time.
type Key struct {
	ID          int64
	Description string
	Raw         string // hex-encoded, present only on creation
	CreatedAt   time.Time
	LastUsedAt  sql.NullTime
	ExpiresAt   sql.NullTime
}

// DB is the subset of *sql.DB this package depends on.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ErrNotFound means no ApiKeys row matches the requested id.
var ErrNotFound = errors.New("access: key not found")

// Control issues and verifies API keys against the ApiKeys table.
type Control struct {
	db DB
}

// New builds a Control backed by db.
func New(db DB) *Control {
	return &Control{db: db}
}

// Issue generates a fresh random key, stores its hash, and returns the raw
// hex-encoded key — the only time the caller ever sees the raw bytes.
func (c *Control) Issue(ctx context.Context, description string, expiresAt *time.Time) (*Key, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("access: generating key: %w", err)
	}
	hashed, err := hashKey(raw)
	if err != nil {
		return nil, err
	}

	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: *expiresAt, Valid: true}
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO ApiKeys (description, hashed_key, created_at, expires_at) VALUES (?, ?, NOW(), ?)`,
		description, hashed, expires)
	if err != nil {
		return nil, fmt.Errorf("access: inserting key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("access: reading inserted id: %w", err)
	}

	return &Key{ID: id, Description: description, Raw: hex.EncodeToString(raw), ExpiresAt: expires}, nil
}

// Verify checks a hex-encoded raw key from an Authorization: ApiKey header.
// On success it advances last_used_at via an idempotent upsert on the hash
// column and returns the key's row id.
func (c *Control) Verify(ctx context.Context, rawHex string) (int64, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return 0, ErrInvalid
	}
	hashed, err := hashKey(raw)
	if err != nil {
		return 0, err
	}

	var id int64
	var expiresAt sql.NullTime
	var storedHash []byte
	err = c.db.QueryRowContext(ctx, `
		SELECT id, hashed_key, expires_at FROM ApiKeys WHERE hashed_key = ?`, hashed).
		Scan(&id, &storedHash, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("access: looking up key: %w", err)
	}
	if subtle.ConstantTimeCompare(storedHash, hashed) != 1 {
		return 0, ErrInvalid
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return 0, ErrExpired
	}

	// Idempotent by construction: repeated calls for the same key just
	// re-set the same column to the current time, never creating a row.
	if _, err := c.db.ExecContext(ctx, `UPDATE ApiKeys SET last_used_at = NOW() WHERE hashed_key = ?`, hashed); err != nil {
		return 0, fmt.Errorf("access: advancing last_used_at: %w", err)
	}
	return id, nil
}

// List returns every issued key's record, newest first. Raw is never
// populated: it only ever exists in the Issue response.
func (c *Control) List(ctx context.Context) ([]Key, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, description, created_at, last_used_at, expires_at FROM ApiKeys ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("access: listing keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.Description, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt); err != nil {
			return nil, fmt.Errorf("access: scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("access: listing keys: %w", err)
	}
	return keys, nil
}

// Get fetches a single key's record by id, or ErrNotFound.
func (c *Control) Get(ctx context.Context, id int64) (*Key, error) {
	var k Key
	err := c.db.QueryRowContext(ctx, `
		SELECT id, description, created_at, last_used_at, expires_at FROM ApiKeys WHERE id = ?`, id).
		Scan(&k.ID, &k.Description, &k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("access: fetching key: %w", err)
	}
	return &k, nil
}

// Delete removes a key's record by id. It is an idempotent no-op if id does
// not exist (spec's "duplicate-on-insert is never an error" style applies
// equally to a caller retrying a delete).
func (c *Control) Delete(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM ApiKeys WHERE id = ?`, id); err != nil {
		return fmt.Errorf("access: deleting key: %w", err)
	}
	return nil
}
