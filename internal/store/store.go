// Package store persists agents, honeytokens and events in SQLite.
//
// Sensitive columns (token paths, event paths and extra event fields) are
// sealed with a key derived from the operator secret; identifiers, kinds
// and timestamps stay in plaintext so they can be indexed and filtered.
package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// Options configure Open
type Options struct {
	// Path of the database file, or ":memory:"
	Path string
	// Secret is the operator secret the field key is derived from
	Secret []byte
	KDF    KDFParams
}

// Store is an encrypted SQLite event store. Writes are serialised; reads
// run concurrently under WAL.
type Store struct {
	db     *sql.DB
	cipher *FieldCipher
	path   string

	mu sync.RWMutex

	// Now is the clock used for received/registered timestamps
	Now func() time.Time
}

// Open opens or creates the database at opts.Path, applies migrations and
// derives the field key. A secret that does not match the one the
// database was created with fails with EncryptionFailure.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store path is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("store secret is required")
	}

	dsn := memoryPath
	if opts.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", opts.Path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.Path == memoryPath {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if opts.Path != memoryPath {
		if err := os.Chmod(opts.Path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			db.Close()
			return nil, fmt.Errorf("chmod db path: %w", err)
		}
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, storeErr(TransactionFailure, "migrate", err)
	}

	s := &Store{db: db, path: opts.Path, Now: time.Now}
	if err := s.initCipher(ctx, opts.Secret, opts.KDF); err != nil {
		db.Close()
		return nil, err
	}

	version, _ := schemaVersion(ctx, db)
	log.Info().
		Str("path", opts.Path).
		Int("schema_version", version).
		Msg("Event store opened")
	return s, nil
}

// initCipher loads or creates the key salt and key-check value
func (s *Store) initCipher(ctx context.Context, secret []byte, kdf KDFParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(TransactionFailure, "init key", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var salt, check []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM _metadata WHERE key = 'kdf_salt'`).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return encryptionErr("init key", "failed to generate salt: %v", err)
		}
		key, err := DeriveKey(secret, salt, kdf)
		if err != nil {
			return encryptionErr("init key", "%v", err)
		}
		s.cipher, err = NewFieldCipher(key)
		zero(key)
		if err != nil {
			return encryptionErr("init key", "%v", err)
		}
		check, err = s.cipher.Seal([]byte(keyCheckPlain))
		if err != nil {
			return err
		}
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _metadata (key, value, updated_at) VALUES ('kdf_salt', ?, ?), ('key_check', ?, ?)
		`, salt, now, check, now); err != nil {
			return storeErr(TransactionFailure, "init key", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr(TransactionFailure, "init key", err)
		}
		log.Info().Msg("Initialised field encryption key")
		return nil
	case err != nil:
		return storeErr(TransactionFailure, "init key", err)
	}

	if err := tx.QueryRowContext(ctx, `SELECT value FROM _metadata WHERE key = 'key_check'`).Scan(&check); err != nil {
		return storeErr(TransactionFailure, "init key", err)
	}
	key, err := DeriveKey(secret, salt, kdf)
	if err != nil {
		return encryptionErr("init key", "%v", err)
	}
	s.cipher, err = NewFieldCipher(key)
	zero(key)
	if err != nil {
		return encryptionErr("init key", "%v", err)
	}
	plain, err := s.cipher.Open(check)
	if err != nil || !bytes.Equal(plain, []byte(keyCheckPlain)) {
		return encryptionErr("init key", "operator secret does not match this database")
	}
	return nil
}

// Path returns the database path
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr(TransactionFailure, "ping", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dest. The copy
// keeps fields encrypted and carries its own salt and key check, so it
// opens with the same operator secret.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if s.path == memoryPath {
		return storeErr(TransactionFailure, "snapshot", errors.New("in-memory store cannot be snapshotted"))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return classify("snapshot", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
