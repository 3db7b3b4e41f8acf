package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mattn/go-sqlite3"
)

var log = logging.Logger("zkid/ledger")

// SQLiteLedger stores identities in a SQLite database. Insertion order is
// the autoincrement sequence; every write also appends to identity_history.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger opens (creating if needed) the database at dbPath.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	l := &SQLiteLedger{db: db, now: time.Now}
	if err := l.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}

	log.Infof("SQLite ledger initialized at %s", dbPath)
	return l, nil
}

func (l *SQLiteLedger) initDB() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS identities (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			nid_hash TEXT NOT NULL UNIQUE,
			sx TEXT NOT NULL,
			sy TEXT NOT NULL DEFAULT '',
			salt TEXT NOT NULL,
			curve TEXT NOT NULL,
			registered_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identity_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			nid_hash TEXT NOT NULL,
			tx_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			value TEXT,
			is_delete INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS identity_history_nid ON identity_history(nid_hash, id);
	`)
	return err
}

// Register inserts the record and its history entry in one transaction.
func (l *SQLiteLedger) Register(ctx context.Context, rec Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.RegisteredAt = l.now().UTC()

	value, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO identities (nid_hash, sx, sy, salt, curve, registered_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.NIDHash, rec.Sx, rec.Sy, rec.Salt, rec.Curve, rec.RegisteredAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("database error: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO identity_history (nid_hash, tx_id, ts, value, is_delete) VALUES (?, ?, ?, ?, 0)",
		rec.NIDHash, uuid.NewString(), rec.RegisteredAt.UnixNano(), string(value),
	)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// GetPublicKey retrieves a record by nidHash
func (l *SQLiteLedger) GetPublicKey(ctx context.Context, nidHash string) (*Record, error) {
	var rec Record
	var registeredAt int64
	err := l.db.QueryRowContext(ctx,
		"SELECT nid_hash, sx, sy, salt, curve, registered_at FROM identities WHERE nid_hash = ?",
		nidHash,
	).Scan(&rec.NIDHash, &rec.Sx, &rec.Sy, &rec.Salt, &rec.Curve, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	rec.RegisteredAt = time.Unix(0, registeredAt).UTC()
	return &rec, nil
}

// Exists checks if nidHash is registered
func (l *SQLiteLedger) Exists(ctx context.Context, nidHash string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM identities WHERE nid_hash = ?", nidHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return true, nil
}

// NIDHashes streams identities ordered by insertion sequence.
func (l *SQLiteLedger) NIDHashes(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := l.db.QueryContext(ctx, "SELECT nid_hash FROM identities ORDER BY seq")
		if err != nil {
			yield("", fmt.Errorf("database error: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				yield("", fmt.Errorf("database error: %w", err))
				return
			}
			if !yield(h, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("database error: %w", err))
		}
	}
}

// History streams the modifications of nidHash, oldest first.
func (l *SQLiteLedger) History(ctx context.Context, nidHash string) iter.Seq2[Modification, error] {
	return func(yield func(Modification, error) bool) {
		rows, err := l.db.QueryContext(ctx,
			"SELECT tx_id, ts, value, is_delete FROM identity_history WHERE nid_hash = ? ORDER BY id",
			nidHash,
		)
		if err != nil {
			yield(Modification{}, fmt.Errorf("database error: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m     Modification
				ts    int64
				value sql.NullString
			)
			if err := rows.Scan(&m.TxID, &ts, &value, &m.IsDelete); err != nil {
				yield(Modification{}, fmt.Errorf("database error: %w", err))
				return
			}
			m.Timestamp = time.Unix(0, ts).UTC()
			if value.Valid && value.String != "" {
				var rec Record
				if err := json.Unmarshal([]byte(value.String), &rec); err != nil {
					yield(Modification{}, fmt.Errorf("decode history value: %w", err))
					return
				}
				m.Value = &rec
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Modification{}, fmt.Errorf("database error: %w", err))
		}
	}
}

// Ping checks the database connection
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
