package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	_ "modernc.org/sqlite"

	"github.com/Fantasim/ckbtc-minter/internal/config"
	"github.com/Fantasim/ckbtc-minter/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRecorder persists the event log to a WAL-mode SQLite database,
// recording each event as a JSON-encoded row so Replay can reconstruct
// state deterministically after a restart.
type SQLiteRecorder struct {
	conn *sql.DB
	path string
}

var _ Recorder = (*SQLiteRecorder)(nil)

// NewSQLiteRecorder opens (creating if necessary) a WAL-mode SQLite
// database at path and applies embedded migrations.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, config.DBBusyTimeoutMillis)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log database %q: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping event log database: %w", err)
	}

	r := &SQLiteRecorder{conn: conn, path: path}
	if err := r.runMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRecorder) Close() error {
	slog.Info("closing event log database", "path", r.path)
	return r.conn.Close()
}

func (r *SQLiteRecorder) runMigrations() error {
	if _, err := r.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		version, err := migrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := r.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		sqlBytes, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}
		if _, err := r.conn.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %q: %w", entry.Name(), err)
		}
		if _, err := r.conn.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		slog.Info("applied event log migration", "file", entry.Name())
	}
	return nil
}

func migrationVersion(filename string) (int, error) {
	prefix := strings.SplitN(filename, "_", 2)[0]
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("parse migration version from %q: %w", filename, err)
	}
	return version, nil
}

func (r *SQLiteRecorder) insert(kind Kind, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload, event lost", "kind", kind, "error", err)
		return
	}
	if _, err := r.conn.Exec("INSERT INTO events (kind, payload) VALUES (?, ?)", string(kind), string(data)); err != nil {
		slog.Error("failed to record event", "kind", kind, "error", fmt.Errorf("%w: %s", config.ErrRecordEvent, err))
	}
}

func (r *SQLiteRecorder) RecordReceivedUtxos(_ context.Context, toAccount models.Account, utxos []models.UTXO) {
	r.insert(KindReceivedUtxos, ReceivedUtxosPayload{ToAccount: toAccount, UTXOs: utxos})
}

func (r *SQLiteRecorder) RecordSentBtcTransaction(_ context.Context, tx models.SubmittedBtcTransaction) {
	indices := make([]uint64, len(tx.Requests))
	for i, req := range tx.Requests {
		indices[i] = req.BlockIndex
	}
	r.insert(KindSentBtcTransaction, SentBtcTransactionPayload{
		RequestBlockIndices: indices,
		Txid:                tx.Txid,
		UTXOs:               tx.UsedUTXOs,
		ChangeOutput:        tx.ChangeOutput,
		SubmittedAt:         tx.SubmittedAt,
	})
}

func (r *SQLiteRecorder) RecordConfirmedBtcTransaction(_ context.Context, txid chainhash.Hash) {
	r.insert(KindConfirmedBtcTransaction, ConfirmedBtcTransactionPayload{Txid: txid})
}

// LoadAll reads every recorded event back in insertion order, for Replay.
func (r *SQLiteRecorder) LoadAll(ctx context.Context) ([]Event, error) {
	rows, err := r.conn.QueryContext(ctx, "SELECT kind, payload FROM events ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var kind, payload string
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event, err := decodeEvent(Kind(kind), []byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func decodeEvent(kind Kind, payload []byte) (Event, error) {
	switch kind {
	case KindReceivedUtxos:
		var p ReceivedUtxosPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return Event{Kind: kind, Received: &p}, nil
	case KindSentBtcTransaction:
		var p SentBtcTransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return Event{Kind: kind, Sent: &p}, nil
	case KindConfirmedBtcTransaction:
		var p ConfirmedBtcTransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return Event{Kind: kind, Confirmed: &p}, nil
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
}
