package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	// Pure Go driver; the relay builds without cgo.
	_ "modernc.org/sqlite"

	"github.com/roach88/fecore/internal/ir"
)

const replicaSchema = `
CREATE TABLE IF NOT EXISTS rows (
	tbl            TEXT NOT NULL,
	partition_id   TEXT NOT NULL,
	id             TEXT NOT NULL,
	updated_device TEXT NOT NULL DEFAULT '',
	data           TEXT NOT NULL,
	PRIMARY KEY (tbl, partition_id, id)
) WITHOUT ROWID;
`

// SQLiteReplica is a durable Remote stored in a single SQLite file.
// Rows of every table share one relation keyed by (tbl, partition_id, id).
type SQLiteReplica struct {
	db  *sql.DB
	hub *Hub
}

var _ Remote = (*SQLiteReplica)(nil)

// OpenSQLiteReplica creates or opens a replica database at path.
func OpenSQLiteReplica(path string, logger *slog.Logger) (*SQLiteReplica, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		replicaSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("open replica: %w", err)
		}
	}

	return &SQLiteReplica{db: db, hub: NewHub(logger)}, nil
}

// Close ends all subscriptions and closes the database.
func (r *SQLiteReplica) Close() error {
	r.hub.Close()
	return r.db.Close()
}

// Ping implements Replica.
func (r *SQLiteReplica) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Upsert implements Replica.
func (r *SQLiteReplica) Upsert(ctx context.Context, table string, row Row) error {
	if err := row.validateKey(); err != nil {
		return err
	}
	data, err := ir.MarshalCanonical(map[string]any(row))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID(), err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: begin tx: %w", table, row.ID(), err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM rows WHERE tbl = ? AND partition_id = ? AND id = ?`,
		table, row.Partition(), row.ID(),
	).Scan(&one)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID(), err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rows (tbl, partition_id, id, updated_device, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tbl, partition_id, id) DO UPDATE SET
			updated_device = excluded.updated_device,
			data = excluded.data
	`, table, row.Partition(), row.ID(), row.UpdatedDevice(), string(data))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert %s/%s: commit: %w", table, row.ID(), err)
	}

	stored, err := decodeRow([]byte(data))
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, row.ID(), err)
	}
	event := EventInsert
	if existed {
		event = EventUpdate
	}
	r.hub.Publish(Change{EventType: event, Table: table, New: stored})
	return nil
}

// Delete implements Replica.
func (r *SQLiteReplica) Delete(ctx context.Context, table string, key Row) error {
	if err := key.validateKey(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rows WHERE tbl = ? AND partition_id = ? AND id = ?`,
		table, key.Partition(), key.ID(),
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key.ID(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: rows affected: %w", table, key.ID(), err)
	}
	if n > 0 {
		r.hub.Publish(Change{EventType: EventDelete, Table: table, Old: key.Clone()})
	}
	return nil
}

// Select implements Replica.
func (r *SQLiteReplica) Select(ctx context.Context, table, partition string) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM rows WHERE tbl = ? AND partition_id = ? ORDER BY id ASC`,
		table, partition,
	)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("select %s: scan: %w", table, err)
		}
		row, err := decodeRow([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

// Subscribe implements Realtime.
func (r *SQLiteReplica) Subscribe(ctx context.Context, filter Filter, handler Handler) (*Subscription, error) {
	return r.hub.Subscribe(ctx, filter, handler)
}

// Unsubscribe implements Realtime.
func (r *SQLiteReplica) Unsubscribe(sub *Subscription) error {
	return r.hub.Unsubscribe(sub)
}

func decodeRow(data []byte) (Row, error) {
	var row Row
	if err := ir.DecodeJSON(data, &row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}
