// Package outputstore archives kernel outputs in SQLite so a reopened
// notebook shows the outputs of earlier runs. Payloads are stored as
// deterministic CBOR, zstd compressed when that pays off.
package outputstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/nbsync/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

// Store is an output archive. It implements core.OutputArchive.
type Store struct {
	db     *sql.DB
	logger pslog.Logger
}

// Open opens (or creates) the archive at path.
func Open(ctx context.Context, path string, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("output archive path is required")
	}
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, logger: logger.With("archive", path)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS outputs (
		notebook_id   TEXT NOT NULL,
		cell_id       TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		run_index     INTEGER NOT NULL,
		message_index INTEGER NOT NULL,
		encoding      INTEGER NOT NULL,
		size          INTEGER NOT NULL,
		payload       BLOB NOT NULL,
		archived_at   TEXT NOT NULL,
		PRIMARY KEY (notebook_id, cell_id, user_id, run_index, message_index)
	);
	CREATE INDEX IF NOT EXISTS idx_outputs_notebook ON outputs(notebook_id);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Append stores outputs of a notebook. A chunk with the key of an archived
// chunk replaces it.
func (s *Store) Append(ctx context.Context, notebookID schema.NotebookID, outputs []schema.KernelOutput) error {
	if len(outputs) == 0 {
		return nil
	}
	type row struct {
		out      schema.KernelOutput
		data     []byte
		encoding int
		size     int
	}
	rows := make([]row, 0, len(outputs))
	for _, out := range outputs {
		data, encoding, size, err := encodePayload(out.Payload)
		if err != nil {
			return err
		}
		rows = append(rows, row{out: out, data: data, encoding: encoding, size: size})
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOp(ctx, defaultRetryConfig, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback()
		}()
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO outputs
			(notebook_id, cell_id, user_id, run_index, message_index, encoding, size, payload, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(notebook_id, cell_id, user_id, run_index, message_index) DO UPDATE SET
				encoding = excluded.encoding,
				size = excluded.size,
				payload = excluded.payload,
				archived_at = excluded.archived_at`)
		if err != nil {
			return err
		}
		defer func() {
			_ = stmt.Close()
		}()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, string(notebookID), string(r.out.CellID), string(r.out.UserID),
				r.out.RunIndex, r.out.MessageIndex, r.encoding, r.size, r.data, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append outputs: %w", err)
	}
	s.logger.Trace("output archive append", "notebook", notebookID, "outputs", len(rows))
	return nil
}

// Load returns the archived outputs of a notebook ordered by cell, user,
// run and message index. Rows that cannot be decoded are skipped.
func (s *Store) Load(ctx context.Context, notebookID schema.NotebookID) ([]schema.KernelOutput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cell_id, user_id, run_index, message_index, encoding, size, payload
		FROM outputs WHERE notebook_id = ?
		ORDER BY cell_id, user_id, run_index, message_index`, string(notebookID))
	if err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var outputs []schema.KernelOutput
	for rows.Next() {
		var (
			cellID, userID   string
			runIndex, msgIdx int
			encoding, size   int
			data             []byte
		)
		if err := rows.Scan(&cellID, &userID, &runIndex, &msgIdx, &encoding, &size, &data); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		payload, err := decodePayload(data, encoding, size)
		if err != nil {
			s.logger.Warn("output archive row skipped", "notebook", notebookID, "cell", cellID, "run", runIndex, "err", err)
			continue
		}
		outputs = append(outputs, schema.KernelOutput{
			CellID:       schema.CellID(cellID),
			UserID:       schema.UserID(userID),
			RunIndex:     runIndex,
			MessageIndex: msgIdx,
			Payload:      payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load outputs: %w", err)
	}
	return outputs, nil
}

// Purge deletes every archived output of a notebook.
func (s *Store) Purge(ctx context.Context, notebookID schema.NotebookID) error {
	var removed int64
	err := retryOp(ctx, defaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM outputs WHERE notebook_id = ?`, string(notebookID))
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge outputs: %w", err)
	}
	s.logger.Debug("output archive purged", "notebook", notebookID, "outputs", removed)
	return nil
}
