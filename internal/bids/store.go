package bids

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/specialistvlad/dmriprepgo/internal/ctxlog"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE info (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE files (
	path      TEXT PRIMARY KEY,
	relpath   TEXT NOT NULL,
	entities  TEXT NOT NULL,
	suffix    TEXT NOT NULL,
	extension TEXT NOT NULL,
	datatype  TEXT NOT NULL
);
CREATE TABLE sidecars (path TEXT PRIMARY KEY, content TEXT NOT NULL);
`

// Save persists the layout to a SQLite database at dbPath. The database is
// built beside the target and renamed into place, so readers never observe
// a partial index.
func (l *Layout) Save(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.tmp", dbPath, os.Getpid())
	_ = os.Remove(tmp)

	if err := l.writeDB(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	ctxlog.FromContext(ctx).Debug("BIDS index persisted.", "path", dbPath, "files", len(l.files))
	return nil
}

func (l *Layout) writeDB(ctx context.Context, dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range map[string]string{"root": l.Root, "fingerprint": l.fingerprint} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO info (key, value) VALUES (?, ?)`, k, v); err != nil {
			return err
		}
	}

	fileStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO files (path, relpath, entities, suffix, extension, datatype) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer fileStmt.Close()
	for _, f := range l.files {
		ents, err := json.Marshal(f.Entities)
		if err != nil {
			return err
		}
		if _, err := fileStmt.ExecContext(ctx, f.Path, f.RelPath, string(ents), f.Suffix, f.Extension, f.Datatype); err != nil {
			return fmt.Errorf("storing %s: %w", f.RelPath, err)
		}
	}

	for p, m := range l.sidecar {
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO sidecars (path, content) VALUES (?, ?)`, p, string(raw)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Open reads a layout persisted by Save.
func Open(ctx context.Context, dbPath string) (*Layout, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	info := map[string]string{}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM info`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, err
		}
		info[k] = v
	}
	rows.Close()
	if info["root"] == "" {
		return nil, fmt.Errorf("%s: index has no root", dbPath)
	}

	rows, err = db.QueryContext(ctx,
		`SELECT path, relpath, entities, suffix, extension, datatype FROM files ORDER BY relpath`)
	if err != nil {
		return nil, err
	}
	var files []*File
	for rows.Next() {
		var f File
		var ents string
		if err := rows.Scan(&f.Path, &f.RelPath, &ents, &f.Suffix, &f.Extension, &f.Datatype); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(ents), &f.Entities); err != nil {
			rows.Close()
			return nil, err
		}
		files = append(files, &f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	l := newLayout(info["root"], files, info["fingerprint"])

	rows, err = db.QueryContext(ctx, `SELECT path, content FROM sidecars`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p, content string
		if err := rows.Scan(&p, &content); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(content), &m); err != nil {
			return nil, err
		}
		l.sidecar[p] = m
	}
	return l, rows.Err()
}
