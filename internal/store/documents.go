package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akshyv/rag-pdf/internal/rag"
)

// Put stores doc, replacing the size, content and processed flag of an
// existing document with the same name. It reports whether the document
// already existed. CreatedAt is kept on replacement.
func (s *SQLiteStore) Put(ctx context.Context, doc rag.Document) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: put %s: begin: %w", doc.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	var created int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM documents WHERE name = ?`, doc.Name).Scan(&created)
	existed := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existed = false
	case err != nil:
		return false, fmt.Errorf("store: put %s: lookup: %w", doc.Name, err)
	}

	if existed {
		const q = `UPDATE documents SET size = ?, content = ?, processed = ?, updated_at = ? WHERE name = ?`
		if _, err := tx.ExecContext(ctx, q, doc.Size, doc.Content, boolToInt(doc.Processed), now, doc.Name); err != nil {
			return false, fmt.Errorf("store: put %s: update: %w", doc.Name, err)
		}
	} else {
		const q = `INSERT INTO documents (name, size, content, processed, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, doc.Name, doc.Size, doc.Content, boolToInt(doc.Processed), now, now); err != nil {
			return false, fmt.Errorf("store: put %s: insert: %w", doc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: put %s: commit: %w", doc.Name, err)
	}
	return existed, nil
}

// Get returns the named document or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, name string) (rag.Document, error) {
	const q = `SELECT name, size, content, processed, created_at, updated_at FROM documents WHERE name = ?`

	var (
		doc              rag.Document
		processed        int
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, q, name).Scan(&doc.Name, &doc.Size, &doc.Content, &processed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rag.Document{}, fmt.Errorf("store: get %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return rag.Document{}, fmt.Errorf("store: get %s: %w", name, err)
	}
	doc.Processed = processed != 0
	doc.CreatedAt = time.Unix(created, 0)
	doc.UpdatedAt = time.Unix(updated, 0)
	return doc, nil
}

// List returns every document without its content, ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]rag.DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, size, processed FROM documents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	out := []rag.DocumentInfo{}
	for rows.Next() {
		var (
			info      rag.DocumentInfo
			processed int
		)
		if err := rows.Scan(&info.Name, &info.Size, &processed); err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		info.Processed = processed != 0
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list rows: %w", err)
	}
	return out, nil
}

// SetProcessed updates the processed flag of the named document.
func (s *SQLiteStore) SetProcessed(ctx context.Context, name string, processed bool) error {
	const q = `UPDATE documents SET processed = ?, updated_at = ? WHERE name = ?`
	res, err := s.db.ExecContext(ctx, q, boolToInt(processed), s.now().Unix(), name)
	if err != nil {
		return fmt.Errorf("store: set processed %s: %w", name, err)
	}
	return expectOneRow(res, "set processed", name)
}

// Delete removes the named document. Any chunks still stored in the chunks
// table are removed with it.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return expectOneRow(res, "delete", name)
}

// expectOneRow maps a zero rows-affected result to ErrNotFound.
func expectOneRow(res sql.Result, op, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s %s: rows affected: %w", op, name, err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s %s: %w", op, name, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
